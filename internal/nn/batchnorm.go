package nn

import (
	"math"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/stat"

	"digitforge/internal/tensor"
)

// BatchNorm normalises over every axis but the last (channel) one.
type BatchNorm struct {
	spec     LayerSpec
	in       []int
	channels int

	gamma          *Param
	beta           *Param
	movingMean     *Param
	movingVariance *Param

	// cached by the last forward pass
	xhat     []float64
	invStd   []float64
	training bool
}

func newBatchNorm(spec LayerSpec, in []int) (*BatchNorm, []int, error) {
	if len(in) == 0 {
		return nil, nil, errors.Newf("nn: %s: empty input shape", spec.Name)
	}
	if spec.Momentum <= 0 || spec.Momentum >= 1 {
		spec.Momentum = 0.99
	}
	if spec.Epsilon <= 0 {
		spec.Epsilon = 1e-3
	}
	c := in[len(in)-1]
	b := &BatchNorm{
		spec:           spec,
		in:             append([]int(nil), in...),
		channels:       c,
		gamma:          newTrainable(spec.Name+"/gamma", c),
		beta:           newTrainable(spec.Name+"/beta", c),
		movingMean:     newState(spec.Name+"/moving_mean", 0, c),
		movingVariance: newState(spec.Name+"/moving_variance", 1, c),
	}
	for i := range b.gamma.Value.Data {
		b.gamma.Value.Data[i] = 1
	}
	return b, in, nil
}

func (b *BatchNorm) Spec() LayerSpec { return b.spec }

func (b *BatchNorm) Params() []*Param {
	return []*Param{b.gamma, b.beta, b.movingMean, b.movingVariance}
}

func (b *BatchNorm) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkInput(b.spec.Name, x, b.in); err != nil {
		return nil, err
	}
	c := b.channels
	m := x.Size() / c
	mean := make([]float64, c)
	variance := make([]float64, c)

	if training {
		column := make([]float64, m)
		for ch := 0; ch < c; ch++ {
			for j := 0; j < m; j++ {
				column[j] = x.Data[j*c+ch]
			}
			mean[ch], variance[ch] = stat.PopMeanVariance(column, nil)
		}
		mom := b.spec.Momentum
		for ch := 0; ch < c; ch++ {
			b.movingMean.Value.Data[ch] = mom*b.movingMean.Value.Data[ch] + (1-mom)*mean[ch]
			b.movingVariance.Value.Data[ch] = mom*b.movingVariance.Value.Data[ch] + (1-mom)*variance[ch]
		}
	} else {
		copy(mean, b.movingMean.Value.Data)
		copy(variance, b.movingVariance.Value.Data)
	}

	invStd := make([]float64, c)
	for ch := range invStd {
		invStd[ch] = 1 / math.Sqrt(variance[ch]+b.spec.Epsilon)
	}

	out := tensor.New(x.Shape...)
	xhat := make([]float64, x.Size())
	for i, v := range x.Data {
		ch := i % c
		xhat[i] = (v - mean[ch]) * invStd[ch]
		out.Data[i] = b.gamma.Value.Data[ch]*xhat[i] + b.beta.Value.Data[ch]
	}
	b.xhat, b.invStd, b.training = xhat, invStd, training
	return out, nil
}

func (b *BatchNorm) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if b.xhat == nil {
		return nil, errNoForward
	}
	if len(grad.Data) != len(b.xhat) {
		return nil, tensor.NewShapeError(b.spec.Name+"_grad", []int{len(b.xhat)}, grad.Shape)
	}
	c := b.channels
	m := float64(len(grad.Data) / c)

	sumDy := make([]float64, c)
	sumDyXhat := make([]float64, c)
	for i, dy := range grad.Data {
		ch := i % c
		sumDy[ch] += dy
		sumDyXhat[ch] += dy * b.xhat[i]
	}
	for ch := 0; ch < c; ch++ {
		b.beta.Grad.Data[ch] += sumDy[ch]
		b.gamma.Grad.Data[ch] += sumDyXhat[ch]
	}

	dx := tensor.New(grad.Shape...)
	for i, dy := range grad.Data {
		ch := i % c
		g := b.gamma.Value.Data[ch] * b.invStd[ch]
		if !b.training {
			dx.Data[i] = g * dy
			continue
		}
		dx.Data[i] = g / m * (m*dy - sumDy[ch] - b.xhat[i]*sumDyXhat[ch])
	}
	return dx, nil
}
