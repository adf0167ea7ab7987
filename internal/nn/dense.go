package nn

import (
	"math/rand"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"digitforge/internal/tensor"
)

// Dense computes x·W + b with an optional fused ReLU.
type Dense struct {
	spec   LayerSpec
	in     int
	kernel *Param
	bias   *Param

	lastInput  *tensor.Tensor
	lastOutput *tensor.Tensor
}

func newDense(spec LayerSpec, in []int, rng *rand.Rand) (*Dense, []int, error) {
	if len(in) != 1 {
		return nil, nil, errors.Newf("nn: %s expects a flat input, got %v", spec.Name, in)
	}
	if spec.Units <= 0 {
		return nil, nil, errors.Newf("nn: %s: units must be > 0", spec.Name)
	}
	if spec.Activation != "" && spec.Activation != "relu" {
		return nil, nil, errors.Newf("nn: %s: unsupported activation %q", spec.Name, spec.Activation)
	}
	d := &Dense{
		spec:   spec,
		in:     in[0],
		kernel: newTrainable(spec.Name+"/kernel", in[0], spec.Units),
		bias:   newTrainable(spec.Name+"/bias", spec.Units),
	}
	glorotUniform(d.kernel, in[0], spec.Units, rng)
	return d, []int{spec.Units}, nil
}

func (d *Dense) Spec() LayerSpec   { return d.spec }
func (d *Dense) Params() []*Param { return []*Param{d.kernel, d.bias} }

func (d *Dense) Forward(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	if err := checkInput(d.spec.Name, x, []int{d.in}); err != nil {
		return nil, err
	}
	n := x.Shape[0]
	out := tensor.New(n, d.spec.Units)
	if n == 0 {
		d.lastInput, d.lastOutput = x, out
		return out, nil
	}
	xm := mat.NewDense(n, d.in, x.Data)
	y := mat.NewDense(n, d.spec.Units, out.Data)
	y.Mul(xm, d.weights())
	for i := 0; i < n; i++ {
		row := y.RawRowView(i)
		floats.Add(row, d.bias.Value.Data)
		if d.spec.Activation == "relu" {
			for j, v := range row {
				if v < 0 {
					row[j] = 0
				}
			}
		}
	}
	d.lastInput, d.lastOutput = x, out
	return out, nil
}

func (d *Dense) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.lastInput == nil {
		return nil, errNoForward
	}
	if !tensor.SameShape(grad, d.lastOutput) {
		return nil, tensor.NewShapeError(d.spec.Name+"_grad", d.lastOutput.Shape, grad.Shape)
	}
	n := grad.Shape[0]
	dx := tensor.New(n, d.in)
	if n == 0 {
		return dx, nil
	}

	g := grad
	if d.spec.Activation == "relu" {
		g = grad.Clone()
		for i, v := range d.lastOutput.Data {
			if v <= 0 {
				g.Data[i] = 0
			}
		}
	}
	gm := mat.NewDense(n, d.spec.Units, g.Data)
	xm := mat.NewDense(n, d.in, d.lastInput.Data)

	var dw mat.Dense
	dw.Mul(xm.T(), gm)
	floats.Add(d.kernel.Grad.Data, dw.RawMatrix().Data)
	for i := 0; i < n; i++ {
		floats.Add(d.bias.Grad.Data, gm.RawRowView(i))
	}

	dxm := mat.NewDense(n, d.in, dx.Data)
	dxm.Mul(gm, d.weights().T())
	return dx, nil
}

func (d *Dense) weights() *mat.Dense {
	return mat.NewDense(d.in, d.spec.Units, d.kernel.Value.Data)
}
