package nn

import (
	"math/rand"

	"github.com/cockroachdb/errors"

	"digitforge/internal/tensor"
)

// ReLU is max(0, x) element-wise.
type ReLU struct {
	spec LayerSpec
	in   []int
	mask []bool
}

func (r *ReLU) Spec() LayerSpec   { return r.spec }
func (r *ReLU) Params() []*Param { return nil }

func (r *ReLU) Forward(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	if err := checkInput(r.spec.Name, x, r.in); err != nil {
		return nil, err
	}
	out := tensor.New(x.Shape...)
	r.mask = make([]bool, x.Size())
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
			r.mask[i] = true
		}
	}
	return out, nil
}

func (r *ReLU) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.mask == nil {
		return nil, errNoForward
	}
	dx := tensor.New(grad.Shape...)
	for i, keep := range r.mask {
		if keep {
			dx.Data[i] = grad.Data[i]
		}
	}
	return dx, nil
}

// MaxPool2D takes the maximum of each pool×pool window, valid padding.
type MaxPool2D struct {
	spec      LayerSpec
	inH       int
	inW       int
	channels  int
	outH      int
	outW      int
	argmax    []int
	lastShape []int
}

func newMaxPool2D(spec LayerSpec, in []int) (*MaxPool2D, []int, error) {
	if len(in) != 3 {
		return nil, nil, errors.Newf("nn: %s expects [h, w, c] input, got %v", spec.Name, in)
	}
	if spec.Pool <= 0 {
		return nil, nil, errors.Newf("nn: %s: pool must be > 0", spec.Name)
	}
	if spec.Stride <= 0 {
		spec.Stride = spec.Pool
	}
	p := &MaxPool2D{
		spec:     spec,
		inH:      in[0],
		inW:      in[1],
		channels: in[2],
		outH:     (in[0]-spec.Pool)/spec.Stride + 1,
		outW:     (in[1]-spec.Pool)/spec.Stride + 1,
	}
	if p.outH <= 0 || p.outW <= 0 {
		return nil, nil, errors.Newf("nn: %s: pool %d larger than input %v", spec.Name, spec.Pool, in)
	}
	return p, []int{p.outH, p.outW, p.channels}, nil
}

func (p *MaxPool2D) Spec() LayerSpec   { return p.spec }
func (p *MaxPool2D) Params() []*Param { return nil }

func (p *MaxPool2D) Forward(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	if err := checkInput(p.spec.Name, x, []int{p.inH, p.inW, p.channels}); err != nil {
		return nil, err
	}
	n, c := x.Shape[0], p.channels
	out := tensor.New(n, p.outH, p.outW, c)
	p.argmax = make([]int, out.Size())
	for i := 0; i < n; i++ {
		base := i * p.inH * p.inW * c
		for oy := 0; oy < p.outH; oy++ {
			for ox := 0; ox < p.outW; ox++ {
				for ch := 0; ch < c; ch++ {
					best := -1
					for py := 0; py < p.spec.Pool; py++ {
						for px := 0; px < p.spec.Pool; px++ {
							iy, ix := oy*p.spec.Stride+py, ox*p.spec.Stride+px
							idx := base + (iy*p.inW+ix)*c + ch
							if best < 0 || x.Data[idx] > x.Data[best] {
								best = idx
							}
						}
					}
					o := ((i*p.outH+oy)*p.outW+ox)*c + ch
					out.Data[o] = x.Data[best]
					p.argmax[o] = best
				}
			}
		}
	}
	p.lastShape = x.Shape
	return out, nil
}

func (p *MaxPool2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if p.argmax == nil {
		return nil, errNoForward
	}
	if len(grad.Data) != len(p.argmax) {
		return nil, tensor.NewShapeError(p.spec.Name+"_grad", []int{len(p.argmax)}, grad.Shape)
	}
	dx := tensor.New(p.lastShape...)
	for o, src := range p.argmax {
		dx.Data[src] += grad.Data[o]
	}
	return dx, nil
}

// Flatten reshapes [N, ...] to [N, prod(...)].
type Flatten struct {
	spec LayerSpec
	in   []int
}

func (f *Flatten) Spec() LayerSpec   { return f.spec }
func (f *Flatten) Params() []*Param { return nil }

func (f *Flatten) Forward(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	if err := checkInput(f.spec.Name, x, f.in); err != nil {
		return nil, err
	}
	return x.Reshape(x.Shape[0], -1)
}

func (f *Flatten) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return grad.Reshape(append([]int{grad.Shape[0]}, f.in...)...)
}

// Dropout zeroes a Rate fraction of activations while training and scales
// the survivors by 1/(1-Rate). It is the identity otherwise.
type Dropout struct {
	spec LayerSpec
	in   []int
	rng  *rand.Rand
	mask []float64
}

func (d *Dropout) Spec() LayerSpec   { return d.spec }
func (d *Dropout) Params() []*Param { return nil }

func (d *Dropout) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkInput(d.spec.Name, x, d.in); err != nil {
		return nil, err
	}
	if !training || d.spec.Rate <= 0 {
		d.mask = nil
		return x, nil
	}
	keep := 1 - d.spec.Rate
	out := tensor.New(x.Shape...)
	d.mask = make([]float64, x.Size())
	for i, v := range x.Data {
		if d.rng.Float64() < keep {
			d.mask[i] = 1 / keep
			out.Data[i] = v / keep
		}
	}
	return out, nil
}

func (d *Dropout) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.mask == nil {
		return grad, nil
	}
	dx := tensor.New(grad.Shape...)
	for i, m := range d.mask {
		dx.Data[i] = grad.Data[i] * m
	}
	return dx, nil
}
