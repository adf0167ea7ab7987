package nn

import (
	"fmt"
	"math/rand"
	"runtime"

	"github.com/cockroachdb/errors"

	"digitforge/internal/tensor"
)

// Sequential chains layers in order.
type Sequential struct {
	layers     []Layer
	inputShape []int
	outputDim  []int
}

type buildOptions struct {
	seed    int64
	workers int
}

// Option configures Build.
type Option func(*buildOptions)

// WithSeed seeds weight initialisation and dropout masks.
func WithSeed(seed int64) Option {
	return func(o *buildOptions) { o.seed = seed }
}

// WithWorkers bounds the per-sample goroutines used by convolutions.
func WithWorkers(n int) Option {
	return func(o *buildOptions) { o.workers = n }
}

// Build instantiates specs for per-example input shape in (e.g. [28, 28, 1]).
// Unnamed layers get type-based names: conv2d, conv2d_1, ...
func Build(specs []LayerSpec, in []int, opts ...Option) (*Sequential, error) {
	o := buildOptions{seed: 42, workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(&o)
	}
	if len(specs) == 0 {
		return nil, errors.New("nn: no layers")
	}
	rng := rand.New(rand.NewSource(o.seed))
	counts := map[string]int{}
	seq := &Sequential{inputShape: append([]int(nil), in...)}
	shape := append([]int(nil), in...)

	for _, spec := range specs {
		if spec.Name == "" {
			spec.Name = spec.Type
			if n := counts[spec.Type]; n > 0 {
				spec.Name = fmt.Sprintf("%s_%d", spec.Type, n)
			}
		}
		counts[spec.Type]++

		var (
			layer Layer
			out   []int
			err   error
		)
		switch spec.Type {
		case TypeConv2D:
			layer, out, err = newConv2D(spec, shape, o.workers, rng)
		case TypeBatchNorm:
			layer, out, err = newBatchNorm(spec, shape)
		case TypeReLU:
			layer, out = &ReLU{spec: spec, in: shape}, shape
		case TypeMaxPool2D:
			layer, out, err = newMaxPool2D(spec, shape)
		case TypeFlatten:
			layer, out = &Flatten{spec: spec, in: shape}, []int{volume(shape)}
		case TypeDense:
			layer, out, err = newDense(spec, shape, rng)
		case TypeDropout:
			if spec.Rate < 0 || spec.Rate >= 1 {
				return nil, errors.Newf("nn: %s: rate must be in [0, 1), got %v", spec.Name, spec.Rate)
			}
			layer, out = &Dropout{spec: spec, in: shape, rng: rand.New(rand.NewSource(rng.Int63()))}, shape
		default:
			return nil, errors.Newf("nn: unknown layer type %q", spec.Type)
		}
		if err != nil {
			return nil, err
		}
		seq.layers = append(seq.layers, layer)
		shape = out
	}
	seq.outputDim = shape
	return seq, nil
}

// Forward runs x through every layer.
func (s *Sequential) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out := x
	for _, layer := range s.layers {
		var err error
		out, err = layer.Forward(out, training)
		if err != nil {
			return nil, errors.Wrapf(err, "forward %s", layer.Spec().Name)
		}
	}
	return out, nil
}

// Backward propagates grad from the output back through every layer.
func (s *Sequential) Backward(grad *tensor.Tensor) error {
	g := grad
	for i := len(s.layers) - 1; i >= 0; i-- {
		var err error
		g, err = s.layers[i].Backward(g)
		if err != nil {
			return errors.Wrapf(err, "backward %s", s.layers[i].Spec().Name)
		}
	}
	return nil
}

// Params lists every variable in layer order.
func (s *Sequential) Params() []*Param {
	var params []*Param
	for _, layer := range s.layers {
		params = append(params, layer.Params()...)
	}
	return params
}

// ZeroGrad clears accumulated gradients.
func (s *Sequential) ZeroGrad() {
	for _, p := range s.Params() {
		if p.Grad != nil {
			p.Grad.Zero()
		}
	}
}

// Specs returns the resolved (named) layer specs.
func (s *Sequential) Specs() []LayerSpec {
	specs := make([]LayerSpec, len(s.layers))
	for i, layer := range s.layers {
		specs[i] = layer.Spec()
	}
	return specs
}

// InputShape is the per-example input shape the network was built for.
func (s *Sequential) InputShape() []int { return append([]int(nil), s.inputShape...) }

// OutputShape is the per-example output shape.
func (s *Sequential) OutputShape() []int { return append([]int(nil), s.outputDim...) }

// NumTrainable counts trainable scalars.
func (s *Sequential) NumTrainable() int {
	n := 0
	for _, p := range s.Params() {
		if p.Trainable {
			n += p.Value.Size()
		}
	}
	return n
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
