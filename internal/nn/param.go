package nn

import (
	"math"
	"math/rand"

	"digitforge/internal/tensor"
)

// Param is a named network variable. Trainable params carry a gradient and
// the optimizer's slot buffers; non-trainable params hold running statistics.
type Param struct {
	Name      string
	Value     *tensor.Tensor
	Grad      *tensor.Tensor
	Trainable bool

	// Adam slots, allocated on first update.
	M []float64
	V []float64
}

func newTrainable(name string, shape ...int) *Param {
	return &Param{
		Name:      name,
		Value:     tensor.New(shape...),
		Grad:      tensor.New(shape...),
		Trainable: true,
	}
}

func newState(name string, fill float64, shape ...int) *Param {
	p := &Param{Name: name, Value: tensor.New(shape...)}
	for i := range p.Value.Data {
		p.Value.Data[i] = fill
	}
	return p
}

// glorotUniform fills p with U(-limit, limit), limit = sqrt(6/(fanIn+fanOut)).
func glorotUniform(p *Param, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.Value.Data {
		p.Value.Data[i] = (rng.Float64()*2 - 1) * limit
	}
}
