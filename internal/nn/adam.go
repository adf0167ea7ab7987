package nn

import "math"

// Adam is the Adam optimizer with the bias correction folded into the step size.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// NewAdam returns Adam with β1=0.9, β2=0.999, ε=1e-8. A non-positive
// learning rate falls back to 0.001.
func NewAdam(learningRate float64) Adam {
	if learningRate <= 0 {
		learningRate = 0.001
	}
	return Adam{LearningRate: learningRate, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Apply updates every trainable param from its gradient. step is the 1-based
// update count used for bias correction.
func (a Adam) Apply(params []*Param, step int64) {
	if step < 1 {
		step = 1
	}
	t := float64(step)
	lr := a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		if p.M == nil {
			p.M = make([]float64, p.Value.Size())
			p.V = make([]float64, p.Value.Size())
		}
		for i, g := range p.Grad.Data {
			p.M[i] = a.Beta1*p.M[i] + (1-a.Beta1)*g
			p.V[i] = a.Beta2*p.V[i] + (1-a.Beta2)*g*g
			p.Value.Data[i] -= lr * p.M[i] / (math.Sqrt(p.V[i]) + a.Epsilon)
		}
	}
}
