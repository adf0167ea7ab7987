package metrics

import (
	"sort"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/floats"
)

// Op is one batch's contribution to a streaming mean: Total/Count.
type Op struct {
	Total float64
	Count float64
}

// Mean is a streaming weighted mean over a sequence of Ops.
type Mean struct {
	total float64
	count float64
}

// Update folds op into the running mean.
func (m *Mean) Update(op Op) {
	m.total += op.Total
	m.count += op.Count
}

// Result returns the mean so far, or 0 before any weighted update.
func (m *Mean) Result() float64 {
	if m.count == 0 {
		return 0
	}
	return m.total / m.count
}

// Count is the accumulated weight.
func (m *Mean) Count() float64 { return m.count }

// Reset clears the accumulator.
func (m *Mean) Reset() { *m = Mean{} }

// MeanOf is the op for a value already averaged over weight examples.
func MeanOf(value float64, weight int) Op {
	return Op{Total: value * float64(weight), Count: float64(weight)}
}

// Accuracy counts matching label/prediction pairs.
func Accuracy(labels, predictions []int) (Op, error) {
	if len(labels) != len(predictions) {
		return Op{}, errors.Newf("metrics: accuracy: %d labels vs %d predictions", len(labels), len(predictions))
	}
	correct := 0
	for i, l := range labels {
		if l == predictions[i] {
			correct++
		}
	}
	return Op{Total: float64(correct), Count: float64(len(labels))}, nil
}

// Set is a named group of streaming means, e.g. one evaluation run.
type Set struct {
	means map[string]*Mean
}

// NewSet returns an empty Set.
func NewSet() *Set { return &Set{means: map[string]*Mean{}} }

// Update folds each named op into its mean.
func (s *Set) Update(ops map[string]Op) {
	for name, op := range ops {
		m, ok := s.means[name]
		if !ok {
			m = &Mean{}
			s.means[name] = m
		}
		m.Update(op)
	}
}

// Results returns the current value of every mean.
func (s *Set) Results() map[string]float64 {
	out := make(map[string]float64, len(s.means))
	for name, m := range s.means {
		out[name] = m.Result()
	}
	return out
}

// Names returns metric names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.means))
	for name := range s.means {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary is the min/mean/max of a series, used for loss curves.
type Summary struct {
	Min  float64
	Mean float64
	Max  float64
}

// Summarize reduces a non-empty series.
func Summarize(values []float64) (Summary, error) {
	if len(values) == 0 {
		return Summary{}, errors.New("metrics: summarize: empty series")
	}
	return Summary{
		Min:  floats.Min(values),
		Mean: floats.Sum(values) / float64(len(values)),
		Max:  floats.Max(values),
	}, nil
}
