// Package estimator runs a model function through training, evaluation,
// prediction and export, owning checkpoints, summaries and the global step.
package estimator

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"digitforge/internal/metrics"
	"digitforge/internal/nn"
	"digitforge/internal/tensor"
)

// Mode selects which Spec fields a model function must fill.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
	ModePredict
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	case ModePredict:
		return "infer"
	default:
		return "unknown"
	}
}

// Features maps feature keys to batched tensors.
type Features map[string]*tensor.Tensor

// Batch is one step's worth of input. Labels is nil for prediction.
type Batch struct {
	Features Features
	Labels   []int
}

// Size is the number of examples in the batch.
func (b Batch) Size() int {
	for _, t := range b.Features {
		return t.Shape[0]
	}
	return len(b.Labels)
}

// InputFn starts an input pipeline. The batch channel closes when the input
// is exhausted; the error channel carries at most one error.
type InputFn func(ctx context.Context) (<-chan Batch, <-chan error, error)

// ModelContext is what the estimator hands a model function besides the data.
type ModelContext struct {
	Network    *nn.Sequential
	GlobalStep int64
}

// ModelFn builds the mode-specific Spec for one batch.
type ModelFn func(mc ModelContext, features Features, labels []int, mode Mode) (*Spec, error)

// NetworkFn constructs an untrained network.
type NetworkFn func(seed int64) (*nn.Sequential, error)

// ExportOutput names the predictions a serving signature returns.
type ExportOutput struct {
	Outputs []string `json:"outputs"`
}

// PredictOutput exports every prediction key.
func PredictOutput(predictions map[string]*tensor.Tensor) ExportOutput {
	keys := make([]string, 0, len(predictions))
	for k := range predictions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return ExportOutput{Outputs: keys}
}

// Spec is a model function's answer for one mode.
type Spec struct {
	Mode          Mode
	Predictions   map[string]*tensor.Tensor
	Loss          float64
	TrainOp       func() error
	EvalMetricOps map[string]metrics.Op
	ExportOutputs map[string]ExportOutput
}

// ErrInvalidSpec is returned when a Spec lacks what its mode requires.
var ErrInvalidSpec = errors.New("estimator: invalid spec")

func (s *Spec) validate(mode Mode) error {
	if s == nil {
		return errors.Wrap(ErrInvalidSpec, "model function returned nil")
	}
	if s.Mode != mode {
		return errors.Wrapf(ErrInvalidSpec, "spec mode %s, want %s", s.Mode, mode)
	}
	switch mode {
	case ModeTrain:
		if s.TrainOp == nil {
			return errors.Wrap(ErrInvalidSpec, "train mode requires a train op")
		}
	case ModePredict:
		if len(s.Predictions) == 0 {
			return errors.Wrap(ErrInvalidSpec, "predict mode requires predictions")
		}
	}
	return nil
}
