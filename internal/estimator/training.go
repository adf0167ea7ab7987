package estimator

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// TrainSpec configures the training half of TrainAndEvaluate.
type TrainSpec struct {
	InputFn  InputFn
	MaxSteps int64
	Hooks    []Hook
}

// EvalSpec configures the evaluation half of TrainAndEvaluate.
type EvalSpec struct {
	InputFn InputFn
	// Steps caps evaluation batches; <= 0 consumes the whole input.
	Steps int64
	Name  string
	// ThrottleSecs is the minimum time between evaluations.
	ThrottleSecs int
	Exporters    []Exporter
}

func (s TrainSpec) validate() error {
	if s.InputFn == nil {
		return errors.New("estimator: train spec requires an input function")
	}
	if s.MaxSteps <= 0 {
		return errors.Newf("estimator: train spec max steps must be > 0, got %d", s.MaxSteps)
	}
	return nil
}

func (s EvalSpec) validate() error {
	if s.InputFn == nil {
		return errors.New("estimator: eval spec requires an input function")
	}
	if s.ThrottleSecs < 0 {
		return errors.Newf("estimator: throttle secs must be >= 0, got %d", s.ThrottleSecs)
	}
	names := map[string]bool{}
	for _, exp := range s.Exporters {
		if names[exp.Name()] {
			return errors.Newf("estimator: duplicate exporter name %q", exp.Name())
		}
		names[exp.Name()] = true
	}
	return nil
}

// EvalResult is the outcome of one evaluation triggered during training.
type EvalResult struct {
	GlobalStep int64
	Metrics    map[string]float64
	Exports    map[string]string
}

// evalListener evaluates and exports after checkpoint saves, at most once
// per throttle window, and always for the final checkpoint.
type evalListener struct {
	est      *Estimator
	spec     EvalSpec
	throttle time.Duration
	now      func() time.Time

	lastEvalAt   time.Time
	lastEvalStep int64
	evaluated    bool
	last         *EvalResult
}

func (l *evalListener) AfterSave(ctx context.Context, step int64, path string) error {
	if l.evaluated && l.now().Sub(l.lastEvalAt) < l.throttle {
		l.est.logger.Debug().Int64("step", step).Msg("skip evaluation, throttled")
		return nil
	}
	return l.evaluate(ctx, step, path, false)
}

func (l *evalListener) End(ctx context.Context, step int64, path string) error {
	if ctx.Err() != nil || (l.evaluated && l.lastEvalStep == step) {
		return nil
	}
	return l.evaluate(ctx, step, path, true)
}

func (l *evalListener) evaluate(ctx context.Context, step int64, path string, final bool) error {
	if path == "" {
		return errors.Wrap(ErrNoCheckpoint, "evaluate during training")
	}
	results, err := l.est.evaluate(ctx, l.spec.InputFn, l.spec.Steps, l.spec.Name, path)
	if err != nil {
		return errors.Wrapf(err, "evaluate at step %d", step)
	}
	l.evaluated = true
	l.lastEvalAt = l.now()
	l.lastEvalStep = step

	out := &EvalResult{GlobalStep: step, Metrics: results, Exports: map[string]string{}}
	for _, exp := range l.spec.Exporters {
		dir, err := exp.Export(ctx, l.est, path, results, final)
		if err != nil {
			return err
		}
		if dir != "" {
			out.Exports[exp.Name()] = dir
		}
	}
	l.last = out
	return nil
}

// TrainAndEvaluate trains until train.MaxSteps, evaluating after checkpoint
// saves no more often than eval.ThrottleSecs and once more at the end. The
// last evaluation's result is returned.
func TrainAndEvaluate(ctx context.Context, est *Estimator, train TrainSpec, eval EvalSpec) (*EvalResult, error) {
	if est == nil {
		return nil, errors.New("estimator: TrainAndEvaluate requires an estimator")
	}
	if err := train.validate(); err != nil {
		return nil, err
	}
	if err := eval.validate(); err != nil {
		return nil, err
	}

	listener := &evalListener{
		est:      est,
		spec:     eval,
		throttle: time.Duration(eval.ThrottleSecs) * time.Second,
		now:      time.Now,
	}
	step, err := est.GlobalStep()
	if err != nil {
		return nil, err
	}
	if step >= train.MaxSteps {
		// nothing to train; still evaluate and export what is there
		path, err := est.LatestCheckpoint()
		if err != nil {
			return nil, err
		}
		if err := listener.evaluate(ctx, step, path, true); err != nil {
			return nil, err
		}
		return listener.last, nil
	}

	err = est.Train(ctx, train.InputFn, train.MaxSteps,
		WithHooks(train.Hooks...),
		WithSavingListeners(listener),
	)
	if err != nil {
		return listener.last, err
	}
	return listener.last, nil
}
