package estimator

import (
	"context"
	"math"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"digitforge/internal/metrics"
	"digitforge/internal/nn"
	"digitforge/internal/tensor"
)

// ErrNaNLoss aborts training when the loss stops being finite.
var ErrNaNLoss = errors.New("estimator: model diverged with loss = NaN")

// RunValues is what hooks see after every training step.
type RunValues struct {
	GlobalStep  int64
	Loss        float64
	Predictions map[string]*tensor.Tensor
	BatchSize   int
	DataTime    time.Duration
	ComputeTime time.Duration
}

// Hook observes a training run. A non-nil error from any method stops
// training.
type Hook interface {
	Begin(ctx context.Context, globalStep int64) error
	AfterRun(ctx context.Context, v RunValues) error
	End(ctx context.Context, globalStep int64) error
}

// SavingListener is notified after every checkpoint the saver writes.
type SavingListener interface {
	AfterSave(ctx context.Context, globalStep int64, checkpointPath string) error
	End(ctx context.Context, globalStep int64, checkpointPath string) error
}

// LoggingTensorHook logs the first example of named prediction tensors every
// N local iterations.
type LoggingTensorHook struct {
	tensors []string
	everyN  int
	logger  zerolog.Logger
	iter    int
}

// NewLoggingTensorHook logs tensors every everyN iterations (minimum 1).
func NewLoggingTensorHook(logger zerolog.Logger, tensors []string, everyN int) *LoggingTensorHook {
	if everyN <= 0 {
		everyN = 1
	}
	return &LoggingTensorHook{tensors: tensors, everyN: everyN, logger: logger}
}

func (h *LoggingTensorHook) Begin(context.Context, int64) error {
	h.iter = 0
	return nil
}

func (h *LoggingTensorHook) AfterRun(_ context.Context, v RunValues) error {
	defer func() { h.iter++ }()
	if h.iter%h.everyN != 0 {
		return nil
	}
	ev := h.logger.Info().Int64("step", v.GlobalStep)
	for _, name := range h.tensors {
		t, ok := v.Predictions[name]
		if !ok {
			return errors.Newf("estimator: logging hook: no prediction %q", name)
		}
		if t.Dims() > 1 {
			ev = ev.Floats64(name, t.Row(0))
		} else {
			ev = ev.Floats64(name, t.Data)
		}
	}
	ev.Msg("tensors")
	return nil
}

func (h *LoggingTensorHook) End(context.Context, int64) error { return nil }

// nanGuardHook fails the run on a non-finite loss.
type nanGuardHook struct{}

func (nanGuardHook) Begin(context.Context, int64) error { return nil }

func (nanGuardHook) AfterRun(_ context.Context, v RunValues) error {
	if math.IsNaN(v.Loss) || math.IsInf(v.Loss, 0) {
		return errors.Wrapf(ErrNaNLoss, "step %d", v.GlobalStep)
	}
	return nil
}

func (nanGuardHook) End(context.Context, int64) error { return nil }

// stepCounterHook logs loss and throughput every N steps and records
// global_step/sec.
type stepCounterHook struct {
	every   int64
	logger  zerolog.Logger
	summary *SummaryWriter
	window  metrics.Window
}

func (h *stepCounterHook) Begin(context.Context, int64) error {
	h.window = metrics.Window{}
	return nil
}

func (h *stepCounterHook) AfterRun(_ context.Context, v RunValues) error {
	h.window.Record(v.BatchSize, v.DataTime, v.ComputeTime, v.Loss)
	if v.GlobalStep%h.every != 0 {
		return nil
	}
	snap := h.window.Snapshot()
	h.logger.Info().
		Int64("step", v.GlobalStep).
		Float64("loss", snap.LastLoss).
		Float64("global_step/sec", snap.StepsPerSec).
		Float64("examples/sec", snap.ExamplesPerSec).
		Float64("data_ms", snap.AvgDataMS).
		Float64("compute_ms", snap.AvgComputeMS).
		Msg("train")
	return h.summary.Scalar(v.GlobalStep, "global_step/sec", snap.StepsPerSec)
}

func (h *stepCounterHook) End(context.Context, int64) error { return nil }

// summarySaverHook records the loss every N steps and renders the loss
// curve when training ends.
type summarySaverHook struct {
	every   int64
	summary *SummaryWriter
	logger  zerolog.Logger
	last    int64
}

func (h *summarySaverHook) Begin(_ context.Context, step int64) error {
	h.last = step
	return nil
}

func (h *summarySaverHook) AfterRun(_ context.Context, v RunValues) error {
	if v.GlobalStep-h.last < h.every {
		return nil
	}
	h.last = v.GlobalStep
	if err := h.summary.Scalar(v.GlobalStep, "loss", v.Loss); err != nil {
		return err
	}
	return h.summary.Flush()
}

func (h *summarySaverHook) End(context.Context, int64) error {
	if err := h.summary.Flush(); err != nil {
		return err
	}
	out := filepath.Join(h.summary.Dir(), lossPlotFile)
	if err := PlotScalar(h.summary.Dir(), "loss", out); err != nil {
		// too few steps for a curve is not a training failure
		h.logger.Warn().Err(err).Msg("skip loss plot")
	}
	return nil
}

// checkpointSaverHook writes a checkpoint every N steps and at the end,
// notifying listeners after each save.
type checkpointSaverHook struct {
	dir       string
	every     int64
	keep      int
	params    func() []*nn.Param
	listeners []SavingListener
	logger    zerolog.Logger

	lastSaved int64
	lastPath  string
}

func (h *checkpointSaverHook) Begin(_ context.Context, step int64) error {
	h.lastSaved = step
	h.lastPath, _ = LatestCheckpoint(h.dir)
	return nil
}

func (h *checkpointSaverHook) AfterRun(ctx context.Context, v RunValues) error {
	if v.GlobalStep-h.lastSaved < h.every {
		return nil
	}
	path, err := h.save(v.GlobalStep)
	if err != nil {
		return err
	}
	for _, l := range h.listeners {
		if err := l.AfterSave(ctx, v.GlobalStep, path); err != nil {
			return err
		}
	}
	return nil
}

func (h *checkpointSaverHook) End(ctx context.Context, step int64) error {
	if step != h.lastSaved || h.lastPath == "" {
		if _, err := h.save(step); err != nil {
			return err
		}
	}
	for _, l := range h.listeners {
		if err := l.End(ctx, step, h.lastPath); err != nil {
			return err
		}
	}
	return nil
}

func (h *checkpointSaverHook) save(step int64) (string, error) {
	path, err := saveCheckpoint(h.dir, step, h.params(), h.keep)
	if err != nil {
		return "", errors.Wrapf(err, "save checkpoint at step %d", step)
	}
	h.logger.Info().Int64("step", step).Str("path", path).Msg("saved checkpoint")
	h.lastSaved = step
	h.lastPath = path
	return path, nil
}
