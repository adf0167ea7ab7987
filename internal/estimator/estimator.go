package estimator

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"digitforge/internal/metrics"
	"digitforge/internal/nn"
	"digitforge/internal/tensor"
)

// Estimator drives a model function over input functions, persisting its
// state under RunConfig.ModelDir.
type Estimator struct {
	modelFn   ModelFn
	networkFn NetworkFn
	cfg       RunConfig
	logger    zerolog.Logger

	net        *nn.Sequential
	globalStep int64
}

// New validates cfg and returns an estimator. No network is built until the
// first call that needs one.
func New(modelFn ModelFn, networkFn NetworkFn, cfg RunConfig, logger zerolog.Logger) (*Estimator, error) {
	if modelFn == nil || networkFn == nil {
		return nil, errors.New("estimator: model and network functions are required")
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "estimator").Logger()
	logger.Info().
		Str("model_dir", cfg.ModelDir).
		Int64("save_summary_steps", cfg.SaveSummarySteps).
		Int64("save_checkpoints_steps", cfg.SaveCheckpointsSteps).
		Int("keep_checkpoint_max", cfg.KeepCheckpointMax).
		Msg("using config")
	return &Estimator{modelFn: modelFn, networkFn: networkFn, cfg: cfg, logger: logger}, nil
}

// ModelDir is where checkpoints and summaries live.
func (e *Estimator) ModelDir() string { return e.cfg.ModelDir }

// Config returns the resolved run config.
func (e *Estimator) Config() RunConfig { return e.cfg }

// GlobalStep is the step of the latest checkpoint, or of the in-memory
// training network once Train has run.
func (e *Estimator) GlobalStep() (int64, error) {
	if e.net != nil {
		return e.globalStep, nil
	}
	path, err := e.LatestCheckpoint()
	if errors.Is(err, ErrNoCheckpoint) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return CheckpointStep(path)
}

// LatestCheckpoint returns the newest checkpoint in the model dir.
func (e *Estimator) LatestCheckpoint() (string, error) {
	return LatestCheckpoint(e.cfg.ModelDir)
}

// TrainOption configures a Train call.
type TrainOption func(*trainOptions)

type trainOptions struct {
	hooks     []Hook
	listeners []SavingListener
}

// WithHooks adds hooks that run after the built-in ones.
func WithHooks(hooks ...Hook) TrainOption {
	return func(o *trainOptions) { o.hooks = append(o.hooks, hooks...) }
}

// WithSavingListeners adds listeners notified after each checkpoint.
func WithSavingListeners(listeners ...SavingListener) TrainOption {
	return func(o *trainOptions) { o.listeners = append(o.listeners, listeners...) }
}

// Train runs training steps until the global step reaches maxSteps, the
// input is exhausted or ctx is cancelled. A final checkpoint is always
// written.
func (e *Estimator) Train(ctx context.Context, inputFn InputFn, maxSteps int64, opts ...TrainOption) error {
	if inputFn == nil {
		return errors.New("estimator: train requires an input function")
	}
	if maxSteps <= 0 {
		return errors.Newf("estimator: max steps must be > 0, got %d", maxSteps)
	}
	var o trainOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := e.ensureNetwork(); err != nil {
		return err
	}
	if e.globalStep >= maxSteps {
		e.logger.Info().Int64("global_step", e.globalStep).Int64("max_steps", maxSteps).
			Msg("skipping training, max steps already reached")
		return nil
	}

	summary, err := NewSummaryWriter(e.cfg.ModelDir)
	if err != nil {
		return err
	}
	defer summary.Close()

	hooks := []Hook{
		nanGuardHook{},
		&stepCounterHook{every: e.cfg.LogStepCountSteps, logger: e.logger, summary: summary},
		&summarySaverHook{every: e.cfg.SaveSummarySteps, summary: summary, logger: e.logger},
	}
	hooks = append(hooks, o.hooks...)
	// saver last so listeners see every other hook's effects
	hooks = append(hooks, &checkpointSaverHook{
		dir:       e.cfg.ModelDir,
		every:     e.cfg.SaveCheckpointsSteps,
		keep:      e.cfg.KeepCheckpointMax,
		params:    e.net.Params,
		listeners: o.listeners,
		logger:    e.logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs, err := inputFn(runCtx)
	if err != nil {
		return errors.Wrap(err, "start train input")
	}

	for _, h := range hooks {
		if err := h.Begin(ctx, e.globalStep); err != nil {
			return err
		}
	}
	e.logger.Info().Int64("global_step", e.globalStep).Int64("max_steps", maxSteps).Msg("training started")

	loopErr := e.trainLoop(runCtx, batches, errs, maxSteps, hooks)
	cancel()

	if errors.Is(loopErr, ErrNaNLoss) {
		return loopErr
	}
	// End runs after cancellation too so the final checkpoint is written.
	for _, h := range hooks {
		if err := h.End(ctx, e.globalStep); err != nil && loopErr == nil {
			loopErr = err
		}
	}
	e.logger.Info().Int64("global_step", e.globalStep).Msg("training finished")
	if loopErr == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return loopErr
}

func (e *Estimator) trainLoop(ctx context.Context, batches <-chan Batch, errs <-chan error, maxSteps int64, hooks []Hook) error {
	for e.globalStep < maxSteps {
		dataStart := time.Now()
		batch, ok, err := nextBatch(ctx, batches, errs)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			e.logger.Info().Int64("global_step", e.globalStep).Msg("input exhausted")
			return nil
		}
		dataTime := time.Since(dataStart)

		computeStart := time.Now()
		spec, err := e.modelFn(ModelContext{Network: e.net, GlobalStep: e.globalStep}, batch.Features, batch.Labels, ModeTrain)
		if err != nil {
			e.logModelError(err, ModeTrain, e.globalStep)
			return errors.Wrapf(err, "model fn at step %d", e.globalStep)
		}
		if err := spec.validate(ModeTrain); err != nil {
			return err
		}
		if err := spec.TrainOp(); err != nil {
			return errors.Wrapf(err, "train op at step %d", e.globalStep)
		}
		e.globalStep++

		values := RunValues{
			GlobalStep:  e.globalStep,
			Loss:        spec.Loss,
			Predictions: spec.Predictions,
			BatchSize:   batch.Size(),
			DataTime:    dataTime,
			ComputeTime: time.Since(computeStart),
		}
		for _, h := range hooks {
			if err := h.AfterRun(ctx, values); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensureNetwork builds the training network once, restoring the latest
// checkpoint when there is one.
func (e *Estimator) ensureNetwork() error {
	if e.net != nil {
		return nil
	}
	net, step, err := e.restore("")
	if errors.Is(err, ErrNoCheckpoint) {
		net, err = e.networkFn(e.cfg.Seed)
		if err != nil {
			return errors.Wrap(err, "build network")
		}
		step = 0
	} else if err != nil {
		return err
	}
	e.net, e.globalStep = net, step
	return nil
}

// restore builds a fresh network and loads checkpointPath into it, or the
// latest checkpoint when the path is empty.
func (e *Estimator) restore(checkpointPath string) (*nn.Sequential, int64, error) {
	if checkpointPath == "" {
		latest, err := e.LatestCheckpoint()
		if err != nil {
			return nil, 0, err
		}
		checkpointPath = latest
	}
	net, err := e.networkFn(e.cfg.Seed)
	if err != nil {
		return nil, 0, errors.Wrap(err, "build network")
	}
	snap, err := readVariables(checkpointPath)
	if err != nil {
		return nil, 0, err
	}
	if err := restoreVariables(snap, net.Params()); err != nil {
		return nil, 0, errors.Wrapf(err, "restore %s", checkpointPath)
	}
	e.logger.Debug().Str("checkpoint", checkpointPath).Int64("global_step", snap.GlobalStep).Msg("restored")
	return net, snap.GlobalStep, nil
}

// Evaluate runs the latest checkpoint over inputFn for at most steps batches
// (all of the input when steps <= 0). Results include loss and global_step.
func (e *Estimator) Evaluate(ctx context.Context, inputFn InputFn, steps int64, name string) (map[string]float64, error) {
	return e.evaluate(ctx, inputFn, steps, name, "")
}

func (e *Estimator) evaluate(ctx context.Context, inputFn InputFn, steps int64, name, checkpointPath string) (map[string]float64, error) {
	if inputFn == nil {
		return nil, errors.New("estimator: evaluate requires an input function")
	}
	net, globalStep, err := e.restore(checkpointPath)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs, err := inputFn(runCtx)
	if err != nil {
		return nil, errors.Wrap(err, "start eval input")
	}

	start := time.Now()
	set := metrics.NewSet()
	var done int64
	for steps <= 0 || done < steps {
		batch, ok, err := nextBatch(runCtx, batches, errs)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		spec, err := e.modelFn(ModelContext{Network: net, GlobalStep: globalStep}, batch.Features, batch.Labels, ModeEval)
		if err != nil {
			e.logModelError(err, ModeEval, globalStep)
			return nil, errors.Wrapf(err, "model fn at eval batch %d", done)
		}
		if err := spec.validate(ModeEval); err != nil {
			return nil, err
		}
		ops := map[string]metrics.Op{"loss": metrics.MeanOf(spec.Loss, batch.Size())}
		for k, op := range spec.EvalMetricOps {
			ops[k] = op
		}
		set.Update(ops)
		done++
	}
	if done == 0 {
		return nil, errors.New("estimator: evaluation input produced no batches")
	}

	results := set.Results()
	results["global_step"] = float64(globalStep)

	dir := filepath.Join(e.cfg.ModelDir, "eval")
	if name != "" {
		dir += "_" + name
	}
	summary, err := NewSummaryWriter(dir)
	if err != nil {
		return nil, err
	}
	defer summary.Close()
	if err := summary.Scalars(globalStep, results); err != nil {
		return nil, err
	}

	ev := e.logger.Info().Int64("global_step", globalStep).Int64("batches", done).Dur("took", time.Since(start))
	for _, k := range set.Names() {
		ev = ev.Float64(k, results[k])
	}
	ev.Msg("evaluation finished")
	return results, nil
}

// Prediction is one example's outputs keyed by prediction name.
type Prediction map[string][]float64

// Predict runs the latest checkpoint over all of inputFn, returning one
// Prediction per example.
func (e *Estimator) Predict(ctx context.Context, inputFn InputFn) ([]Prediction, error) {
	if inputFn == nil {
		return nil, errors.New("estimator: predict requires an input function")
	}
	net, globalStep, err := e.restore("")
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs, err := inputFn(runCtx)
	if err != nil {
		return nil, errors.Wrap(err, "start predict input")
	}

	var out []Prediction
	for {
		batch, ok, err := nextBatch(runCtx, batches, errs)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		spec, err := e.modelFn(ModelContext{Network: net, GlobalStep: globalStep}, batch.Features, nil, ModePredict)
		if err != nil {
			e.logModelError(err, ModePredict, globalStep)
			return nil, errors.Wrap(err, "model fn")
		}
		if err := spec.validate(ModePredict); err != nil {
			return nil, err
		}
		out = append(out, splitPredictions(spec.Predictions, batch.Size())...)
	}
}

// splitPredictions slices batched prediction tensors into per-example rows.
func splitPredictions(preds map[string]*tensor.Tensor, n int) []Prediction {
	out := make([]Prediction, n)
	for i := range out {
		out[i] = make(Prediction, len(preds))
	}
	for key, t := range preds {
		if t.Dims() == 0 || t.Shape[0] != n {
			continue
		}
		for i := 0; i < n; i++ {
			out[i][key] = append([]float64(nil), t.Row(i)...)
		}
	}
	return out
}

// logModelError records a failed model fn call, with the offending shapes
// when the failure is a shape mismatch.
func (e *Estimator) logModelError(err error, mode Mode, globalStep int64) {
	ev := e.logger.Error().Err(err).Stringer("mode", mode).Int64("global_step", globalStep)
	if se, ok := tensor.AsShapeError(err); ok {
		ev = ev.Object("shape", se)
	}
	ev.Msg("model fn failed")
}
