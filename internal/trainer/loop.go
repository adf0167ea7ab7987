package trainer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"digitforge/internal/config"
	"digitforge/internal/dataset"
	"digitforge/internal/estimator"
	"digitforge/internal/metrics"
	"digitforge/internal/model"
	"digitforge/internal/tensor"
	"digitforge/internal/tracking"
)

const exporterName = "models"

// RunConfig captures what the driver needs besides the context.
type RunConfig struct {
	Config     *config.Config
	Experiment *tracking.Experiment
	Logger     zerolog.Logger
}

func (rc RunConfig) validate() error {
	if rc.Config == nil {
		return errors.New("trainer: config is required")
	}
	if rc.Experiment == nil {
		return errors.New("trainer: experiment is required")
	}
	return rc.Config.Validate()
}

// Run executes the training workload: load data, train with periodic
// checkpoints, evaluate on the test set and export servables.
func Run(ctx context.Context, rc RunConfig) (*estimator.EvalResult, error) {
	if err := rc.validate(); err != nil {
		return nil, err
	}
	cfg, logger := rc.Config, rc.Logger

	if _, err := rc.Experiment.LogRunEnv(); err != nil {
		return nil, err
	}

	data, err := readMNIST(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	trainX, trainY, err := loadTrainSet(ctx, rc, data)
	if err != nil {
		return nil, err
	}
	evalX, err := data.Test.Reshaped()
	if err != nil {
		return nil, errors.Wrap(err, "reshape eval images")
	}

	est, err := newEstimator(rc)
	if err != nil {
		return nil, err
	}

	exporter, err := estimator.NewLatestExporter(exporterName, model.ServingInputReceiverFn, cfg.ExportsToKeep,
		estimator.WithExportBase(cfg.SavedDir))
	if err != nil {
		return nil, err
	}

	trainSpec := estimator.TrainSpec{
		InputFn: estimator.NumpyInput(estimator.Features{model.InputFeature: trainX}, trainY, estimator.NumpyInputOptions{
			BatchSize: cfg.BatchSize,
			Epochs:    0,
			Shuffle:   true,
			Seed:      cfg.Seed,
		}),
		MaxSteps: int64(cfg.Steps),
		Hooks: []estimator.Hook{
			estimator.NewLoggingTensorHook(logger, []string{model.ProbabilitiesKey}, cfg.LogEveryNIter),
			&trackingHook{exp: rc.Experiment, every: int64(cfg.SaveSummarySteps), logger: logger},
		},
	}
	evalSpec := estimator.EvalSpec{
		InputFn: estimator.NumpyInput(estimator.Features{model.InputFeature: evalX}, data.Test.Labels, estimator.NumpyInputOptions{
			BatchSize: cfg.EvalBatchSize,
			Epochs:    1,
		}),
		Steps:        int64(cfg.EvalSteps),
		ThrottleSecs: cfg.ThrottleSecs,
		Exporters:    []estimator.Exporter{exporter},
	}

	start := time.Now()
	result, err := estimator.TrainAndEvaluate(ctx, est, trainSpec, evalSpec)
	if err != nil {
		return result, err
	}
	if result != nil {
		if err := rc.Experiment.LogMetrics(result.GlobalStep, result.Metrics); err != nil {
			return result, err
		}
		if err := evaluateValidation(ctx, rc, est, data.Validation); err != nil {
			return result, err
		}
		logger.Info().
			Int64("global_step", result.GlobalStep).
			Float64("accuracy", result.Metrics["accuracy"]).
			Float64("loss", result.Metrics["loss"]).
			Str("export", result.Exports[exporterName]).
			Dur("took", time.Since(start)).
			Msg("train and evaluate finished")
	}
	return result, nil
}

// Evaluate scores the latest checkpoint on the MNIST test set.
func Evaluate(ctx context.Context, rc RunConfig) (map[string]float64, error) {
	if err := rc.validate(); err != nil {
		return nil, err
	}
	data, err := readMNIST(ctx, rc.Config, rc.Logger)
	if err != nil {
		return nil, err
	}
	x, err := data.Test.Reshaped()
	if err != nil {
		return nil, errors.Wrap(err, "reshape eval images")
	}
	est, err := newEstimator(rc)
	if err != nil {
		return nil, err
	}
	input := estimator.NumpyInput(estimator.Features{model.InputFeature: x}, data.Test.Labels, estimator.NumpyInputOptions{
		BatchSize: rc.Config.EvalBatchSize,
		Epochs:    1,
	})
	results, err := est.Evaluate(ctx, input, int64(rc.Config.EvalSteps), "")
	if err != nil {
		return nil, err
	}
	if err := rc.Experiment.LogMetrics(int64(results["global_step"]), results); err != nil {
		return nil, err
	}
	return results, nil
}

// Export writes a servable of the latest checkpoint under the saved dir.
func Export(ctx context.Context, rc RunConfig) (string, error) {
	if err := rc.validate(); err != nil {
		return "", err
	}
	est, err := newEstimator(rc)
	if err != nil {
		return "", err
	}
	exporter, err := estimator.NewLatestExporter(exporterName, model.ServingInputReceiverFn, rc.Config.ExportsToKeep,
		estimator.WithExportBase(rc.Config.SavedDir))
	if err != nil {
		return "", err
	}
	return exporter.Export(ctx, est, "", nil, true)
}

func newEstimator(rc RunConfig) (*estimator.Estimator, error) {
	cfg := rc.Config
	return estimator.New(
		model.CNNModelFn(cfg.LearningRate),
		model.NetworkFn(cfg.DropoutRate, cfg.NumWorkers),
		estimator.RunConfig{
			ModelDir:             cfg.ModelDir,
			SaveSummarySteps:     int64(cfg.SaveSummarySteps),
			SaveCheckpointsSteps: int64(cfg.SaveCheckpointsSteps),
			KeepCheckpointMax:    cfg.KeepCheckpointMax,
			LogStepCountSteps:    int64(cfg.LogStepCountSteps),
			Seed:                 cfg.Seed,
		},
		rc.Logger,
	)
}

func readMNIST(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*dataset.DataSets, error) {
	return dataset.ReadDataSets(ctx, cfg.DataDir, dataset.Options{
		ValidationSize: cfg.ValidationSize,
		Download:       cfg.Download,
		Mirror:         cfg.MirrorURL,
	}, logger)
}

// loadTrainSet returns training images as [N, 28, 28, 1] with labels, from
// WebDataset shards when a shard root is configured and data.Train otherwise.
func loadTrainSet(ctx context.Context, rc RunConfig, data *dataset.DataSets) (*tensor.Tensor, []int, error) {
	cfg := rc.Config
	train := data.Train
	if cfg.ShardRoot != "" {
		shards, err := dataset.LoadShards(ctx, []string{cfg.ShardRoot}, dataset.ShardOptions{
			NumWorkers: cfg.NumWorkers,
			NumClasses: model.NumClasses,
		}, rc.Logger)
		if err != nil {
			return nil, nil, err
		}
		train = shards
	}
	if train.Len() == 0 {
		return nil, nil, errors.New("trainer: training set is empty")
	}
	x, err := train.Reshaped()
	if err != nil {
		return nil, nil, errors.Wrap(err, "reshape train images")
	}
	return x, train.Labels, nil
}

// evaluateValidation scores the final checkpoint on the held-out validation
// split and records the result under "validation/" keys. An empty split is
// skipped.
func evaluateValidation(ctx context.Context, rc RunConfig, est *estimator.Estimator, validation *dataset.DataSet) error {
	if validation == nil || validation.Len() == 0 {
		return nil
	}
	x, err := validation.Reshaped()
	if err != nil {
		return errors.Wrap(err, "reshape validation images")
	}
	input := estimator.NumpyInput(estimator.Features{model.InputFeature: x}, validation.Labels, estimator.NumpyInputOptions{
		BatchSize: rc.Config.EvalBatchSize,
		Epochs:    1,
	})
	results, err := est.Evaluate(ctx, input, int64(rc.Config.EvalSteps), "validation")
	if err != nil {
		return err
	}
	values := make(map[string]float64, len(results))
	for k, v := range results {
		values["validation/"+k] = v
	}
	rc.Logger.Info().
		Float64("accuracy", results["accuracy"]).
		Float64("loss", results["loss"]).
		Int("examples", validation.Len()).
		Msg("validation")
	return rc.Experiment.LogMetrics(int64(results["global_step"]), values)
}

// trackingHook forwards a window of training stats to the experiment every
// N steps.
type trackingHook struct {
	exp    *tracking.Experiment
	every  int64
	logger zerolog.Logger
	window metrics.Window
	loss   metrics.Mean
}

func (h *trackingHook) Begin(context.Context, int64) error {
	h.window = metrics.Window{}
	h.loss.Reset()
	return nil
}

func (h *trackingHook) AfterRun(_ context.Context, v estimator.RunValues) error {
	h.window.Record(v.BatchSize, v.DataTime, v.ComputeTime, v.Loss)
	h.loss.Update(metrics.MeanOf(v.Loss, v.BatchSize))
	if v.GlobalStep%h.every != 0 {
		return nil
	}
	snap := h.window.Snapshot()
	values := map[string]float64{
		"loss":             snap.LastLoss,
		"mean_loss":        h.loss.Result(),
		"examples_per_sec": snap.ExamplesPerSec,
		"data_ms":          snap.AvgDataMS,
		"compute_ms":       snap.AvgComputeMS,
	}
	h.loss.Reset()
	if err := h.exp.LogMetrics(v.GlobalStep, values); err != nil {
		// tracking is best effort while training
		h.logger.Warn().Err(err).Int64("step", v.GlobalStep).Msg("log metrics")
	}
	return nil
}

func (h *trackingHook) End(context.Context, int64) error { return nil }
