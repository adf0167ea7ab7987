package estimator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainAndEvaluateExportsFinalModel(t *testing.T) {
	est := newToyEstimator(t, t.TempDir(), zerolog.Nop())
	exp, err := NewLatestExporter("models", toyReceiver, 5)
	require.NoError(t, err)

	result, err := TrainAndEvaluate(context.Background(), est,
		TrainSpec{InputFn: toyInput(16, 0), MaxSteps: 12},
		EvalSpec{InputFn: toyInput(16, 1), Steps: 10, ThrottleSecs: 0, Exporters: []Exporter{exp}},
	)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.EqualValues(t, 12, result.GlobalStep)
	assert.EqualValues(t, 12, result.Metrics["global_step"])
	assert.Contains(t, result.Metrics, "accuracy")
	require.Contains(t, result.Exports, "models")

	// checkpoints at 5, 10 and the final 12 each trigger an evaluation
	exports, err := ListExports(exp.Base(est))
	require.NoError(t, err)
	assert.Len(t, exports, 3)
	assert.Equal(t, result.Exports["models"], exports[2])

	bundle, err := ReadBundle(exports[2])
	require.NoError(t, err)
	assert.EqualValues(t, 12, bundle.GlobalStep)
}

func TestTrainAndEvaluateThrottles(t *testing.T) {
	est := newToyEstimator(t, t.TempDir(), zerolog.Nop())
	exp, err := NewLatestExporter("models", toyReceiver, 5)
	require.NoError(t, err)

	result, err := TrainAndEvaluate(context.Background(), est,
		TrainSpec{InputFn: toyInput(16, 0), MaxSteps: 12},
		EvalSpec{InputFn: toyInput(16, 1), ThrottleSecs: 3600, Exporters: []Exporter{exp}},
	)
	require.NoError(t, err)
	assert.EqualValues(t, 12, result.GlobalStep)

	// the first save evaluates, 10 is throttled, the end always evaluates
	exports, err := ListExports(exp.Base(est))
	require.NoError(t, err)
	assert.Len(t, exports, 2)
}

func TestTrainAndEvaluateAlreadyTrained(t *testing.T) {
	dir := t.TempDir()
	est := newToyEstimator(t, dir, zerolog.Nop())
	require.NoError(t, est.Train(context.Background(), toyInput(8, 0), 4))

	again := newToyEstimator(t, dir, zerolog.Nop())
	result, err := TrainAndEvaluate(context.Background(), again,
		TrainSpec{InputFn: toyInput(8, 0), MaxSteps: 4},
		EvalSpec{InputFn: toyInput(8, 1)},
	)
	require.NoError(t, err)
	assert.EqualValues(t, 4, result.GlobalStep)
	assert.Empty(t, result.Exports)
}

func TestTrainAndEvaluateValidatesSpecs(t *testing.T) {
	est := newToyEstimator(t, t.TempDir(), zerolog.Nop())
	exp, err := NewLatestExporter("models", toyReceiver, 1)
	require.NoError(t, err)

	cases := []struct {
		name  string
		train TrainSpec
		eval  EvalSpec
	}{
		{"no train input", TrainSpec{MaxSteps: 1}, EvalSpec{InputFn: toyInput(4, 1)}},
		{"no max steps", TrainSpec{InputFn: toyInput(4, 0)}, EvalSpec{InputFn: toyInput(4, 1)}},
		{"no eval input", TrainSpec{InputFn: toyInput(4, 0), MaxSteps: 1}, EvalSpec{}},
		{"negative throttle", TrainSpec{InputFn: toyInput(4, 0), MaxSteps: 1}, EvalSpec{InputFn: toyInput(4, 1), ThrottleSecs: -1}},
		{"duplicate exporter", TrainSpec{InputFn: toyInput(4, 0), MaxSteps: 1}, EvalSpec{InputFn: toyInput(4, 1), Exporters: []Exporter{exp, exp}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := TrainAndEvaluate(context.Background(), est, tc.train, tc.eval)
			require.Error(t, err)
		})
	}
}

func TestEvalListenerThrottleWindow(t *testing.T) {
	est := newToyEstimator(t, t.TempDir(), zerolog.Nop())
	require.NoError(t, est.Train(context.Background(), toyInput(8, 0), 2))
	path, err := est.LatestCheckpoint()
	require.NoError(t, err)

	clock := time.Unix(1000, 0)
	l := &evalListener{
		est:      est,
		spec:     EvalSpec{InputFn: toyInput(8, 1)},
		throttle: time.Minute,
		now:      func() time.Time { return clock },
	}
	ctx := context.Background()
	require.NoError(t, l.AfterSave(ctx, 2, path))
	first := l.last

	clock = clock.Add(30 * time.Second)
	require.NoError(t, l.AfterSave(ctx, 2, path))
	assert.Same(t, first, l.last)

	clock = clock.Add(31 * time.Second)
	require.NoError(t, l.AfterSave(ctx, 2, path))
	assert.NotSame(t, first, l.last)

	// End skips a step that was just evaluated
	latest := l.last
	require.NoError(t, l.End(ctx, 2, path))
	assert.Same(t, latest, l.last)
}
