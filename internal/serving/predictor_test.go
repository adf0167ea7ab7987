package serving

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digitforge/internal/estimator"
	"digitforge/internal/model"
	"digitforge/internal/nn"
	"digitforge/internal/tensor"
)

// a 4x4 stand-in for the CNN keeps the round trip fast.
func smallNetwork(seed int64) (*nn.Sequential, error) {
	return nn.Build([]nn.LayerSpec{nn.FlattenSpec(), nn.DenseSpec(3, "")}, []int{4, 4, 1}, nn.WithSeed(seed))
}

func smallReceiver() *estimator.ServingInputReceiver {
	return &estimator.ServingInputReceiver{
		ReceiverShapes: map[string][]int{model.InputFeature: {-1, -1, -1, 1}},
		Transform: func(raw estimator.Features) (estimator.Features, error) {
			x, err := model.ResizeImages(raw[model.InputFeature], 4, 4)
			if err != nil {
				return nil, err
			}
			return estimator.Features{model.InputFeature: x}, nil
		},
	}
}

func exportSmallModel(t *testing.T) (string, *estimator.Estimator) {
	t.Helper()
	est, err := estimator.New(model.CNNModelFn(0.01), smallNetwork, estimator.RunConfig{ModelDir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)

	x := tensor.New(6, 4, 4, 1)
	for i := range x.Data {
		x.Data[i] = float64(i%7) / 7
	}
	labels := []int{0, 1, 2, 0, 1, 2}
	input := estimator.NumpyInput(estimator.Features{model.InputFeature: x}, labels, estimator.NumpyInputOptions{BatchSize: 3})
	require.NoError(t, est.Train(context.Background(), input, 4))

	exp, err := estimator.NewLatestExporter("models", smallReceiver, 5)
	require.NoError(t, err)
	_, err = exp.Export(context.Background(), est, "", nil, true)
	require.NoError(t, err)
	return exp.Base(est), est
}

func TestLoadLatestAndPredict(t *testing.T) {
	base, est := exportSmallModel(t)
	p, err := Load(base, model.CNNModelFn(0.01), smallReceiver)
	require.NoError(t, err)
	assert.EqualValues(t, 4, p.GlobalStep())

	raw := tensor.New(2, 9, 7, 1)
	for i := range raw.Data {
		raw.Data[i] = 0.3
	}
	preds, err := p.Predict(context.Background(), estimator.Features{model.InputFeature: raw})
	require.NoError(t, err)
	require.Len(t, preds, 2)
	for _, pred := range preds {
		assert.Len(t, pred[model.ProbabilitiesKey], 3)
		assert.Len(t, pred[model.ClassesKey], 1)
	}

	// the servable agrees with the estimator's own predict path
	resized, err := model.ResizeImages(raw, 4, 4)
	require.NoError(t, err)
	direct, err := est.Predict(context.Background(), estimator.NumpyInput(
		estimator.Features{model.InputFeature: resized}, nil, estimator.NumpyInputOptions{Epochs: 1}))
	require.NoError(t, err)
	assert.InDeltaSlice(t, direct[0][model.ProbabilitiesKey], preds[0][model.ProbabilitiesKey], 1e-12)
}

func TestLoadRejectsUnknownSignature(t *testing.T) {
	base, _ := exportSmallModel(t)
	_, err := Load(base, model.CNNModelFn(0.01), smallReceiver, WithSignature("classify"))
	require.Error(t, err)

	p, err := Load(base, model.CNNModelFn(0.01), smallReceiver, WithSignature(model.PredictSignature), WithWorkers(1))
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(p.Dir()), base)
}

func TestLoadRejectsMismatchedReceiver(t *testing.T) {
	base, _ := exportSmallModel(t)
	other := func() *estimator.ServingInputReceiver {
		return &estimator.ServingInputReceiver{ReceiverShapes: map[string][]int{model.InputFeature: {-1, 16}}}
	}
	_, err := Load(base, model.CNNModelFn(0.01), other)
	require.Error(t, err)
}

func TestLoadMissingExport(t *testing.T) {
	_, err := Load(t.TempDir(), model.CNNModelFn(0.01), smallReceiver)
	require.Error(t, err)
}

func TestPredictImages(t *testing.T) {
	base, _ := exportSmallModel(t)
	p, err := Load(base, model.CNNModelFn(0.01), smallReceiver)
	require.NoError(t, err)

	img := image.NewGray(image.Rect(0, 0, 10, 12))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	path := filepath.Join(t.TempDir(), "digit.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	results, err := p.PredictImages(context.Background(), model.InputFeature, []string{path})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, path, results[0].Path)
	assert.Len(t, results[0].Predictions[model.ProbabilitiesKey], 3)

	_, err = p.PredictImages(context.Background(), model.InputFeature, []string{filepath.Join(t.TempDir(), "missing.png")})
	require.Error(t, err)
}

func TestPredictLogsRejectedShape(t *testing.T) {
	base, _ := exportSmallModel(t)
	buf := &bytes.Buffer{}
	p, err := Load(base, model.CNNModelFn(0.01), smallReceiver, WithLogger(zerolog.New(buf).Level(zerolog.WarnLevel)))
	require.NoError(t, err)

	_, err = p.Predict(context.Background(), estimator.Features{model.InputFeature: tensor.New(1, 4, 4, 3)})
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)

	var line struct {
		Message string `json:"message"`
		Shape   struct {
			Op       string `json:"op"`
			Expected []int  `json:"expected"`
			Got      []int  `json:"got"`
		} `json:"shape"`
	}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "rejected serving input", line.Message)
	assert.Equal(t, "receiver "+model.InputFeature, line.Shape.Op)
	assert.Equal(t, []int{-1, -1, -1, 1}, line.Shape.Expected)
	assert.Equal(t, []int{1, 4, 4, 3}, line.Shape.Got)
}
