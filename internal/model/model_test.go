package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digitforge/internal/estimator"
	"digitforge/internal/nn"
	"digitforge/internal/tensor"
)

func randomImages(n int, seed int64) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := tensor.New(n, ImageSize, ImageSize, 1)
	for i := range x.Data {
		x.Data[i] = rng.Float64()
	}
	return x
}

func TestNetworkShapes(t *testing.T) {
	net, err := NetworkFn(DefaultDropoutRate, 2)(1)
	require.NoError(t, err)
	assert.Equal(t, []int{NumClasses}, net.OutputShape())

	names := make([]string, 0)
	for _, spec := range net.Specs() {
		names = append(names, spec.Name)
	}
	assert.Equal(t, []string{
		"conv2d", "batch_normalization", "relu", "max_pooling2d",
		"conv2d_1", "batch_normalization_1", "relu_1", "max_pooling2d_1",
		"flatten", "dense", "dropout", "dense_1",
	}, names)

	// conv 5*5*1*32+32, bn 2*32, conv 5*5*32*64+64, bn 2*64,
	// dense 3136*1024+1024, logits 1024*10+10
	assert.Equal(t, 832+64+51264+128+3212288+10250, net.NumTrainable())
}

func TestLayersCarryDropoutRate(t *testing.T) {
	specs := Layers(0.25)
	var found bool
	for _, s := range specs {
		if s.Type == nn.TypeDropout {
			found = true
			assert.Equal(t, 0.25, s.Rate)
		}
	}
	assert.True(t, found)
}

func TestCNNModelFnPredict(t *testing.T) {
	net, err := NetworkFn(DefaultDropoutRate, 2)(1)
	require.NoError(t, err)
	fn := CNNModelFn(0.001)

	spec, err := fn(estimator.ModelContext{Network: net}, estimator.Features{InputFeature: randomImages(3, 1)}, nil, estimator.ModePredict)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, spec.Predictions[ClassesKey].Shape)
	probs := spec.Predictions[ProbabilitiesKey]
	assert.Equal(t, []int{3, NumClasses}, probs.Shape)
	for i := 0; i < 3; i++ {
		sum := 0.0
		for _, p := range probs.Row(i) {
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
	assert.Equal(t, []string{ClassesKey, ProbabilitiesKey}, spec.ExportOutputs[PredictSignature].Outputs)
	assert.Nil(t, spec.TrainOp)
}

func TestCNNModelFnEval(t *testing.T) {
	net, err := NetworkFn(DefaultDropoutRate, 2)(1)
	require.NoError(t, err)
	spec, err := CNNModelFn(0.001)(estimator.ModelContext{Network: net},
		estimator.Features{InputFeature: randomImages(4, 2)}, []int{0, 1, 2, 3}, estimator.ModeEval)
	require.NoError(t, err)
	assert.Greater(t, spec.Loss, 0.0)
	acc := spec.EvalMetricOps["accuracy"]
	assert.Equal(t, 4.0, acc.Count)
}

func TestCNNModelFnTrainReducesLoss(t *testing.T) {
	net, err := NetworkFn(0, 2)(3)
	require.NoError(t, err)
	fn := CNNModelFn(0.001)
	features := estimator.Features{InputFeature: randomImages(4, 3)}
	labels := []int{1, 7, 3, 9}

	var first, last float64
	for step := int64(0); step < 8; step++ {
		spec, err := fn(estimator.ModelContext{Network: net, GlobalStep: step}, features, labels, estimator.ModeTrain)
		require.NoError(t, err)
		require.NotNil(t, spec.TrainOp)
		require.NoError(t, spec.TrainOp())
		if step == 0 {
			first = spec.Loss
		}
		last = spec.Loss
	}
	assert.Less(t, last, first)
}

func TestCNNModelFnMissingFeature(t *testing.T) {
	net, err := NetworkFn(0, 1)(1)
	require.NoError(t, err)
	_, err = CNNModelFn(0.001)(estimator.ModelContext{Network: net}, estimator.Features{"x": randomImages(1, 1)}, nil, estimator.ModePredict)
	require.Error(t, err)
}

func TestServingReceiverResizesAnySize(t *testing.T) {
	r := ServingInputReceiverFn()
	raw := tensor.New(2, 40, 33, 1)
	for i := range raw.Data {
		raw.Data[i] = 0.5
	}
	features, err := r.Features(estimator.Features{InputFeature: raw})
	require.NoError(t, err)
	img := features[InputFeature]
	assert.Equal(t, []int{2, ImageSize, ImageSize, 1}, img.Shape)
	for _, v := range img.Data {
		assert.InDelta(t, 0.5, v, 1e-3)
	}

	same := randomImages(1, 4)
	features, err = r.Features(estimator.Features{InputFeature: same})
	require.NoError(t, err)
	assert.Equal(t, same.Data, features[InputFeature].Data)
}

func TestServingReceiverRejectsColour(t *testing.T) {
	r := ServingInputReceiverFn()
	_, err := r.Features(estimator.Features{InputFeature: tensor.New(1, 28, 28, 3)})
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)

	_, err = ResizeImages(tensor.New(1, 0, 5, 1), ImageSize, ImageSize)
	require.Error(t, err)
}
