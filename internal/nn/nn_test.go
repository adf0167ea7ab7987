package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digitforge/internal/tensor"
)

func randomInput(rng *rand.Rand, shape ...int) *tensor.Tensor {
	x := tensor.New(shape...)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	return x
}

func TestBuildPropagatesShapes(t *testing.T) {
	specs := []LayerSpec{
		Conv2DSpec(32, 5, "same"), BatchNormSpec(), ReLUSpec(), MaxPool2DSpec(2, 2),
		Conv2DSpec(64, 5, "same"), BatchNormSpec(), ReLUSpec(), MaxPool2DSpec(2, 2),
		FlattenSpec(), DenseSpec(1024, "relu"), DropoutSpec(0.4), DenseSpec(10, ""),
	}
	net, err := Build(specs, []int{28, 28, 1}, WithSeed(1), WithWorkers(2))
	require.NoError(t, err)
	assert.Equal(t, []int{10}, net.OutputShape())

	names := make([]string, 0, len(specs))
	for _, s := range net.Specs() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"conv2d", "batch_normalization", "relu", "max_pooling2d",
		"conv2d_1", "batch_normalization_1", "relu_1", "max_pooling2d_1",
		"flatten", "dense", "dropout", "dense_1",
	}, names)

	want := 5*5*1*32 + 32 + 2*32 + 5*5*32*64 + 64 + 2*64 + 3136*1024 + 1024 + 1024*10 + 10
	assert.Equal(t, want, net.NumTrainable())
}

func TestBuildRejectsUnknownLayer(t *testing.T) {
	_, err := Build([]LayerSpec{{Type: "lstm"}}, []int{4})
	require.Error(t, err)

	_, err = Build([]LayerSpec{DropoutSpec(1.5)}, []int{4})
	require.Error(t, err)
}

func TestForwardRejectsWrongShape(t *testing.T) {
	net, err := Build([]LayerSpec{Conv2DSpec(2, 3, "same")}, []int{6, 6, 1})
	require.NoError(t, err)

	_, err = net.Forward(tensor.New(1, 5, 5, 1), false)
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestConvSamePaddingKeepsSize(t *testing.T) {
	net, err := Build([]LayerSpec{Conv2DSpec(3, 5, "same")}, []int{7, 9, 2})
	require.NoError(t, err)
	out, err := net.Forward(randomInput(rand.New(rand.NewSource(1)), 2, 7, 9, 2), false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 7, 9, 3}, out.Shape)

	valid, err := Build([]LayerSpec{Conv2DSpec(3, 5, "valid")}, []int{7, 9, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5, 3}, valid.OutputShape())
}

func TestMaxPoolPicksMaximum(t *testing.T) {
	net, err := Build([]LayerSpec{MaxPool2DSpec(2, 2)}, []int{2, 2, 1})
	require.NoError(t, err)
	x, err := tensor.FromData([]float64{1, 4, 3, 2}, 1, 2, 2, 1)
	require.NoError(t, err)

	out, err := net.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, []float64{4}, out.Data)

	grad, err := tensor.FromData([]float64{5}, 1, 1, 1, 1)
	require.NoError(t, err)
	require.NoError(t, net.Backward(grad))
}

func TestDropoutOnlyWhileTraining(t *testing.T) {
	net, err := Build([]LayerSpec{DropoutSpec(0.5)}, []int{1000}, WithSeed(3))
	require.NoError(t, err)
	x := tensor.New(1, 1000)
	for i := range x.Data {
		x.Data[i] = 1
	}

	eval, err := net.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, x.Data, eval.Data)

	train, err := net.Forward(x, true)
	require.NoError(t, err)
	zeros := 0
	for _, v := range train.Data {
		if v == 0 {
			zeros++
		} else {
			assert.InDelta(t, 2.0, v, 1e-12)
		}
	}
	assert.InDelta(t, 500, zeros, 80)
}

func TestBatchNormNormalisesInTraining(t *testing.T) {
	net, err := Build([]LayerSpec{BatchNormSpec()}, []int{3})
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(5))
	x := tensor.New(64, 3)
	for i := range x.Data {
		x.Data[i] = 10 + 3*rng.NormFloat64()
	}

	out, err := net.Forward(x, true)
	require.NoError(t, err)
	for ch := 0; ch < 3; ch++ {
		mean := 0.0
		for i := 0; i < 64; i++ {
			mean += out.Data[i*3+ch]
		}
		assert.InDelta(t, 0, mean/64, 1e-9)
	}

	moving := net.Params()[2].Value.Data
	for _, m := range moving {
		assert.InDelta(t, 0.1, m, 0.05)
	}
}

func TestSoftmaxAndArgmax(t *testing.T) {
	logits, err := tensor.FromData([]float64{1, 3, 3, 0, -1, 2}, 2, 3)
	require.NoError(t, err)

	probs := Softmax(logits)
	for i := 0; i < 2; i++ {
		sum := 0.0
		for _, p := range probs.Row(i) {
			sum += p
		}
		assert.InDelta(t, 1, sum, 1e-12)
	}
	assert.Equal(t, []int{1, 2}, Argmax(logits))
}

func TestSparseSoftmaxCrossEntropy(t *testing.T) {
	logits := tensor.New(2, 4)
	loss, grad, err := SparseSoftmaxCrossEntropy([]int{0, 3}, logits)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), loss, 1e-12)
	assert.InDelta(t, (0.25-1)/2, grad.Data[0], 1e-12)
	assert.InDelta(t, 0.25/2, grad.Data[1], 1e-12)

	_, _, err = SparseSoftmaxCrossEntropy([]int{4, 0}, logits)
	require.Error(t, err)
	_, _, err = SparseSoftmaxCrossEntropy([]int{0}, logits)
	require.Error(t, err)
}

// TestGradients compares analytic parameter and input gradients against
// central finite differences on a small network covering every layer type.
func TestGradients(t *testing.T) {
	specs := []LayerSpec{
		Conv2DSpec(2, 3, "same"), BatchNormSpec(), ReLUSpec(), MaxPool2DSpec(2, 2),
		FlattenSpec(), DenseSpec(5, "relu"), DenseSpec(3, ""),
	}
	net, err := Build(specs, []int{4, 4, 1}, WithSeed(11), WithWorkers(2))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	x := randomInput(rng, 3, 4, 4, 1)
	labels := []int{0, 2, 1}

	lossAt := func() float64 {
		logits, err := net.Forward(x, true)
		require.NoError(t, err)
		loss, _, err := SparseSoftmaxCrossEntropy(labels, logits)
		require.NoError(t, err)
		return loss
	}

	net.ZeroGrad()
	logits, err := net.Forward(x, true)
	require.NoError(t, err)
	_, dLogits, err := SparseSoftmaxCrossEntropy(labels, logits)
	require.NoError(t, err)
	require.NoError(t, net.Backward(dLogits))

	const eps = 1e-5
	for _, p := range net.Params() {
		if !p.Trainable {
			continue
		}
		analytic := append([]float64(nil), p.Grad.Data...)
		for i := range p.Value.Data {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + eps
			plus := lossAt()
			p.Value.Data[i] = orig - eps
			minus := lossAt()
			p.Value.Data[i] = orig
			numeric := (plus - minus) / (2 * eps)
			assert.InDeltaf(t, numeric, analytic[i], 1e-4, "%s[%d]", p.Name, i)
		}
	}
}

func TestAdamReducesLoss(t *testing.T) {
	net, err := Build([]LayerSpec{DenseSpec(8, "relu"), DenseSpec(3, "")}, []int{4}, WithSeed(2))
	require.NoError(t, err)
	x, err := tensor.FromData([]float64{
		0.1, 0.2, 0.3, 0.4,
		0.4, 0.3, 0.2, 0.1,
		0.9, 0.1, 0.9, 0.1,
	}, 3, 4)
	require.NoError(t, err)
	labels := []int{0, 1, 2}
	opt := NewAdam(0.01)

	var first, last float64
	for step := int64(1); step <= 200; step++ {
		net.ZeroGrad()
		logits, err := net.Forward(x, true)
		require.NoError(t, err)
		loss, grad, err := SparseSoftmaxCrossEntropy(labels, logits)
		require.NoError(t, err)
		require.NoError(t, net.Backward(grad))
		opt.Apply(net.Params(), step)
		if step == 1 {
			first = loss
		}
		last = loss
	}
	assert.Less(t, last, first/4)
}
