package nn

import (
	"math"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/floats"

	"digitforge/internal/tensor"
)

// Softmax normalises each row of a [N, classes] tensor.
func Softmax(logits *tensor.Tensor) *tensor.Tensor {
	out := logits.Clone()
	if logits.Shape[0] == 0 {
		return out
	}
	for i := 0; i < logits.Shape[0]; i++ {
		row := out.Row(i)
		maxLogit := floats.Max(row)
		sum := 0.0
		for j, v := range row {
			row[j] = math.Exp(v - maxLogit)
			sum += row[j]
		}
		floats.Scale(1/sum, row)
	}
	return out
}

// Argmax returns the index of the largest value in each row. Ties resolve
// to the lowest index.
func Argmax(t *tensor.Tensor) []int {
	n := t.Shape[0]
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = floats.MaxIdx(t.Row(i))
	}
	return out
}

// SparseSoftmaxCrossEntropy returns the mean cross-entropy of integer labels
// against logits, and dLoss/dLogits.
func SparseSoftmaxCrossEntropy(labels []int, logits *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if logits.Dims() != 2 {
		return 0, nil, tensor.NewShapeError("sparse_softmax_cross_entropy", []int{-1, -1}, logits.Shape)
	}
	n, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != n {
		return 0, nil, tensor.NewShapeError("sparse_softmax_cross_entropy", []int{n}, []int{len(labels)})
	}
	if n == 0 {
		return 0, tensor.New(logits.Shape...), nil
	}
	probs := Softmax(logits)
	loss := 0.0
	for i, label := range labels {
		if label < 0 || label >= classes {
			return 0, nil, errors.Newf("nn: label %d out of range [0, %d)", label, classes)
		}
		row := probs.Row(i)
		loss -= math.Log(math.Max(row[label], 1e-12))
		row[label] -= 1
	}
	floats.Scale(1/float64(n), probs.Data)
	return loss / float64(n), probs, nil
}
