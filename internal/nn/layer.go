// Package nn implements the layers, loss and optimizer used by the digit
// classifier. Activations are NHWC tensors; every layer caches what its
// backward pass needs from the most recent forward call.
package nn

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"digitforge/internal/tensor"
)

// Layer types understood by Build.
const (
	TypeConv2D    = "conv2d"
	TypeBatchNorm = "batch_normalization"
	TypeReLU      = "relu"
	TypeMaxPool2D = "max_pooling2d"
	TypeFlatten   = "flatten"
	TypeDense     = "dense"
	TypeDropout   = "dropout"
)

// Layer is one stage of a Sequential network.
type Layer interface {
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	// Backward takes dLoss/dOutput of the last Forward call, accumulates
	// parameter gradients and returns dLoss/dInput.
	Backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	Params() []*Param
	Spec() LayerSpec
}

// LayerSpec is the serialisable description of a layer. Build turns a list of
// specs plus an input shape back into a network.
type LayerSpec struct {
	Type       string  `json:"type"`
	Name       string  `json:"name,omitempty"`
	Filters    int     `json:"filters,omitempty"`
	Kernel     int     `json:"kernel,omitempty"`
	Padding    string  `json:"padding,omitempty"`
	Pool       int     `json:"pool,omitempty"`
	Stride     int     `json:"stride,omitempty"`
	Units      int     `json:"units,omitempty"`
	Activation string  `json:"activation,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	Momentum   float64 `json:"momentum,omitempty"`
	Epsilon    float64 `json:"epsilon,omitempty"`
}

// Conv2DSpec describes a stride-1 convolution.
func Conv2DSpec(filters, kernel int, padding string) LayerSpec {
	return LayerSpec{Type: TypeConv2D, Filters: filters, Kernel: kernel, Padding: padding}
}

// BatchNormSpec uses the usual momentum 0.99 and epsilon 1e-3.
func BatchNormSpec() LayerSpec {
	return LayerSpec{Type: TypeBatchNorm, Momentum: 0.99, Epsilon: 1e-3}
}

// ReLUSpec describes an element-wise ReLU.
func ReLUSpec() LayerSpec { return LayerSpec{Type: TypeReLU} }

// MaxPool2DSpec describes valid-padded max pooling.
func MaxPool2DSpec(pool, stride int) LayerSpec {
	return LayerSpec{Type: TypeMaxPool2D, Pool: pool, Stride: stride}
}

// FlattenSpec collapses every axis but the batch axis.
func FlattenSpec() LayerSpec { return LayerSpec{Type: TypeFlatten} }

// DenseSpec describes a fully connected layer; activation is "" or "relu".
func DenseSpec(units int, activation string) LayerSpec {
	return LayerSpec{Type: TypeDense, Units: units, Activation: activation}
}

// DropoutSpec describes inverted dropout with the given drop rate.
func DropoutSpec(rate float64) LayerSpec {
	return LayerSpec{Type: TypeDropout, Rate: rate}
}

func (s LayerSpec) String() string {
	switch s.Type {
	case TypeConv2D:
		return fmt.Sprintf("%s(filters=%d, kernel=%d, padding=%s)", s.Name, s.Filters, s.Kernel, s.Padding)
	case TypeMaxPool2D:
		return fmt.Sprintf("%s(pool=%d, stride=%d)", s.Name, s.Pool, s.Stride)
	case TypeDense:
		return fmt.Sprintf("%s(units=%d, activation=%s)", s.Name, s.Units, s.Activation)
	case TypeDropout:
		return fmt.Sprintf("%s(rate=%.2f)", s.Name, s.Rate)
	default:
		return s.Name
	}
}

// checkInput verifies x is [N, shape...].
func checkInput(op string, x *tensor.Tensor, shape []int) error {
	if x.Dims() != len(shape)+1 || !tensor.EqualShape(x.Shape[1:], shape) {
		want := append([]int{-1}, shape...)
		return tensor.NewShapeError(op, want, x.Shape)
	}
	return nil
}

var errNoForward = errors.New("nn: backward called before forward")
