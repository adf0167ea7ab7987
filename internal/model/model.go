// Package model defines the MNIST convolutional classifier: its layer stack,
// the estimator model function and the serving input receiver.
package model

import (
	"github.com/cockroachdb/errors"

	"digitforge/internal/estimator"
	"digitforge/internal/nn"
)

const (
	// InputFeature is the feature key images are served under.
	InputFeature = "image"
	NumClasses   = 10
	ImageSize    = 28

	// DefaultDropoutRate is applied after the dense layer while training.
	DefaultDropoutRate = 0.4
)

// Prediction keys.
const (
	ClassesKey       = "classes"
	ProbabilitiesKey = "probabilities"
	// PredictSignature is the export signature carrying both predictions.
	PredictSignature = "predict"
)

// Layers returns conv → batch-norm → relu → pool twice, then a 1024-unit
// dense layer with dropout and the logits layer.
func Layers(dropoutRate float64) []nn.LayerSpec {
	return []nn.LayerSpec{
		nn.Conv2DSpec(32, 5, "same"),
		nn.BatchNormSpec(),
		nn.ReLUSpec(),
		nn.MaxPool2DSpec(2, 2),
		nn.Conv2DSpec(64, 5, "same"),
		nn.BatchNormSpec(),
		nn.ReLUSpec(),
		nn.MaxPool2DSpec(2, 2),
		nn.FlattenSpec(),
		nn.DenseSpec(1024, "relu"),
		nn.DropoutSpec(dropoutRate),
		nn.DenseSpec(NumClasses, ""),
	}
}

// InputShape is the per-example image shape the network consumes.
func InputShape() []int { return []int{ImageSize, ImageSize, 1} }

// NetworkFn builds the classifier. workers bounds per-sample convolution
// goroutines; <= 0 uses every CPU.
func NetworkFn(dropoutRate float64, workers int) estimator.NetworkFn {
	return func(seed int64) (*nn.Sequential, error) {
		opts := []nn.Option{nn.WithSeed(seed)}
		if workers > 0 {
			opts = append(opts, nn.WithWorkers(workers))
		}
		net, err := nn.Build(Layers(dropoutRate), InputShape(), opts...)
		if err != nil {
			return nil, errors.Wrap(err, "build cnn")
		}
		return net, nil
	}
}
