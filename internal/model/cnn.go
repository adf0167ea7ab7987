package model

import (
	"github.com/cockroachdb/errors"

	"digitforge/internal/estimator"
	"digitforge/internal/metrics"
	"digitforge/internal/nn"
	"digitforge/internal/tensor"
)

// CNNModelFn returns the three-mode model function. Training minimises
// sparse softmax cross-entropy with Adam at learningRate.
func CNNModelFn(learningRate float64) estimator.ModelFn {
	optimizer := nn.NewAdam(learningRate)

	return func(mc estimator.ModelContext, features estimator.Features, labels []int, mode estimator.Mode) (*estimator.Spec, error) {
		input, ok := features[InputFeature]
		if !ok {
			return nil, errors.Newf("model: feature %q missing", InputFeature)
		}
		logits, err := mc.Network.Forward(input, mode == estimator.ModeTrain)
		if err != nil {
			return nil, err
		}

		classes := nn.Argmax(logits)
		predictions := map[string]*tensor.Tensor{
			ClassesKey:       classTensor(classes),
			ProbabilitiesKey: nn.Softmax(logits),
		}

		if mode == estimator.ModePredict {
			return &estimator.Spec{
				Mode:        mode,
				Predictions: predictions,
				ExportOutputs: map[string]estimator.ExportOutput{
					PredictSignature: estimator.PredictOutput(predictions),
				},
			}, nil
		}

		loss, grad, err := nn.SparseSoftmaxCrossEntropy(labels, logits)
		if err != nil {
			return nil, err
		}

		if mode == estimator.ModeTrain {
			net := mc.Network
			step := mc.GlobalStep + 1
			return &estimator.Spec{
				Mode:        mode,
				Predictions: predictions,
				Loss:        loss,
				TrainOp: func() error {
					net.ZeroGrad()
					if err := net.Backward(grad); err != nil {
						return err
					}
					optimizer.Apply(net.Params(), step)
					return nil
				},
			}, nil
		}

		accuracy, err := metrics.Accuracy(labels, classes)
		if err != nil {
			return nil, err
		}
		return &estimator.Spec{
			Mode:          mode,
			Predictions:   predictions,
			Loss:          loss,
			EvalMetricOps: map[string]metrics.Op{"accuracy": accuracy},
		}, nil
	}
}

func classTensor(classes []int) *tensor.Tensor {
	t := tensor.New(len(classes))
	for i, c := range classes {
		t.Data[i] = float64(c)
	}
	return t
}
