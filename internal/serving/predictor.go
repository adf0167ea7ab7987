// Package serving loads exported bundles and answers predictions with them.
package serving

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"digitforge/internal/estimator"
	"digitforge/internal/imaging"
	"digitforge/internal/nn"
	"digitforge/internal/tensor"
)

// Predictor runs an exported network through a model function's predict
// mode. It is safe for concurrent use; calls are serialised because layers
// cache activations.
type Predictor struct {
	dir       string
	bundle    *estimator.Bundle
	net       *nn.Sequential
	modelFn   estimator.ModelFn
	receiver  *estimator.ServingInputReceiver
	signature string
	logger    zerolog.Logger

	mu sync.Mutex
}

type options struct {
	signature string
	workers   int
	logger    zerolog.Logger
}

// Option configures Load.
type Option func(*options)

// WithSignature selects which exported signature filters the outputs.
func WithSignature(name string) Option {
	return func(o *options) { o.signature = name }
}

// WithWorkers bounds convolution goroutines.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Load opens the export at path. When path is an export base rather than a
// bundle directory, its newest export is used.
func Load(path string, modelFn estimator.ModelFn, receiverFn estimator.ServingInputReceiverFn, opts ...Option) (*Predictor, error) {
	if modelFn == nil || receiverFn == nil {
		return nil, errors.New("serving: model function and receiver are required")
	}
	o := options{signature: estimator.DefaultServingSignature, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	dir, err := resolve(path)
	if err != nil {
		return nil, err
	}
	bundle, err := estimator.ReadBundle(dir)
	if err != nil {
		return nil, err
	}
	if _, ok := bundle.Signatures[o.signature]; !ok {
		return nil, errors.Newf("serving: bundle %s has no signature %q", dir, o.signature)
	}
	receiver := receiverFn()
	for key, shape := range bundle.Receiver {
		got, ok := receiver.ReceiverShapes[key]
		if !ok || !tensor.EqualShape(shape, got) {
			return nil, errors.Newf("serving: receiver input %q is %v in the bundle but %v in code", key, shape, got)
		}
	}

	var buildOpts []nn.Option
	if o.workers > 0 {
		buildOpts = append(buildOpts, nn.WithWorkers(o.workers))
	}
	net, err := bundle.LoadNetwork(dir, buildOpts...)
	if err != nil {
		return nil, err
	}
	o.logger.Info().Str("export_dir", dir).Int64("global_step", bundle.GlobalStep).
		Str("signature", o.signature).Msg("loaded servable")
	return &Predictor{
		dir:       dir,
		bundle:    bundle,
		net:       net,
		modelFn:   modelFn,
		receiver:  receiver,
		signature: o.signature,
		logger:    o.logger,
	}, nil
}

func resolve(path string) (string, error) {
	if _, err := os.Stat(filepath.Join(path, "saved_model.json")); err == nil {
		return path, nil
	}
	dir, err := estimator.LatestExport(path)
	if err != nil {
		return "", errors.Wrapf(err, "serving: no bundle at %s", path)
	}
	return dir, nil
}

// Dir is the export directory in use.
func (p *Predictor) Dir() string { return p.dir }

// GlobalStep is the training step the bundle was exported at.
func (p *Predictor) GlobalStep() int64 { return p.bundle.GlobalStep }

// Predict applies the receiver to raw features and returns one Prediction per
// example holding the signature's outputs.
func (p *Predictor) Predict(ctx context.Context, raw estimator.Features) ([]estimator.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	features, err := p.receiver.Features(raw)
	if err != nil {
		ev := p.logger.Warn().Err(err).Str("export_dir", p.dir)
		if se, ok := tensor.AsShapeError(err); ok {
			ev = ev.Object("shape", se)
		}
		ev.Msg("rejected serving input")
		return nil, errors.Wrap(err, "serving: receiver")
	}

	p.mu.Lock()
	spec, err := p.modelFn(estimator.ModelContext{Network: p.net, GlobalStep: p.bundle.GlobalStep}, features, nil, estimator.ModePredict)
	p.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "serving: model fn")
	}

	outputs := p.bundle.Signatures[p.signature].Outputs
	var n int
	for _, t := range features {
		n = t.Shape[0]
		break
	}
	out := make([]estimator.Prediction, n)
	for i := range out {
		out[i] = make(estimator.Prediction, len(outputs))
	}
	for _, key := range outputs {
		t, ok := spec.Predictions[key]
		if !ok {
			return nil, errors.Newf("serving: model produced no %q output", key)
		}
		for i := 0; i < n; i++ {
			out[i][key] = append([]float64(nil), t.Row(i)...)
		}
	}
	return out, nil
}

// ImageResult is the prediction for one image file.
type ImageResult struct {
	Path        string               `json:"path"`
	Predictions map[string][]float64 `json:"predictions"`
}

// PredictImages decodes each file to grayscale in [0,1] and predicts it
// under feature key.
func (p *Predictor) PredictImages(ctx context.Context, key string, paths []string) ([]ImageResult, error) {
	results := make([]ImageResult, 0, len(paths))
	for _, path := range paths {
		img, err := imaging.DecodeFile(path)
		if err != nil {
			return nil, err
		}
		b := img.Bounds()
		x, err := tensor.FromData(imaging.Pixels(img), 1, b.Dy(), b.Dx(), 1)
		if err != nil {
			return nil, err
		}
		preds, err := p.Predict(ctx, estimator.Features{key: x})
		if err != nil {
			return nil, errors.Wrapf(err, "predict %s", path)
		}
		results = append(results, ImageResult{Path: path, Predictions: preds[0]})
		p.logger.Debug().Str("path", path).Msg("predicted")
	}
	return results, nil
}
