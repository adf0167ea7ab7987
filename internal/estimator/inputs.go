package estimator

import (
	"context"
	"math/rand"

	"github.com/cockroachdb/errors"

	"digitforge/internal/tensor"
)

// NumpyInputOptions configures NumpyInput.
type NumpyInputOptions struct {
	BatchSize int
	// Epochs is the number of passes; 0 repeats forever.
	Epochs  int
	Shuffle bool
	Seed    int64
	// QueueCapacity is the number of batches buffered ahead of the consumer.
	QueueCapacity int
}

// NumpyInput serves in-memory arrays as batches. Every feature must share
// the first dimension with labels (labels may be nil). The last batch of an
// epoch may be short.
func NumpyInput(features Features, labels []int, opts NumpyInputOptions) InputFn {
	return func(ctx context.Context) (<-chan Batch, <-chan error, error) {
		n, err := exampleCount(features, labels)
		if err != nil {
			return nil, nil, err
		}
		o := opts
		if o.BatchSize <= 0 {
			o.BatchSize = 128
		}
		if o.Epochs < 0 {
			return nil, nil, errors.Newf("estimator: epochs must be >= 0, got %d", o.Epochs)
		}
		if o.QueueCapacity <= 0 {
			o.QueueCapacity = 4
		}
		if o.Seed == 0 {
			o.Seed = 42
		}

		out := make(chan Batch, o.QueueCapacity)
		errCh := make(chan error, 1)
		rng := rand.New(rand.NewSource(o.Seed))

		go func() {
			defer close(out)
			defer close(errCh)
			if n == 0 {
				return
			}
			order := make([]int, n)
			for epoch := 0; o.Epochs == 0 || epoch < o.Epochs; epoch++ {
				for i := range order {
					order[i] = i
				}
				if o.Shuffle {
					rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
				}
				for start := 0; start < n; start += o.BatchSize {
					end := start + o.BatchSize
					if end > n {
						end = n
					}
					batch := gatherBatch(features, labels, order[start:end])
					select {
					case <-ctx.Done():
						return
					case out <- batch:
					}
				}
			}
		}()
		return out, errCh, nil
	}
}

func exampleCount(features Features, labels []int) (int, error) {
	if len(features) == 0 {
		return 0, errors.New("estimator: input has no features")
	}
	n := -1
	for key, t := range features {
		if t == nil || t.Dims() == 0 {
			return 0, errors.Newf("estimator: feature %q has no batch dimension", key)
		}
		if n >= 0 && t.Shape[0] != n {
			return 0, tensor.NewShapeError("input "+key, []int{n}, t.Shape[:1])
		}
		n = t.Shape[0]
	}
	if labels != nil && len(labels) != n {
		return 0, tensor.NewShapeError("input labels", []int{n}, []int{len(labels)})
	}
	return n, nil
}

func gatherBatch(features Features, labels []int, rows []int) Batch {
	b := Batch{Features: make(Features, len(features))}
	for key, t := range features {
		b.Features[key] = tensor.Gather(t, rows)
	}
	if labels != nil {
		b.Labels = make([]int, len(rows))
		for i, r := range rows {
			b.Labels[i] = labels[r]
		}
	}
	return b
}

// nextBatch waits for a batch, returning ok=false once the input is exhausted.
func nextBatch(ctx context.Context, batches <-chan Batch, errs <-chan error) (Batch, bool, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, false, err
	}
	for {
		select {
		case <-ctx.Done():
			return Batch{}, false, ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return Batch{}, false, errors.Wrap(err, "input")
			}
			if !ok {
				errs = nil
			}
		case batch, ok := <-batches:
			if !ok {
				// producers close the error channel alongside the batch channel
				if errs != nil {
					if err, ok := <-errs; ok && err != nil {
						return Batch{}, false, errors.Wrap(err, "input")
					}
				}
				return Batch{}, false, nil
			}
			return batch, true, nil
		}
	}
}
