package model

import (
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"

	"digitforge/internal/estimator"
	"digitforge/internal/imaging"
	"digitforge/internal/parallel"
	"digitforge/internal/tensor"
)

// ServingInputReceiverFn accepts single-channel images of any size,
// [N, ?, ?, 1], and resizes them to 28x28 with bilinear interpolation.
func ServingInputReceiverFn() *estimator.ServingInputReceiver {
	return &estimator.ServingInputReceiver{
		ReceiverShapes: map[string][]int{InputFeature: {-1, -1, -1, 1}},
		Transform:      resizeFeatures,
	}
}

func resizeFeatures(raw estimator.Features) (estimator.Features, error) {
	resized, err := ResizeImages(raw[InputFeature], ImageSize, ImageSize)
	if err != nil {
		return nil, err
	}
	return estimator.Features{InputFeature: resized}, nil
}

// ResizeImages scales every image of an [N, H, W, 1] batch to outH x outW.
func ResizeImages(images *tensor.Tensor, outH, outW int) (*tensor.Tensor, error) {
	if images == nil || images.Dims() != 4 || images.Shape[3] != 1 {
		var got []int
		if images != nil {
			got = images.Shape
		}
		return nil, tensor.NewShapeError("resize images", []int{-1, -1, -1, 1}, got)
	}
	n, h, w := images.Shape[0], images.Shape[1], images.Shape[2]
	if h == 0 || w == 0 {
		return nil, errors.Newf("model: cannot resize empty %dx%d images", h, w)
	}
	out := tensor.New(n, outH, outW, 1)
	if h == outH && w == outW {
		copy(out.Data, images.Data)
		return out, nil
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	parallel.ForEach(n, runtime.NumCPU(), func(i int) {
		pixels, err := imaging.ResizePixels(images.Row(i), h, w, outH, outW)
		if err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "resize image %d", i)
			}
			mu.Unlock()
			return
		}
		copy(out.Row(i), pixels)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
