package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"digitforge/internal/imaging"
	"digitforge/internal/parallel"
	"digitforge/internal/tensor"
)

// Sample represents a paired record from a WebDataset shard.
type Sample struct {
	Key   string
	Image []byte
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams paired samples from the shard at path.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, ext)

			switch ext {
			case ".jpg", ".jpeg", ".png":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read image %s", name)
					return
				}
				pendingFor(pending, key).image = data
			case ".cls":
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read label %s", name)
					return
				}
				label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil {
					errCh <- errors.Wrapf(err, "parse label %s", name)
					return
				}
				pendingFor(pending, key).label = &label
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part := pending[key]; part.ready() {
				sample := Sample{Key: key, Image: part.image, Label: *part.label}
				delete(pending, key)

				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Newf("%d samples incomplete", len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	image []byte
	label *int
}

func pendingFor(pending map[string]*partial, key string) *partial {
	part := pending[key]
	if part == nil {
		part = &partial{}
		pending[key] = part
	}
	return part
}

func (p *partial) ready() bool {
	return p != nil && len(p.image) > 0 && p.label != nil
}

// ShardOptions configures LoadShards.
type ShardOptions struct {
	PendingCap int
	NumWorkers int
	NumClasses int
}

// LoadShards reads every shard under roots into one DataSet. Images are
// converted to grayscale and resized to 28×28; labels outside
// [0, NumClasses) are rejected.
func LoadShards(ctx context.Context, roots []string, opts ShardOptions, logger zerolog.Logger) (*DataSet, error) {
	byRoot, err := DiscoverByRoot(roots)
	if err != nil {
		return nil, err
	}
	var samples []Sample
	for _, root := range roots {
		shards := byRoot[root]
		if len(shards) == 0 {
			return nil, errors.Newf("dataset: no shards discovered under %s", root)
		}
		logger.Info().Str("root", root).Int("shards", len(shards)).Msg("reading shards")
		for _, shard := range shards {
			stream, errCh := StreamShard(ctx, shard, opts.PendingCap)
			for s := range stream {
				samples = append(samples, s)
			}
			if err := <-errCh; err != nil {
				return nil, errors.Wrapf(err, "shard %s", shard)
			}
		}
	}
	return decodeSamples(samples, opts)
}

func decodeSamples(samples []Sample, opts ShardOptions) (*DataSet, error) {
	stride := ImageSize * ImageSize
	images := tensor.New(len(samples), stride)
	labels := make([]int, len(samples))
	errs := make([]error, len(samples))

	parallel.ForEach(len(samples), opts.NumWorkers, func(i int) {
		s := samples[i]
		if opts.NumClasses > 0 && (s.Label < 0 || s.Label >= opts.NumClasses) {
			errs[i] = errors.Newf("sample %s: label %d out of range", s.Key, s.Label)
			return
		}
		gray, err := imaging.Decode(s.Image)
		if err != nil {
			errs[i] = errors.Wrapf(err, "sample %s", s.Key)
			return
		}
		copy(images.Row(i), imaging.Pixels(imaging.Resize(gray, ImageSize, ImageSize)))
		labels[i] = s.Label
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return &DataSet{Images: images, Labels: labels}, nil
}
