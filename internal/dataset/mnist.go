package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"digitforge/internal/tensor"
)

// ImageSize is the MNIST image edge length.
const ImageSize = 28

const (
	imagesMagic = 2051
	labelsMagic = 2049
)

// DefaultMirror serves the canonical gzipped IDX files.
const DefaultMirror = "https://storage.googleapis.com/cvdf-datasets/mnist/"

// mnistFile is one of the four canonical IDX archives.
type mnistFile struct {
	name   string
	sha256 string
}

var (
	trainImages = mnistFile{"train-images-idx3-ubyte.gz", "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609"}
	trainLabels = mnistFile{"train-labels-idx1-ubyte.gz", "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c"}
	testImages  = mnistFile{"t10k-images-idx3-ubyte.gz", "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6"}
	testLabels  = mnistFile{"t10k-labels-idx1-ubyte.gz", "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6"}
)

var mnistFiles = []mnistFile{trainImages, trainLabels, testImages, testLabels}

// ErrChecksum is returned when a downloaded or cached archive has the wrong digest.
var ErrChecksum = errors.New("dataset: checksum mismatch")

// DataSet holds flat images [N, 784] scaled to [0,1] and their labels.
type DataSet struct {
	Images *tensor.Tensor
	Labels []int
}

// Len is the number of examples.
func (d *DataSet) Len() int { return len(d.Labels) }

// Reshaped returns the images as [N, 28, 28, 1], sharing storage.
func (d *DataSet) Reshaped() (*tensor.Tensor, error) {
	return d.Images.Reshape(-1, ImageSize, ImageSize, 1)
}

// DataSets is the train / validation / test split.
type DataSets struct {
	Train      *DataSet
	Validation *DataSet
	Test       *DataSet
}

// Options configures ReadDataSets.
type Options struct {
	// ValidationSize examples are carved off the front of the training set.
	ValidationSize int
	// Download fetches missing archives from Mirror.
	Download bool
	Mirror   string
	// Verify checks archive digests before parsing.
	Verify bool
}

// ReadDataSets loads MNIST from dir, downloading missing files when asked.
func ReadDataSets(ctx context.Context, dir string, opts Options, logger zerolog.Logger) (*DataSets, error) {
	if opts.Mirror == "" {
		opts.Mirror = DefaultMirror
	}
	for _, f := range mnistFiles {
		path := filepath.Join(dir, f.name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "stat %s", path)
		}
		if !opts.Download {
			return nil, errors.Newf("dataset: %s not found (enable download or place the MNIST archives in %s)", path, dir)
		}
		logger.Info().Str("file", f.name).Str("mirror", opts.Mirror).Msg("downloading")
		if err := download(ctx, opts.Mirror+f.name, path, f.sha256); err != nil {
			return nil, err
		}
	}

	if opts.Verify {
		for _, f := range mnistFiles {
			if err := verify(filepath.Join(dir, f.name), f.sha256); err != nil {
				return nil, err
			}
		}
	}

	train, err := readPair(dir, trainImages, trainLabels)
	if err != nil {
		return nil, err
	}
	test, err := readPair(dir, testImages, testLabels)
	if err != nil {
		return nil, err
	}
	if opts.ValidationSize < 0 || opts.ValidationSize > train.Len() {
		return nil, errors.Newf("dataset: validation size %d must be in [0, %d]", opts.ValidationSize, train.Len())
	}

	validation, rest := split(train, opts.ValidationSize)
	logger.Info().
		Int("train", rest.Len()).
		Int("validation", validation.Len()).
		Int("test", test.Len()).
		Msg("mnist loaded")
	return &DataSets{Train: rest, Validation: validation, Test: test}, nil
}

func readPair(dir string, images, labels mnistFile) (*DataSet, error) {
	imgs, err := ReadImages(filepath.Join(dir, images.name))
	if err != nil {
		return nil, err
	}
	lbls, err := ReadLabels(filepath.Join(dir, labels.name))
	if err != nil {
		return nil, err
	}
	if imgs.Shape[0] != len(lbls) {
		return nil, errors.Newf("dataset: %s has %d images but %s has %d labels",
			images.name, imgs.Shape[0], labels.name, len(lbls))
	}
	return &DataSet{Images: imgs, Labels: lbls}, nil
}

func split(d *DataSet, n int) (head, tail *DataSet) {
	stride := ImageSize * ImageSize
	head = &DataSet{
		Images: &tensor.Tensor{Data: d.Images.Data[:n*stride], Shape: []int{n, stride}},
		Labels: d.Labels[:n],
	}
	tail = &DataSet{
		Images: &tensor.Tensor{Data: d.Images.Data[n*stride:], Shape: []int{d.Len() - n, stride}},
		Labels: d.Labels[n:],
	}
	return head, tail
}

// ReadImages parses an IDX3 file (gzipped or raw) of 28x28 images into
// [N, 784].
func ReadImages(path string) (*tensor.Tensor, error) {
	raw, err := readMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 16 {
		return nil, errors.Newf("dataset: %s: short header", path)
	}
	if magic := binary.BigEndian.Uint32(raw[0:4]); magic != imagesMagic {
		return nil, errors.Newf("dataset: %s: bad image magic %d", path, magic)
	}
	n := int(binary.BigEndian.Uint32(raw[4:8]))
	rows := binary.BigEndian.Uint32(raw[8:12])
	cols := binary.BigEndian.Uint32(raw[12:16])
	if rows != ImageSize || cols != ImageSize {
		return nil, errors.Newf("dataset: %s: images are %dx%d, want %dx%d", path, rows, cols, ImageSize, ImageSize)
	}
	// n comes from the header; dividing keeps n*stride from overflowing
	const stride = ImageSize * ImageSize
	body := raw[16:]
	if len(body)%stride != 0 || len(body)/stride != n {
		return nil, errors.Newf("dataset: %s: expected %d images, got %d pixel bytes", path, n, len(body))
	}
	t := tensor.New(n, stride)
	for i, b := range body {
		t.Data[i] = float64(b) / 255
	}
	return t, nil
}

// ReadLabels parses an IDX1 label file (gzipped or raw).
func ReadLabels(path string) ([]int, error) {
	raw, err := readMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, errors.Newf("dataset: %s: short header", path)
	}
	if magic := binary.BigEndian.Uint32(raw[0:4]); magic != labelsMagic {
		return nil, errors.Newf("dataset: %s: bad label magic %d", path, magic)
	}
	n := int(binary.BigEndian.Uint32(raw[4:8]))
	body := raw[8:]
	if len(body) != n {
		return nil, errors.Newf("dataset: %s: expected %d labels, got %d", path, n, len(body))
	}
	labels := make([]int, n)
	for i, b := range body {
		labels[i] = int(b)
	}
	return labels, nil
}

func readMaybeGzip(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "gunzip %s", path)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrapf(err, "gunzip %s", path)
	}
	return out, nil
}

func verify(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Wrapf(err, "hash %s", path)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return errors.Wrapf(ErrChecksum, "%s: sha256 %s", path, got)
	}
	return nil
}

func download(ctx context.Context, url, path, sum string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create data dir")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "request %s", url)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("download %s: status %s", url, resp.Status)
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "download %s", url)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != sum {
		os.Remove(tmp)
		return errors.Wrapf(ErrChecksum, "%s: sha256 %s", url, got)
	}
	return errors.Wrap(os.Rename(tmp, path), "install download")
}
