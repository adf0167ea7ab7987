package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamShardPairsEntries(t *testing.T) {
	buf := buildShard(map[string]filePair{
		"000001": {imageExt: ".jpg", image: []byte("jpeg"), label: 3},
		"000002": {imageExt: ".png", image: []byte("png"), label: 7},
	})

	dir := t.TempDir()
	shard := filepath.Join(dir, "shard-000000.tar")
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}

	ctx := context.Background()
	samplesCh, errCh := StreamShard(ctx, shard, 4)

	var samples []Sample
	for samplesCh != nil || errCh != nil {
		select {
		case sample, ok := <-samplesCh:
			if !ok {
				samplesCh = nil
				continue
			}
			samples = append(samples, sample)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				t.Fatalf("StreamShard returned error: %v", err)
			}
			errCh = nil
		}
	}

	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
}

func TestStreamShardReportsIncompletePairs(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarEntry(tw, "lonely.png", []byte("png"))
	require.NoError(t, tw.Close())

	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	require.NoError(t, os.WriteFile(shard, buf.Bytes(), 0o644))

	samples, errCh := StreamShard(context.Background(), shard, 4)
	for range samples {
		t.Fatal("no complete sample expected")
	}
	require.Error(t, <-errCh)
}

func TestLoadShardsDecodesAndResizes(t *testing.T) {
	root := t.TempDir()
	buf := buildShard(map[string]filePair{
		"a": {imageExt: ".png", image: grayPNG(t, 56, 56, 255), label: 1},
		"b": {imageExt: ".png", image: grayPNG(t, 14, 20, 0), label: 4},
	})
	require.NoError(t, os.WriteFile(filepath.Join(root, "shard-000000.tar"), buf.Bytes(), 0o644))

	ds, err := LoadShards(context.Background(), []string{root}, ShardOptions{NumWorkers: 2, NumClasses: 10}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	assert.Equal(t, []int{2, ImageSize * ImageSize}, ds.Images.Shape)
	assert.ElementsMatch(t, []int{1, 4}, ds.Labels)

	for i, label := range ds.Labels {
		want := 0.0
		if label == 1 {
			want = 1
		}
		for _, v := range ds.Images.Row(i) {
			assert.InDelta(t, want, v, 1e-3)
		}
	}
}

func TestLoadShardsRejectsBadLabels(t *testing.T) {
	root := t.TempDir()
	buf := buildShard(map[string]filePair{
		"a": {imageExt: ".png", image: grayPNG(t, 4, 4, 10), label: 12},
	})
	require.NoError(t, os.WriteFile(filepath.Join(root, "shard-000000.tar"), buf.Bytes(), 0o644))

	_, err := LoadShards(context.Background(), []string{root}, ShardOptions{NumClasses: 10}, zerolog.Nop())
	require.Error(t, err)

	_, err = LoadShards(context.Background(), []string{t.TempDir()}, ShardOptions{}, zerolog.Nop())
	require.Error(t, err)
}

func grayPNG(t *testing.T, w, h int, level uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: level})
		}
	}
	out := &bytes.Buffer{}
	require.NoError(t, png.Encode(out, img))
	return out.Bytes()
}

func buildShard(data map[string]filePair) *bytes.Buffer {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for key, pair := range data {
		addTarEntry(tw, key+pair.imageExt, pair.image)
		addTarEntry(tw, key+".cls", []byte(strconv.Itoa(pair.label)))
	}
	tw.Close()
	return buf
}

type filePair struct {
	imageExt string
	image    []byte
	label    int
}

func addTarEntry(tw *tar.Writer, name string, data []byte) {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		panic(err)
	}
	if _, err := tw.Write(data); err != nil {
		panic(err)
	}
}
