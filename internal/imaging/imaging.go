// Package imaging converts between encoded images, grayscale planes and the
// [0,1] float pixels the network consumes.
package imaging

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/image/draw"
)

// Decode parses a PNG or JPEG and converts it to 16-bit grayscale.
func Decode(raw []byte) (*image.Gray16, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("imaging: empty image")
	}
	gray := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray, nil
}

// DecodeFile reads and decodes the image at path.
func DecodeFile(path string) (*image.Gray16, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	gray, err := Decode(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return gray, nil
}

// FromPixels builds a grayscale image from h*w row-major values in [0,1].
// Values outside the range are clamped.
func FromPixels(pixels []float64, h, w int) (*image.Gray16, error) {
	if len(pixels) != h*w || h <= 0 || w <= 0 {
		return nil, errors.Newf("imaging: %d pixels do not fill %dx%d", len(pixels), h, w)
	}
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := pixels[y*w+x]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v*0xffff + 0.5)})
		}
	}
	return img, nil
}

// Pixels returns the image as row-major values in [0,1].
func Pixels(img *image.Gray16) []float64 {
	b := img.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out = append(out, float64(img.Gray16At(x, y).Y)/0xffff)
		}
	}
	return out
}

// Resize scales img to w×h with bilinear interpolation.
func Resize(img image.Image, w, h int) *image.Gray16 {
	dst := image.NewGray16(image.Rect(0, 0, w, h))
	if img.Bounds().Dx() == w && img.Bounds().Dy() == h {
		draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ResizePixels resizes an h×w plane of [0,1] values to outH×outW.
func ResizePixels(pixels []float64, h, w, outH, outW int) ([]float64, error) {
	img, err := FromPixels(pixels, h, w)
	if err != nil {
		return nil, err
	}
	return Pixels(Resize(img, outW, outH)), nil
}
