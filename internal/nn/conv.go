package nn

import (
	"math/rand"
	"sync"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"digitforge/internal/parallel"
	"digitforge/internal/tensor"
)

// Conv2D is a stride-1 NHWC convolution computed per sample as an im2col
// matrix product. The kernel is laid out [k, k, inC, filters].
type Conv2D struct {
	spec    LayerSpec
	inH     int
	inW     int
	inC     int
	outH    int
	outW    int
	pad     int
	workers int

	kernel *Param
	bias   *Param

	lastInput *tensor.Tensor
}

func newConv2D(spec LayerSpec, in []int, workers int, rng *rand.Rand) (*Conv2D, []int, error) {
	if len(in) != 3 {
		return nil, nil, errors.Newf("nn: %s expects [h, w, c] input, got %v", spec.Name, in)
	}
	if spec.Filters <= 0 || spec.Kernel <= 0 {
		return nil, nil, errors.Newf("nn: %s: filters and kernel must be > 0", spec.Name)
	}
	c := &Conv2D{spec: spec, inH: in[0], inW: in[1], inC: in[2], workers: workers}
	switch spec.Padding {
	case "same":
		c.pad = (spec.Kernel - 1) / 2
		c.outH, c.outW = c.inH, c.inW
	case "valid", "":
		c.spec.Padding = "valid"
		c.outH = c.inH - spec.Kernel + 1
		c.outW = c.inW - spec.Kernel + 1
	default:
		return nil, nil, errors.Newf("nn: %s: unknown padding %q", spec.Name, spec.Padding)
	}
	if c.outH <= 0 || c.outW <= 0 {
		return nil, nil, errors.Newf("nn: %s: kernel %d larger than input %v", spec.Name, spec.Kernel, in)
	}

	k := spec.Kernel
	c.kernel = newTrainable(spec.Name+"/kernel", k, k, c.inC, spec.Filters)
	c.bias = newTrainable(spec.Name+"/bias", spec.Filters)
	glorotUniform(c.kernel, k*k*c.inC, k*k*spec.Filters, rng)
	return c, []int{c.outH, c.outW, spec.Filters}, nil
}

func (c *Conv2D) Spec() LayerSpec   { return c.spec }
func (c *Conv2D) Params() []*Param { return []*Param{c.kernel, c.bias} }

func (c *Conv2D) Forward(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	if err := checkInput(c.spec.Name, x, []int{c.inH, c.inW, c.inC}); err != nil {
		return nil, err
	}
	n := x.Shape[0]
	out := tensor.New(n, c.outH, c.outW, c.spec.Filters)
	w := c.kernelMatrix()
	rows, cols := c.outH*c.outW, c.colWidth()

	parallel.ForEach(n, c.workers, func(i int) {
		col := mat.NewDense(rows, cols, c.im2col(x.Row(i)))
		y := mat.NewDense(rows, c.spec.Filters, out.Row(i))
		y.Mul(col, w)
		for r := 0; r < rows; r++ {
			floats.Add(y.RawRowView(r), c.bias.Value.Data)
		}
	})

	c.lastInput = x
	return out, nil
}

func (c *Conv2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if c.lastInput == nil {
		return nil, errNoForward
	}
	if err := checkInput(c.spec.Name+"_grad", grad, []int{c.outH, c.outW, c.spec.Filters}); err != nil {
		return nil, err
	}
	x := c.lastInput
	n := x.Shape[0]
	dx := tensor.New(x.Shape...)
	w := c.kernelMatrix()
	rows, cols := c.outH*c.outW, c.colWidth()

	var mu sync.Mutex
	parallel.ForEach(n, c.workers, func(i int) {
		col := mat.NewDense(rows, cols, c.im2col(x.Row(i)))
		g := mat.NewDense(rows, c.spec.Filters, grad.Row(i))

		var dw mat.Dense
		dw.Mul(col.T(), g)
		db := make([]float64, c.spec.Filters)
		for r := 0; r < rows; r++ {
			floats.Add(db, g.RawRowView(r))
		}

		var dcol mat.Dense
		dcol.Mul(g, w.T())
		c.col2im(dcol.RawMatrix().Data, dx.Row(i))

		mu.Lock()
		floats.Add(c.kernel.Grad.Data, dw.RawMatrix().Data)
		floats.Add(c.bias.Grad.Data, db)
		mu.Unlock()
	})
	return dx, nil
}

func (c *Conv2D) colWidth() int { return c.spec.Kernel * c.spec.Kernel * c.inC }

func (c *Conv2D) kernelMatrix() *mat.Dense {
	return mat.NewDense(c.colWidth(), c.spec.Filters, c.kernel.Value.Data)
}

// im2col lays out one HWC sample as [outH*outW, k*k*inC]; out-of-bounds taps are zero.
func (c *Conv2D) im2col(img []float64) []float64 {
	k := c.spec.Kernel
	width := c.colWidth()
	col := make([]float64, c.outH*c.outW*width)
	for oy := 0; oy < c.outH; oy++ {
		for ox := 0; ox < c.outW; ox++ {
			row := col[(oy*c.outW+ox)*width:]
			for ky := 0; ky < k; ky++ {
				iy := oy + ky - c.pad
				if iy < 0 || iy >= c.inH {
					continue
				}
				for kx := 0; kx < k; kx++ {
					ix := ox + kx - c.pad
					if ix < 0 || ix >= c.inW {
						continue
					}
					src := img[(iy*c.inW+ix)*c.inC : (iy*c.inW+ix+1)*c.inC]
					copy(row[(ky*k+kx)*c.inC:], src)
				}
			}
		}
	}
	return col
}

// col2im scatters-adds column gradients back onto an HWC sample.
func (c *Conv2D) col2im(col, img []float64) {
	k := c.spec.Kernel
	width := c.colWidth()
	for oy := 0; oy < c.outH; oy++ {
		for ox := 0; ox < c.outW; ox++ {
			row := col[(oy*c.outW+ox)*width:]
			for ky := 0; ky < k; ky++ {
				iy := oy + ky - c.pad
				if iy < 0 || iy >= c.inH {
					continue
				}
				for kx := 0; kx < k; kx++ {
					ix := ox + kx - c.pad
					if ix < 0 || ix >= c.inW {
						continue
					}
					dst := img[(iy*c.inW+ix)*c.inC : (iy*c.inW+ix+1)*c.inC]
					floats.Add(dst, row[(ky*k+kx)*c.inC:(ky*k+kx+1)*c.inC])
				}
			}
		}
	}
}
