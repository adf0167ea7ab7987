package tensor

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// Tensor is a dense n-d array backed by a flat []float64 in row-major order.
type Tensor struct {
	Data  []float64
	Shape []int
}

// ErrShapeMismatch is the sentinel matched by every *ShapeError.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// ShapeError reports an operation that received a tensor of the wrong shape.
type ShapeError struct {
	Op       string
	Expected []int
	Got      []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("tensor: %s: expected shape %v, got %v", e.Op, e.Expected, e.Got)
}

func (e *ShapeError) Is(target error) bool { return target == ErrShapeMismatch }

// MarshalZerologObject adds the shapes to a log event.
func (e *ShapeError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("op", e.Op).
		Ints("expected", e.Expected).
		Ints("got", e.Got)
}

// AsShapeError returns the first *ShapeError in err's chain.
func AsShapeError(err error) (*ShapeError, bool) {
	var se *ShapeError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// NewShapeError builds a *ShapeError with a stack trace attached.
func NewShapeError(op string, expected, got []int) error {
	return errors.WithStack(&ShapeError{
		Op:       op,
		Expected: append([]int(nil), expected...),
		Got:      append([]int(nil), got...),
	})
}

// New allocates a zeroed Tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Data:  make([]float64, volume(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// FromData wraps data without copying. len(data) must match the shape volume.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if len(data) != volume(shape) {
		return nil, NewShapeError("from_data", shape, []int{len(data)})
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...)}, nil
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Dims returns the number of axes.
func (t *Tensor) Dims() int { return len(t.Shape) }

// Reshape returns a view sharing t's data. A single -1 dimension is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				return nil, errors.Newf("tensor: reshape %v: more than one inferred dimension", shape)
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, NewShapeError("reshape", shape, t.Shape)
		}
		shape[infer] = len(t.Data) / known
	}
	if volume(shape) != len(t.Data) {
		return nil, NewShapeError("reshape", shape, t.Shape)
	}
	return &Tensor{Data: t.Data, Shape: shape}, nil
}

// Clone deep-copies t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Data:  append([]float64(nil), t.Data...),
		Shape: append([]int(nil), t.Shape...),
	}
}

// Row returns the i-th slice along the first axis as a view.
func (t *Tensor) Row(i int) []float64 {
	stride := len(t.Data) / t.Shape[0]
	return t.Data[i*stride : (i+1)*stride]
}

// Zero sets every element to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return EqualShape(a.Shape, b.Shape)
}

// EqualShape compares two shapes.
func EqualShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Gather builds a new tensor from the given rows of t, in order.
func Gather(t *Tensor, rows []int) *Tensor {
	shape := append([]int(nil), t.Shape...)
	shape[0] = len(rows)
	out := New(shape...)
	stride := 0
	if t.Shape[0] > 0 {
		stride = len(t.Data) / t.Shape[0]
	}
	for i, r := range rows {
		copy(out.Data[i*stride:(i+1)*stride], t.Data[r*stride:(r+1)*stride])
	}
	return out
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
