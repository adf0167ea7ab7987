package tensor

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReshapeSharesData(t *testing.T) {
	x := New(2, 784)
	x.Data[785] = 1

	img, err := x.Reshape(-1, 28, 28, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 28, 28, 1}, img.Shape)

	img.Data[0] = 3
	assert.Equal(t, 3.0, x.Data[0])
	assert.Equal(t, 1.0, img.Row(1)[1])
}

func TestReshapeRejectsBadSize(t *testing.T) {
	x := New(3, 5)

	_, err := x.Reshape(4, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	var shapeErr *ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "reshape", shapeErr.Op)

	_, err = x.Reshape(-1, -1)
	require.Error(t, err)
}

func TestFromDataValidatesLength(t *testing.T) {
	_, err := FromData([]float64{1, 2, 3}, 2, 2)
	require.Error(t, err)

	x, err := FromData([]float64{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, x.Size())
	assert.Equal(t, 2, x.Dims())
}

func TestGather(t *testing.T) {
	x, err := FromData([]float64{0, 0, 1, 1, 2, 2}, 3, 2)
	require.NoError(t, err)

	g := Gather(x, []int{2, 0})
	assert.Equal(t, []int{2, 2}, g.Shape)
	assert.Equal(t, []float64{2, 2, 0, 0}, g.Data)
}

func TestCloneIsDeep(t *testing.T) {
	x := New(2)
	c := x.Clone()
	c.Data[0] = 7
	assert.Equal(t, 0.0, x.Data[0])
	assert.True(t, SameShape(x, c))
}

func TestShapeErrorLogsShapes(t *testing.T) {
	err := errors.Wrap(NewShapeError("dense_1", []int{-1, 4}, []int{2, 3}), "forward")
	se, ok := AsShapeError(err)
	require.True(t, ok)

	buf := &bytes.Buffer{}
	logger := zerolog.New(buf)
	logger.Error().Object("shape", se).Msg("bad input")

	var line struct {
		Shape struct {
			Op       string `json:"op"`
			Expected []int  `json:"expected"`
			Got      []int  `json:"got"`
		} `json:"shape"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dense_1", line.Shape.Op)
	assert.Equal(t, []int{-1, 4}, line.Shape.Expected)
	assert.Equal(t, []int{2, 3}, line.Shape.Got)

	_, ok = AsShapeError(errors.New("other"))
	assert.False(t, ok)
}
