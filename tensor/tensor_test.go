package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTensor(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		data    []float64
		wantErr bool
	}{
		{"vector", []int{3}, []float64{1, 2, 3}, false},
		{"matrix zeros", []int{2, 3}, nil, false},
		{"length mismatch", []int{2, 2}, []float64{1, 2, 3}, true},
		{"zero dimension", []int{0, 2}, nil, true},
		{"no dimensions", []int{}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, err := NewTensor(tt.shape, tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.shape, x.Shape)
			assert.Len(t, x.Data, x.NumElems)
		})
	}
}

func TestStridesAndAt(t *testing.T) {
	x := mustTensor(t, []int{2, 3}, []float64{0, 1, 2, 3, 4, 5})
	assert.Equal(t, []int{3, 1}, x.Strides)

	v, err := x.At(1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	_, err = x.At(2, 0)
	assert.Error(t, err)
	assert.Equal(t, []float64{3, 4, 5}, x.Row(1))
}

func TestReshape(t *testing.T) {
	x := mustTensor(t, []int{2, 6}, nil)

	r, err := x.Reshape([]int{3, -1})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, r.Shape)

	_, err = x.Reshape([]int{5, -1})
	assert.Error(t, err)
	_, err = x.Reshape([]int{-1, -1})
	assert.Error(t, err)
	_, err = x.Reshape([]int{4, 4})
	assert.Error(t, err)
}

func TestCloneDetachCopyFrom(t *testing.T) {
	x := mustTensor(t, []int{2}, []float64{1, 2})
	x.SetRequiresGrad(true)

	c := x.Clone()
	c.Data[0] = 9
	assert.Equal(t, 1.0, x.Data[0])

	d := x.Detach()
	assert.False(t, d.RequiresGrad())
	d.Data[1] = 7
	assert.Equal(t, 7.0, x.Data[1])

	require.NoError(t, x.CopyFrom([]float64{3, 4}))
	assert.Equal(t, []float64{3, 4}, x.Data)
	assert.Error(t, x.CopyFrom([]float64{1}))
}

func TestStackAndMatMul(t *testing.T) {
	a := mustTensor(t, []int{3}, []float64{1, 2, 3})
	b := mustTensor(t, []int{3}, []float64{4, 5, 6})
	s, err := Stack([]*Tensor{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, s.Shape)

	g, err := Gram(s)
	require.NoError(t, err)
	assert.Equal(t, []float64{14, 32, 32, 77}, g.Data)

	tr, err := Transpose(s)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, tr.Data)

	_, err = MatMul(s, s)
	assert.Error(t, err)
}

func TestItemAndHasNaN(t *testing.T) {
	v, err := FromScalar(2.5).Item()
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	_, err = mustTensor(t, []int{2}, nil).Item()
	assert.Error(t, err)

	x := mustTensor(t, []int{2}, []float64{1, 0})
	assert.False(t, x.HasNaN())
	x.Data[1] = x.Data[1] / x.Data[1]
	assert.True(t, x.HasNaN())
}
