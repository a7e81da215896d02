package tensor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTensor(t *testing.T, shape []int, data []float64) *Tensor {
	t.Helper()
	x, err := NewTensor(shape, data)
	require.NoError(t, err)
	return x
}

// numericGrad estimates d f / d x by central differences.
func numericGrad(t *testing.T, x *Tensor, f func() *Tensor) []float64 {
	t.Helper()
	const h = 1e-6
	grad := make([]float64, len(x.Data))
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + h
		up := f().Data[0]
		x.Data[i] = orig - h
		down := f().Data[0]
		x.Data[i] = orig
		grad[i] = (up - down) / (2 * h)
	}
	return grad
}

func checkGrad(t *testing.T, x *Tensor, f func() *Tensor) {
	t.Helper()
	x.SetRequiresGrad(true)
	ZeroGrad([]*Tensor{x})
	out := f()
	require.NoError(t, out.Backward())
	require.NotNil(t, x.Grad())
	want := numericGrad(t, x, f)
	assert.InDeltaSlice(t, want, x.Grad().Data, 1e-5)
}

func TestAutogradForward(t *testing.T) {
	a := mustTensor(t, []int{2, 2}, []float64{1, 2, 3, 4})
	b := mustTensor(t, []int{2, 2}, []float64{5, 6, 7, 8})
	a.SetRequiresGrad(true)

	sum, err := AddAutograd(a, b)
	require.NoError(t, err)
	assert.True(t, sum.RequiresGrad())
	assert.Equal(t, []float64{6, 8, 10, 12}, sum.Data)

	prod, err := MulAutograd(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 12, 21, 32}, prod.Data)

	mm, err := MatMulAutograd(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{19, 22, 43, 50}, mm.Data)

	bias := mustTensor(t, []int{2}, []float64{10, 20})
	shifted, err := AddAutograd(a, bias)
	require.NoError(t, err)
	assert.Equal(t, []float64{11, 22, 13, 24}, shifted.Data)

	_, err = AddAutograd(a, mustTensor(t, []int{3}, nil))
	assert.Error(t, err)
}

func TestNoGraphWithoutRequiresGrad(t *testing.T) {
	a := mustTensor(t, []int{2}, []float64{1, 2})
	b := mustTensor(t, []int{2}, []float64{3, 4})
	out, err := AddAutograd(a, b)
	require.NoError(t, err)
	assert.False(t, out.RequiresGrad())
	assert.Nil(t, out.Creator())
	assert.Error(t, SumAutograd(out).Backward())
}

func TestBackwardAccumulatesFanIn(t *testing.T) {
	// y = sum(x*x + x) => dy/dx = 2x + 1
	x := mustTensor(t, []int{3}, []float64{1, -2, 0.5})
	x.SetRequiresGrad(true)

	sq, err := MulAutograd(x, x)
	require.NoError(t, err)
	s, err := AddAutograd(sq, x)
	require.NoError(t, err)
	require.NoError(t, SumAutograd(s).Backward())

	assert.InDeltaSlice(t, []float64{3, -3, 2}, x.Grad().Data, 1e-12)

	// A second backward accumulates rather than replacing.
	sq, _ = MulAutograd(x, x)
	s, _ = AddAutograd(sq, x)
	require.NoError(t, SumAutograd(s).Backward())
	assert.InDeltaSlice(t, []float64{6, -6, 4}, x.Grad().Data, 1e-12)

	ZeroGrad([]*Tensor{x})
	assert.Nil(t, x.Grad())
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	w, err := Uniform(rng, 1, 3, 2)
	require.NoError(t, err)
	x, err := Uniform(rng, 1, 4, 3)
	require.NoError(t, err)
	bias, err := Uniform(rng, 1, 2)
	require.NoError(t, err)

	linear := func() *Tensor {
		h, err := MatMulAutograd(x, w)
		require.NoError(t, err)
		h, err = AddAutograd(h, bias)
		require.NoError(t, err)
		return SumAutograd(SoftplusAutograd(h))
	}

	t.Run("matmul weight", func(t *testing.T) { checkGrad(t, w, linear) })
	t.Run("matmul input", func(t *testing.T) { checkGrad(t, x, linear) })
	t.Run("bias broadcast", func(t *testing.T) { checkGrad(t, bias, linear) })

	t.Run("row distance", func(t *testing.T) {
		other, err := Uniform(rng, 1, 4, 3)
		require.NoError(t, err)
		checkGrad(t, x, func() *Tensor {
			d, err := RowDistanceAutograd(x, other, 1e-12)
			require.NoError(t, err)
			return SumAutograd(d)
		})
	})

	t.Run("index rows with repeats", func(t *testing.T) {
		checkGrad(t, x, func() *Tensor {
			g, err := IndexRowsAutograd(x, []int{2, 0, 2, 3})
			require.NoError(t, err)
			return SumAutograd(ReLUAutograd(AddScalarAutograd(g, 0.3)))
		})
	})

	t.Run("group mean", func(t *testing.T) {
		checkGrad(t, x, func() *Tensor {
			wide, err := ReshapeAutograd(x, []int{2, 6})
			require.NoError(t, err)
			g, err := GroupMeanAutograd(wide, 3)
			require.NoError(t, err)
			return SumAutograd(SoftplusAutograd(g))
		})
	})

	t.Run("cross entropy", func(t *testing.T) {
		checkGrad(t, x, func() *Tensor {
			ce, err := CrossEntropyAutograd(x, []int{0, 2, 1, 1})
			require.NoError(t, err)
			return ce
		})
	})

	t.Run("concat rows", func(t *testing.T) {
		y, err := Uniform(rng, 1, 2, 3)
		require.NoError(t, err)
		checkGrad(t, y, func() *Tensor {
			c, err := ConcatRowsAutograd(x, y)
			require.NoError(t, err)
			sq, err := MulAutograd(c, c)
			require.NoError(t, err)
			return MeanAutograd(ScaleAutograd(sq, 0.5))
		})
	})

	t.Run("stripe pool", func(t *testing.T) {
		img, err := Uniform(rng, 1, 2, 3, 4, 6)
		require.NoError(t, err)
		checkGrad(t, img, func() *Tensor {
			p, err := StripePoolAutograd(img, 2, 3)
			require.NoError(t, err)
			return SumAutograd(SoftplusAutograd(p))
		})
	})
}

func TestRowDistanceFloor(t *testing.T) {
	a := mustTensor(t, []int{2, 2}, []float64{0, 0, 1, 1})
	b := mustTensor(t, []int{2, 2}, []float64{0, 0, 4, 5})
	a.SetRequiresGrad(true)

	d, err := RowDistanceAutograd(a, b, 1e-12)
	require.NoError(t, err)
	assert.InDelta(t, 1e-6, d.Data[0], 1e-15)
	assert.InDelta(t, 5, d.Data[1], 1e-12)

	require.NoError(t, SumAutograd(d).Backward())
	assert.Equal(t, []float64{0, 0}, a.Grad().Row(0))
	assert.InDeltaSlice(t, []float64{-0.6, -0.8}, a.Grad().Row(1), 1e-12)
}

func TestCrossEntropyUniformLogits(t *testing.T) {
	logits := mustTensor(t, []int{2, 3}, nil)
	ce, err := CrossEntropyAutograd(logits, []int{0, 2})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(3), ce.Data[0], 1e-12)

	_, err = CrossEntropyAutograd(logits, []int{0, 3})
	assert.Error(t, err)
}

func TestSoftplusStable(t *testing.T) {
	assert.InDelta(t, math.Log1p(math.Exp(0.7)), Softplus(0.7), 1e-12)
	assert.InDelta(t, 800, Softplus(800), 1e-9)
	assert.InDelta(t, 0, Softplus(-800), 1e-12)
}
