package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-reid/tensor"
)

func distances(t *testing.T, values ...float64) *tensor.Tensor {
	t.Helper()
	d, err := tensor.NewTensor([]int{len(values)}, values)
	require.NoError(t, err)
	d.SetRequiresGrad(true)
	return d
}

func TestTripletLossHardMargin(t *testing.T) {
	loss := NewTripletLoss(floatPtr(0.2))
	assert.False(t, loss.SoftMargin())

	out, err := loss.FromDistances(distances(t, 1.0), distances(t, 0.3))
	require.NoError(t, err)
	v, err := out.Item()
	require.NoError(t, err)
	assert.InDelta(t, 0.9, v, 1e-12)
}

func TestTripletLossSoftMargin(t *testing.T) {
	loss := NewTripletLoss(nil)
	assert.True(t, loss.SoftMargin())

	out, err := loss.FromDistances(distances(t, 1.0), distances(t, 0.3))
	require.NoError(t, err)
	v, err := out.Item()
	require.NoError(t, err)
	assert.InDelta(t, math.Log(1+math.Exp(0.7)), v, 1e-12)
	assert.InDelta(t, 1.0981, v, 1e-4)
}

func TestTripletLossHardMarginClampsAndAverages(t *testing.T) {
	loss := NewTripletLoss(floatPtr(0.5))
	dap := distances(t, 1.0, 0.2, 2.0)
	dan := distances(t, 0.5, 3.0, 2.0)

	out, err := loss.FromDistances(dap, dan)
	require.NoError(t, err)
	// (1.0 + 0 + 0.5) / 3
	assert.InDelta(t, 0.5, out.Data[0], 1e-12)

	require.NoError(t, out.Backward())
	third := 1.0 / 3
	assert.InDeltaSlice(t, []float64{third, 0, third}, dap.Grad().Data, 1e-12)
	assert.InDeltaSlice(t, []float64{-third, 0, -third}, dan.Grad().Data, 1e-12)
}

func TestTripletLossMarginIsCopied(t *testing.T) {
	m := 0.2
	loss := NewTripletLoss(&m)
	m = 5

	out, err := loss.FromDistances(distances(t, 1.0), distances(t, 0.3))
	require.NoError(t, err)
	assert.InDelta(t, 0.9, out.Data[0], 1e-12)
}

func TestTripletLossForwardGradientsReachEmbeddings(t *testing.T) {
	emb, err := tensor.NewTensor([]int{4, 2}, []float64{
		0, 0,
		0, 1,
		0.5, 0,
		3, 0,
	})
	require.NoError(t, err)
	emb.SetRequiresGrad(true)

	triplets, err := SelectBatchHard(emb, []int{0, 0, 1, 1})
	require.NoError(t, err)

	loss := NewTripletLoss(floatPtr(0.3))
	out, err := loss.Forward(triplets)
	require.NoError(t, err)
	assert.Greater(t, out.Data[0], 0.0)

	require.NoError(t, out.Backward())
	require.NotNil(t, emb.Grad())
	assert.False(t, emb.Grad().HasNaN())

	stats := loss.Stats(triplets)
	assert.Greater(t, stats.ActiveFraction, 0.0)
	assert.LessOrEqual(t, stats.ActiveFraction, 1.0)
	assert.Greater(t, stats.MeanNegative, 0.0)
}
