package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-reid/tensor"
)

func scalar(v float64) *tensor.Tensor {
	s := tensor.FromScalar(v)
	s.SetRequiresGrad(true)
	return s
}

func TestCrossEntropyLossUniformLogits(t *testing.T) {
	logits, err := tensor.Zeros(4, 3)
	require.NoError(t, err)
	logits.SetRequiresGrad(true)

	loss, err := NewCrossEntropyLoss().Forward(logits, []int{0, 1, 2, 0})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(3), loss.Data[0], 1e-12)

	require.NoError(t, loss.Backward())
	// (softmax - onehot) / N
	assert.InDelta(t, (1.0/3-1)/4, logits.Grad().Data[0], 1e-12)
	assert.InDelta(t, (1.0/3)/4, logits.Grad().Data[1], 1e-12)

	_, err = NewCrossEntropyLoss().Forward(logits, []int{0, 1, 3, 0})
	assert.Error(t, err)
}

func TestLossWeightsCombine(t *testing.T) {
	terms := LossTerms{
		TripletGlobal:  scalar(1),
		TripletLocal:   scalar(2),
		BranchGlobalID: scalar(3),
		BranchLocalID:  scalar(4),
		FusedGlobalID:  scalar(5),
		FusedLocalID:   scalar(6),
	}

	w := DefaultLossWeights()
	total, err := w.Combine(terms)
	require.NoError(t, err)
	// 1.5*3 + 0.5*7 + 1*11
	assert.InDelta(t, 19.0, total.Data[0], 1e-12)

	require.NoError(t, total.Backward())
	assert.InDelta(t, 1.5, terms.TripletGlobal.Grad().Data[0], 1e-12)
	assert.InDelta(t, 0.5, terms.BranchLocalID.Grad().Data[0], 1e-12)
	assert.InDelta(t, 1.0, terms.FusedLocalID.Grad().Data[0], 1e-12)

	values, err := terms.Values(total)
	require.NoError(t, err)
	assert.Equal(t, LossValues{1, 2, 3, 4, 5, 6, 19}, values)

	terms.FusedLocalID = nil
	_, err = w.Combine(terms)
	assert.Error(t, err)
}

func TestLossValuesRejectNonFinite(t *testing.T) {
	terms := LossTerms{
		TripletGlobal:  scalar(math.NaN()),
		TripletLocal:   scalar(0),
		BranchGlobalID: scalar(0),
		BranchLocalID:  scalar(0),
		FusedGlobalID:  scalar(0),
		FusedLocalID:   scalar(0),
	}
	_, err := terms.Values(scalar(0))
	assert.ErrorIs(t, err, ErrNonFiniteLoss)
}

func TestLossWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultLossWeights().Validate())
	assert.ErrorIs(t, LossWeights{Triplet: -1}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, LossWeights{FusedID: math.Inf(1)}.Validate(), ErrInvalidConfig)
}
