package training

import (
	"fmt"

	"github.com/tsawler/go-reid/tensor"
)

// TripletLoss is the hard-margin loss mean(max(0, d_ap - d_an + margin))
// when a margin is set, and the soft-margin loss mean(log(1+exp(d_ap - d_an)))
// otherwise.
type TripletLoss struct {
	margin *float64
}

// NewTripletLoss returns a hard-margin loss for a non-nil margin and a
// soft-margin loss for nil.
func NewTripletLoss(margin *float64) *TripletLoss {
	if margin == nil {
		return &TripletLoss{}
	}
	m := *margin
	return &TripletLoss{margin: &m}
}

// SoftMargin reports whether the loss runs without a margin.
func (l *TripletLoss) SoftMargin() bool {
	return l.margin == nil
}

// Forward computes the loss for mined triplets.
func (l *TripletLoss) Forward(t *Triplets) (*tensor.Tensor, error) {
	dap, err := tensor.RowDistanceAutograd(t.Anchors, t.Positives, DistanceFloor)
	if err != nil {
		return nil, fmt.Errorf("anchor-positive distance: %w", err)
	}
	dan, err := tensor.RowDistanceAutograd(t.Anchors, t.Negatives, DistanceFloor)
	if err != nil {
		return nil, fmt.Errorf("anchor-negative distance: %w", err)
	}
	return l.FromDistances(dap, dan)
}

// FromDistances computes the loss from aligned anchor-positive and
// anchor-negative distance vectors.
func (l *TripletLoss) FromDistances(dap, dan *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.SubAutograd(dap, dan)
	if err != nil {
		return nil, err
	}
	if l.margin == nil {
		return tensor.MeanAutograd(tensor.SoftplusAutograd(diff)), nil
	}
	return tensor.MeanAutograd(tensor.ReLUAutograd(tensor.AddScalarAutograd(diff, *l.margin))), nil
}

// TripletStats summarizes mined triplets for logging.
type TripletStats struct {
	MeanPositive float64 // mean d(anchor, positive)
	MeanNegative float64 // mean d(anchor, negative)
	// ActiveFraction is the share of triplets with d_an < d_ap + margin
	// (margin 0 for the soft-margin loss).
	ActiveFraction float64
}

// Stats reads the mined distances from the matrix used for mining.
func (l *TripletLoss) Stats(t *Triplets) TripletStats {
	n := len(t.PositiveIndex)
	dist := t.Distances
	if n == 0 || dist == nil {
		return TripletStats{}
	}
	margin := 0.0
	if l.margin != nil {
		margin = *l.margin
	}
	var sumP, sumN float64
	active := 0
	for i := 0; i < n; i++ {
		dp := dist.Data[i*n+t.PositiveIndex[i]]
		dn := dist.Data[i*n+t.NegativeIndex[i]]
		sumP += dp
		sumN += dn
		if dp-dn+margin > 0 {
			active++
		}
	}
	return TripletStats{
		MeanPositive:   sumP / float64(n),
		MeanNegative:   sumN / float64(n),
		ActiveFraction: float64(active) / float64(n),
	}
}
