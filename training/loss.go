package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-reid/tensor"
)

// CrossEntropyLoss implements the mean softmax cross-entropy over a batch of
// logits against integer class targets.
type CrossEntropyLoss struct{}

func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward computes the mean cross entropy.
func (ce *CrossEntropyLoss) Forward(logits *tensor.Tensor, targets []int) (*tensor.Tensor, error) {
	return tensor.CrossEntropyAutograd(logits, targets)
}

// LossWeights are the fixed coefficients of the combined objective.
type LossWeights struct {
	Triplet  float64 `yaml:"triplet"`   // w1: global + local triplet terms
	BranchID float64 `yaml:"branch_id"` // w2: main-branch identity terms
	FusedID  float64 `yaml:"fused_id"`  // w3: fused identity terms
}

// DefaultLossWeights returns the weights 1.5, 0.5 and 1.
func DefaultLossWeights() LossWeights {
	return LossWeights{Triplet: 1.5, BranchID: 0.5, FusedID: 1}
}

func (w LossWeights) Validate() error {
	for name, v := range map[string]float64{"triplet": w.Triplet, "branch_id": w.BranchID, "fused_id": w.FusedID} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: weight %s=%g must be finite and non-negative", ErrInvalidConfig, name, v)
		}
	}
	return nil
}

// LossTerms are the six scalar terms of one iteration.
type LossTerms struct {
	TripletGlobal  *tensor.Tensor
	TripletLocal   *tensor.Tensor
	BranchGlobalID *tensor.Tensor
	BranchLocalID  *tensor.Tensor
	FusedGlobalID  *tensor.Tensor
	FusedLocalID   *tensor.Tensor
}

// LossValues is the numeric snapshot of LossTerms plus the total.
type LossValues struct {
	TripletGlobal  float64
	TripletLocal   float64
	BranchGlobalID float64
	BranchLocalID  float64
	FusedGlobalID  float64
	FusedLocalID   float64
	Total          float64
}

// Combine returns
// total = w1*(tg+tl) + w2*(bg+bl) + w3*(fg+fl).
func (w LossWeights) Combine(terms LossTerms) (*tensor.Tensor, error) {
	pairs := []struct {
		a, b   *tensor.Tensor
		weight float64
	}{
		{terms.TripletGlobal, terms.TripletLocal, w.Triplet},
		{terms.BranchGlobalID, terms.BranchLocalID, w.BranchID},
		{terms.FusedGlobalID, terms.FusedLocalID, w.FusedID},
	}

	var total *tensor.Tensor
	for _, p := range pairs {
		if p.a == nil || p.b == nil {
			return nil, fmt.Errorf("combine: missing loss term")
		}
		sum, err := tensor.AddAutograd(p.a, p.b)
		if err != nil {
			return nil, err
		}
		weighted := tensor.ScaleAutograd(sum, p.weight)
		if total == nil {
			total = weighted
			continue
		}
		if total, err = tensor.AddAutograd(total, weighted); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// Values reads the scalar value of every term.
func (terms LossTerms) Values(total *tensor.Tensor) (LossValues, error) {
	v := LossValues{
		TripletGlobal:  terms.TripletGlobal.Data[0],
		TripletLocal:   terms.TripletLocal.Data[0],
		BranchGlobalID: terms.BranchGlobalID.Data[0],
		BranchLocalID:  terms.BranchLocalID.Data[0],
		FusedGlobalID:  terms.FusedGlobalID.Data[0],
		FusedLocalID:   terms.FusedLocalID.Data[0],
		Total:          total.Data[0],
	}
	for name, x := range map[string]float64{
		"triplet_global": v.TripletGlobal, "triplet_local": v.TripletLocal,
		"branch_global_id": v.BranchGlobalID, "branch_local_id": v.BranchLocalID,
		"fused_global_id": v.FusedGlobalID, "fused_local_id": v.FusedLocalID,
		"total": v.Total,
	} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return v, fmt.Errorf("%w: %s=%g", ErrNonFiniteLoss, name, x)
		}
	}
	return v, nil
}
