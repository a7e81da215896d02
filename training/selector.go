package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-reid/tensor"
)

// DistanceFloor clamps squared distances before the square root so
// floating-point cancellation never yields a negative radicand and the
// gradient of sqrt stays finite.
const DistanceFloor = 1e-12

// PairwiseDistances returns the symmetric N×N Euclidean distance matrix of
// the rows of emb, computed as sqrt(max(|a|²-2a·b+|b|², floor)) with a zero
// diagonal. The result carries no gradient.
func PairwiseDistances(emb *tensor.Tensor) (*tensor.Tensor, error) {
	if len(emb.Shape) != 2 {
		return nil, fmt.Errorf("pairwise distances require [N,D] embeddings, got %v", emb.Shape)
	}
	gram, err := tensor.Gram(emb.Detach())
	if err != nil {
		return nil, err
	}

	n := emb.Shape[0]
	dist, err := tensor.NewTensor([]int{n, n}, nil)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		sqI := gram.Data[i*n+i]
		for j := i + 1; j < n; j++ {
			sq := sqI - 2*gram.Data[i*n+j] + gram.Data[j*n+j]
			d := math.Sqrt(math.Max(sq, DistanceFloor))
			dist.Data[i*n+j] = d
			dist.Data[j*n+i] = d
		}
	}
	return dist, nil
}

// MineHardest picks, for every anchor i, the farthest sample with the same
// label (j != i) and the nearest sample with a different label. Ties go to
// the lowest index.
func MineHardest(dist *tensor.Tensor, labels []int) (positives, negatives []int, err error) {
	n := len(labels)
	if len(dist.Shape) != 2 || dist.Shape[0] != n || dist.Shape[1] != n {
		return nil, nil, fmt.Errorf("distance matrix shape %v does not match %d labels", dist.Shape, n)
	}

	positives = make([]int, n)
	negatives = make([]int, n)
	for i := 0; i < n; i++ {
		row := dist.Row(i)
		pos, neg := -1, -1
		for j, d := range row {
			if labels[j] == labels[i] {
				if j != i && (pos < 0 || d > row[pos]) {
					pos = j
				}
			} else if neg < 0 || d < row[neg] {
				neg = j
			}
		}
		if pos < 0 {
			return nil, nil, newDataIntegrityError(labels[i], ErrNoPositive, "anchor %d: %v", i, ErrNoPositive)
		}
		if neg < 0 {
			return nil, nil, newDataIntegrityError(labels[i], ErrNoNegative, "anchor %d: %v", i, ErrNoNegative)
		}
		positives[i] = pos
		negatives[i] = neg
	}
	return positives, negatives, nil
}

// Triplets holds the aligned anchor, positive and negative embeddings of a
// batch. Positives and Negatives are differentiable gathers of the anchor
// rows, so gradients flow back into the embedding.
type Triplets struct {
	Distances     *tensor.Tensor // detached N×N matrix used for mining
	Anchors       *tensor.Tensor
	Positives     *tensor.Tensor
	Negatives     *tensor.Tensor
	PositiveIndex []int
	NegativeIndex []int
}

// SelectBatchHard mines one batch-hard triplet per anchor.
func SelectBatchHard(emb *tensor.Tensor, labels []int) (*Triplets, error) {
	if len(emb.Shape) != 2 || emb.Shape[0] != len(labels) {
		return nil, fmt.Errorf("embeddings %v do not match %d labels", emb.Shape, len(labels))
	}
	dist, err := PairwiseDistances(emb)
	if err != nil {
		return nil, err
	}
	pos, neg, err := MineHardest(dist, labels)
	if err != nil {
		return nil, err
	}

	positives, err := tensor.IndexRowsAutograd(emb, pos)
	if err != nil {
		return nil, fmt.Errorf("gather positives: %w", err)
	}
	negatives, err := tensor.IndexRowsAutograd(emb, neg)
	if err != nil {
		return nil, fmt.Errorf("gather negatives: %w", err)
	}

	return &Triplets{
		Distances:     dist,
		Anchors:       emb,
		Positives:     positives,
		Negatives:     negatives,
		PositiveIndex: pos,
		NegativeIndex: neg,
	}, nil
}
