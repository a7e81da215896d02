package training

import (
	"fmt"
)

// IDTargetMode selects the labels the classifier is trained against.
type IDTargetMode string

const (
	// IDTargetsSlot labels each identity block by its position in the
	// batch, so the classifier has P outputs.
	IDTargetsSlot IDTargetMode = "slot"
	// IDTargetsIdentity uses the dataset's dense identity ids, so the
	// classifier has one output per identity.
	IDTargetsIdentity IDTargetMode = "identity"
)

func (m IDTargetMode) Validate() error {
	switch m {
	case IDTargetsSlot, IDTargetsIdentity:
		return nil
	default:
		return fmt.Errorf("%w: unknown id_targets %q", ErrInvalidConfig, string(m))
	}
}

// SlotLabels returns the label vector for a P×K batch: 0..P-1, each
// repeated K times in contiguous blocks.
func SlotLabels(p, k int) []int {
	if p <= 0 || k <= 0 {
		return nil
	}
	labels := make([]int, 0, p*k)
	for slot := 0; slot < p; slot++ {
		for j := 0; j < k; j++ {
			labels = append(labels, slot)
		}
	}
	return labels
}

// ClassifierWidth returns the number of classifier outputs the mode needs.
func ClassifierWidth(mode IDTargetMode, p, numIdentities int) int {
	if mode == IDTargetsIdentity {
		return numIdentities
	}
	return p
}

// Targets returns the classification targets for a batch.
func Targets(mode IDTargetMode, batch *Batch) []int {
	if mode == IDTargetsIdentity {
		out := make([]int, len(batch.Identities))
		copy(out, batch.Identities)
		return out
	}
	return SlotLabels(batch.P, batch.K)
}

// ValidateLayout checks that identities form P contiguous blocks of K equal
// labels with P distinct values.
func ValidateLayout(identities []int, p, k int) error {
	if p <= 0 || k <= 0 {
		return newDataIntegrityError(-1, nil, "invalid layout P=%d K=%d", p, k)
	}
	if len(identities) != p*k {
		return newDataIntegrityError(-1, nil, "batch has %d samples, expected P*K=%d", len(identities), p*k)
	}
	seen := make(map[int]bool, p)
	for block := 0; block < p; block++ {
		id := identities[block*k]
		if seen[id] {
			return newDataIntegrityError(id, nil, "appears in more than one block")
		}
		seen[id] = true
		for j := 1; j < k; j++ {
			if identities[block*k+j] != id {
				return newDataIntegrityError(id, nil, "block %d is not contiguous: position %d has identity %d",
					block, j, identities[block*k+j])
			}
		}
	}
	return nil
}
