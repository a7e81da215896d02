package training

import (
	"fmt"
)

// IdentitySubset exposes only the first limit identities of an index, for
// smoke runs on a slice of a large dataset.
type IdentitySubset struct {
	original IdentityIndex
	limit    int
}

// NewIdentitySubset wraps original. A limit larger than the number of
// identities is clamped.
func NewIdentitySubset(original IdentityIndex, limit int) (*IdentitySubset, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("identity limit must be positive, got %d", limit)
	}
	if limit > original.NumIdentities() {
		limit = original.NumIdentities()
	}
	return &IdentitySubset{original: original, limit: limit}, nil
}

func (s *IdentitySubset) NumIdentities() int {
	return s.limit
}

func (s *IdentitySubset) SamplesOf(identity int) []int {
	if identity < 0 || identity >= s.limit {
		return nil
	}
	return s.original.SamplesOf(identity)
}
