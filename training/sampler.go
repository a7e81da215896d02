package training

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// IdentityIndex is a dataset partitioned by identity. Identities are dense
// integers in [0, NumIdentities()).
type IdentityIndex interface {
	NumIdentities() int
	// SamplesOf returns the dataset indices of every sample of identity.
	SamplesOf(identity int) []int
}

// BatchPlan is the sampler's output: which samples make up a batch, laid
// out as P contiguous blocks of K samples.
type BatchPlan struct {
	Indices    []int
	Identities []int
	P          int
	K          int
}

// BatchSampler draws identity-balanced P×K batches. Identities are taken
// without replacement within a pass; each pass yields floor(M/P) batches
// and ends with ErrStreamExhausted. Reset reshuffles for the next pass.
type BatchSampler struct {
	index IdentityIndex
	p, k  int
	rng   *rand.Rand

	order []int
	pos   int
}

// NewBatchSampler validates the index against (p,k) and shuffles the first
// pass.
func NewBatchSampler(index IdentityIndex, p, k int, rng *rand.Rand) (*BatchSampler, error) {
	if p < 1 {
		return nil, fmt.Errorf("%w: P must be at least 1, got %d", ErrInvalidConfig, p)
	}
	if k < 2 {
		return nil, fmt.Errorf("%w: K must be at least 2 so every anchor has a positive, got %d", ErrInvalidConfig, k)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: sampler needs a random source", ErrInvalidConfig)
	}

	m := index.NumIdentities()
	if m == 0 {
		return nil, newDataIntegrityError(-1, nil, "dataset has no identities")
	}
	for id := 0; id < m; id++ {
		if len(index.SamplesOf(id)) == 0 {
			return nil, newDataIntegrityError(id, nil, "identity group is empty")
		}
	}
	if p > m {
		return nil, newDataIntegrityError(-1, nil, "P=%d exceeds the %d available identities", p, m)
	}

	s := &BatchSampler{index: index, p: p, k: k, rng: rng, order: make([]int, m)}
	s.Reset()
	return s, nil
}

// Reset starts a new pass with a fresh identity order.
func (s *BatchSampler) Reset() {
	for i := range s.order {
		s.order[i] = i
	}
	s.rng.Shuffle(len(s.order), func(i, j int) {
		s.order[i], s.order[j] = s.order[j], s.order[i]
	})
	s.pos = 0
}

// BatchesPerPass is floor(M/P).
func (s *BatchSampler) BatchesPerPass() int {
	return len(s.order) / s.p
}

// Next returns the next plan of the current pass, or ErrStreamExhausted.
func (s *BatchSampler) Next() (BatchPlan, error) {
	if s.pos+s.p > len(s.order) {
		return BatchPlan{}, ErrStreamExhausted
	}

	ids := s.order[s.pos : s.pos+s.p]
	s.pos += s.p

	plan := BatchPlan{
		Indices:    make([]int, 0, s.p*s.k),
		Identities: make([]int, 0, s.p*s.k),
		P:          s.p,
		K:          s.k,
	}
	for _, id := range ids {
		samples := s.index.SamplesOf(id)
		if len(samples) == 0 {
			return BatchPlan{}, newDataIntegrityError(id, nil, "identity group is empty")
		}
		for _, idx := range s.pick(samples) {
			plan.Indices = append(plan.Indices, idx)
			plan.Identities = append(plan.Identities, id)
		}
	}
	return plan, nil
}

// pick draws K samples, without replacement when the group is large enough.
func (s *BatchSampler) pick(samples []int) []int {
	out := make([]int, s.k)
	if len(samples) >= s.k {
		for i, j := range s.rng.Perm(len(samples))[:s.k] {
			out[i] = samples[j]
		}
		return out
	}
	for i := range out {
		out[i] = samples[s.rng.Intn(len(samples))]
	}
	return out
}

// BatchSequence turns a BatchSampler into a logically infinite,
// restartable sequence. Pass boundaries are reported through the Wrapped
// flag and logged; they are never errors. It is safe for concurrent use.
type BatchSequence struct {
	mu      sync.Mutex
	sampler *BatchSampler
	logger  *Logger
	passes  int
	emitted int
}

func NewBatchSequence(sampler *BatchSampler, logger *Logger) *BatchSequence {
	return &BatchSequence{sampler: sampler, logger: loggerOrNoop(logger).WithComponent("sampler")}
}

// Next returns the next validated plan. wrapped is true when the plan is
// the first of a new pass.
func (q *BatchSequence) Next() (plan BatchPlan, wrapped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	plan, err = q.sampler.Next()
	if errors.Is(err, ErrStreamExhausted) {
		q.passes++
		q.sampler.Reset()
		wrapped = true
		q.logger.Info("batch stream wrapped, reshuffling identities",
			"pass", q.passes, "batches_emitted", q.emitted)
		plan, err = q.sampler.Next()
	}
	if err != nil {
		return BatchPlan{}, false, err
	}

	if err := ValidateLayout(plan.Identities, plan.P, plan.K); err != nil {
		return BatchPlan{}, false, err
	}
	q.emitted++
	return plan, wrapped, nil
}

// Passes returns how many times the sequence has wrapped.
func (q *BatchSequence) Passes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.passes
}
