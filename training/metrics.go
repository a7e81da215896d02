package training

import (
	"sync"
)

// MovingAverage is the mean of the last Window observations.
type MovingAverage struct {
	mu     sync.Mutex
	window []float64
	next   int
	filled bool
	sum    float64
}

// NewMovingAverage creates an average over size observations (at least 1).
func NewMovingAverage(size int) *MovingAverage {
	if size < 1 {
		size = 1
	}
	return &MovingAverage{window: make([]float64, size)}
}

// Add records v and returns the updated average.
func (m *MovingAverage) Add(v float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sum += v - m.window[m.next]
	m.window[m.next] = v
	m.next++
	if m.next == len(m.window) {
		m.next = 0
		m.filled = true
		// Recompute to stop rounding drift from accumulating.
		m.sum = 0
		for _, x := range m.window {
			m.sum += x
		}
	}
	return m.valueLocked()
}

// Value returns the current average, or 0 before any observation.
func (m *MovingAverage) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valueLocked()
}

func (m *MovingAverage) valueLocked() float64 {
	n := m.next
	if m.filled {
		n = len(m.window)
	}
	if n == 0 {
		return 0
	}
	return m.sum / float64(n)
}

// Count returns the number of observations currently in the window.
func (m *MovingAverage) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filled {
		return len(m.window)
	}
	return m.next
}

// LossMeter keeps a moving average per loss term.
type LossMeter struct {
	TripletGlobal  *MovingAverage
	TripletLocal   *MovingAverage
	BranchGlobalID *MovingAverage
	BranchLocalID  *MovingAverage
	FusedGlobalID  *MovingAverage
	FusedLocalID   *MovingAverage
	Total          *MovingAverage
}

func NewLossMeter(window int) *LossMeter {
	return &LossMeter{
		TripletGlobal:  NewMovingAverage(window),
		TripletLocal:   NewMovingAverage(window),
		BranchGlobalID: NewMovingAverage(window),
		BranchLocalID:  NewMovingAverage(window),
		FusedGlobalID:  NewMovingAverage(window),
		FusedLocalID:   NewMovingAverage(window),
		Total:          NewMovingAverage(window),
	}
}

// Add records one iteration's losses.
func (m *LossMeter) Add(v LossValues) {
	m.TripletGlobal.Add(v.TripletGlobal)
	m.TripletLocal.Add(v.TripletLocal)
	m.BranchGlobalID.Add(v.BranchGlobalID)
	m.BranchLocalID.Add(v.BranchLocalID)
	m.FusedGlobalID.Add(v.FusedGlobalID)
	m.FusedLocalID.Add(v.FusedLocalID)
	m.Total.Add(v.Total)
}

// Snapshot returns the current averages.
func (m *LossMeter) Snapshot() LossValues {
	return LossValues{
		TripletGlobal:  m.TripletGlobal.Value(),
		TripletLocal:   m.TripletLocal.Value(),
		BranchGlobalID: m.BranchGlobalID.Value(),
		BranchLocalID:  m.BranchLocalID.Value(),
		FusedGlobalID:  m.FusedGlobalID.Value(),
		FusedLocalID:   m.FusedLocalID.Value(),
		Total:          m.Total.Value(),
	}
}
