package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarmupDecayScheduler(t *testing.T) {
	s, err := NewWarmupDecayScheduler(3e-4, 3e-3, 3e-6, 100, 200)
	require.NoError(t, err)

	tests := []struct {
		iteration  int
		expectedLR float64
	}{
		{0, 3e-4},
		{50, 3e-4 + (3e-3-3e-4)*0.5},
		{100, 3e-3},
		{150, 3e-3 * math.Pow(1e-3, 0.5)},
		{200, 3e-6},
		{10000, 3e-6},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.expectedLR, s.GetLR(tt.iteration), 1e-15, "iteration %d", tt.iteration)
	}
}

func TestWarmupDecaySchedulerShape(t *testing.T) {
	s, err := NewWarmupDecayScheduler(1e-4, 1e-2, 1e-5, 40, 90)
	require.NoError(t, err)

	for i := 1; i < s.T0; i++ {
		assert.Greater(t, s.GetLR(i), s.GetLR(i-1), "warm-up must strictly increase at %d", i)
	}
	for i := s.T0 + 1; i < s.T1; i++ {
		assert.Less(t, s.GetLR(i), s.GetLR(i-1), "decay must strictly decrease at %d", i)
	}
	assert.Equal(t, s.GetLR(s.T1), s.GetLR(s.T1+1000))
	assert.Equal(t, s.BaseLR, s.GetLR(0))
	assert.Equal(t, s.PeakLR, s.GetLR(s.T0))
}

func TestWarmupDecaySchedulerValidate(t *testing.T) {
	tests := []struct {
		name string
		s    WarmupDecayScheduler
	}{
		{"peak below base", WarmupDecayScheduler{BaseLR: 1, PeakLR: 0.5, FloorLR: 0.1, T0: 1, T1: 2}},
		{"floor above peak", WarmupDecayScheduler{BaseLR: 1, PeakLR: 2, FloorLR: 3, T0: 1, T1: 2}},
		{"t1 before t0", WarmupDecayScheduler{BaseLR: 1, PeakLR: 2, FloorLR: 0.1, T0: 5, T1: 5}},
		{"zero t0", WarmupDecayScheduler{BaseLR: 1, PeakLR: 2, FloorLR: 0.1, T0: 0, T1: 5}},
		{"zero base", WarmupDecayScheduler{BaseLR: 0, PeakLR: 2, FloorLR: 0.1, T0: 1, T1: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.s.Validate())
		})
	}
}

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(0.1, 2, 0.1)

	tests := []struct {
		iteration  int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{6, 0.0001},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.expectedLR, scheduler.GetLR(tt.iteration), 1e-12, "iteration %d", tt.iteration)
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(0.01, 10, 0.0001)

	assert.InDelta(t, 0.01, scheduler.GetLR(0), 1e-12)
	assert.InDelta(t, 0.0001+(0.01-0.0001)/2, scheduler.GetLR(5), 1e-12)
	assert.InDelta(t, 0.0001, scheduler.GetLR(10), 1e-12)
	assert.InDelta(t, 0.0001, scheduler.GetLR(20), 1e-12)
}

func TestNewScheduler(t *testing.T) {
	s, err := NewScheduler(ScheduleConfig{BaseLR: 1e-3, PeakLR: 1e-2, FloorLR: 1e-5, T0: 10, T1: 20})
	require.NoError(t, err)
	assert.Equal(t, "WarmupDecay", s.GetName())

	s, err = NewScheduler(ScheduleConfig{Kind: ScheduleConstant, BaseLR: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0.5, s.GetLR(12345))

	_, err = NewScheduler(ScheduleConfig{Kind: "plateau"})
	assert.Error(t, err)
}
