package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMovingAverage(t *testing.T) {
	avg := NewMovingAverage(3)
	assert.Equal(t, 0.0, avg.Value())

	assert.InDelta(t, 1.0, avg.Add(1), 1e-12)
	assert.InDelta(t, 1.5, avg.Add(2), 1e-12)
	assert.InDelta(t, 2.0, avg.Add(3), 1e-12)
	// Window slides: (2+3+10)/3.
	assert.InDelta(t, 5.0, avg.Add(10), 1e-12)
	assert.Equal(t, 3, avg.Count())
}

func TestMovingAverageMinimumWindow(t *testing.T) {
	avg := NewMovingAverage(0)
	avg.Add(4)
	avg.Add(6)
	assert.Equal(t, 6.0, avg.Value())
	assert.Equal(t, 1, avg.Count())
}

func TestLossMeter(t *testing.T) {
	meter := NewLossMeter(2)
	meter.Add(LossValues{TripletGlobal: 1, Total: 10})
	meter.Add(LossValues{TripletGlobal: 3, Total: 20})
	meter.Add(LossValues{TripletGlobal: 5, Total: 30})

	snap := meter.Snapshot()
	assert.InDelta(t, 4.0, snap.TripletGlobal, 1e-12)
	assert.InDelta(t, 25.0, snap.Total, 1e-12)
	assert.Equal(t, 0.0, snap.FusedLocalID)
}
