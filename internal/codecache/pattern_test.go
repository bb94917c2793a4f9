package codecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccessPattern_frequencyFromMeanInterval(t *testing.T) {
	clk := newFakeClock()
	var p accessPattern

	for i := 0; i < 5; i++ {
		p.record(clk.now())
		clk.advance(2 * time.Second)
	}

	require.Len(t, p.intervals, 4)
	require.InDelta(t, 0.5, p.frequency, 1e-9)
}

func TestAccessPattern_singleAccessHasNoEstimate(t *testing.T) {
	var p accessPattern
	p.record(newFakeClock().now())
	require.Zero(t, p.frequency)
	require.True(t, p.predictedNext.IsZero())
}

func TestAccessPattern_historyIsBounded(t *testing.T) {
	clk := newFakeClock()
	var p accessPattern
	for i := 0; i < 3*maxTimestamps; i++ {
		p.record(clk.now())
		clk.advance(time.Millisecond)
	}
	require.Len(t, p.timestamps, maxTimestamps)
	require.Len(t, p.intervals, maxIntervals)
}

func TestAccessPattern_predictionUsesRecentIntervals(t *testing.T) {
	clk := newFakeClock()
	var p accessPattern

	// Ten slow accesses, then five fast ones: the prediction follows
	// the recent rate, not the lifetime mean.
	for i := 0; i < 10; i++ {
		p.record(clk.now())
		clk.advance(10 * time.Second)
	}
	for i := 0; i < 5; i++ {
		p.record(clk.now())
		clk.advance(time.Second)
	}

	last := p.timestamps[len(p.timestamps)-1]
	// Recent window: 10s, 1s, 1s, 1s, 1s.
	require.Equal(t, last.Add(2800*time.Millisecond), p.predictedNext)
}

func TestAccessPattern_zeroIntervalTreatedAsMaximallyFrequent(t *testing.T) {
	clk := newFakeClock()
	var p accessPattern
	p.record(clk.now())
	p.record(clk.now())
	require.Equal(t, float64(time.Second), p.frequency)
}
