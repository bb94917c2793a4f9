package codecache

import "time"

const (
	// Bounded per-entry access history.
	maxTimestamps = 100
	maxIntervals  = maxTimestamps - 1

	// Number of most recent intervals averaged for the next-access
	// prediction.
	predictionWindow = 5
)

// accessPattern tracks the recent access history of one cache entry and
// derives an estimated access frequency plus a predicted next access
// time. History is bounded so a long-lived entry costs constant memory.
type accessPattern struct {
	timestamps    []time.Time
	intervals     []time.Duration
	frequency     float64 // accesses per second, 1/mean(intervals)
	predictedNext time.Time
}

func (p *accessPattern) record(now time.Time) {
	if n := len(p.timestamps); n > 0 {
		p.intervals = append(p.intervals, now.Sub(p.timestamps[n-1]))
		if len(p.intervals) > maxIntervals {
			p.intervals = p.intervals[1:]
		}
	}
	p.timestamps = append(p.timestamps, now)
	if len(p.timestamps) > maxTimestamps {
		p.timestamps = p.timestamps[1:]
	}

	if len(p.intervals) == 0 {
		return
	}
	var total time.Duration
	for _, iv := range p.intervals {
		total += iv
	}
	mean := total / time.Duration(len(p.intervals))
	if mean > 0 {
		p.frequency = float64(time.Second) / float64(mean)
	} else {
		// Back-to-back accesses within clock resolution: treat as
		// maximally frequent rather than dividing by zero.
		p.frequency = float64(time.Second)
	}

	recent := p.intervals
	if len(recent) > predictionWindow {
		recent = recent[len(recent)-predictionWindow:]
	}
	var sum time.Duration
	for _, iv := range recent {
		sum += iv
	}
	p.predictedNext = now.Add(sum / time.Duration(len(recent)))
}
