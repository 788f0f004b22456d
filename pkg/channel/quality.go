package channel

import (
	"time"

	"livefeed/pkg/model"
)

const (
	latencyWindow = 20
	outcomeWindow = 100
)

// Grade maps a latency and error rate (0..1) to a quality class.
func Grade(latency time.Duration, errorRate float64) model.ConnectionQuality {
	ms := latency.Milliseconds()
	switch {
	case ms < 100 && errorRate < 0.01:
		return model.QualityExcellent
	case ms < 300 && errorRate < 0.05:
		return model.QualityGood
	case ms < 1000 && errorRate < 0.1:
		return model.QualityPoor
	default:
		return model.QualityUnstable
	}
}

// qualityTracker keeps rolling latency samples and message outcomes.
// Not safe for concurrent use; the channel guards it with its mutex.
type qualityTracker struct {
	latencies []time.Duration
	latIdx    int
	outcomes  []bool
	outIdx    int
	current   model.ConnectionQuality
}

func newQualityTracker() *qualityTracker {
	return &qualityTracker{
		latencies: make([]time.Duration, 0, latencyWindow),
		outcomes:  make([]bool, 0, outcomeWindow),
		current:   model.QualityExcellent,
	}
}

func (q *qualityTracker) addLatency(d time.Duration) {
	if len(q.latencies) < latencyWindow {
		q.latencies = append(q.latencies, d)
	} else {
		q.latencies[q.latIdx] = d
		q.latIdx = (q.latIdx + 1) % latencyWindow
	}
	q.recompute()
}

func (q *qualityTracker) addOutcome(ok bool) {
	if len(q.outcomes) < outcomeWindow {
		q.outcomes = append(q.outcomes, ok)
	} else {
		q.outcomes[q.outIdx] = ok
		q.outIdx = (q.outIdx + 1) % outcomeWindow
	}
	q.recompute()
}

func (q *qualityTracker) meanLatency() time.Duration {
	if len(q.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range q.latencies {
		sum += l
	}
	return sum / time.Duration(len(q.latencies))
}

func (q *qualityTracker) errorRate() float64 {
	if len(q.outcomes) == 0 {
		return 0
	}
	bad := 0
	for _, ok := range q.outcomes {
		if !ok {
			bad++
		}
	}
	return float64(bad) / float64(len(q.outcomes))
}

func (q *qualityTracker) recompute() {
	q.current = Grade(q.meanLatency(), q.errorRate())
}
