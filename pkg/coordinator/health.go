package coordinator

import (
	"time"

	"livefeed/pkg/model"
)

const (
	rateWindow    = time.Minute
	maxRateSample = 10000
)

type deliveryStats struct {
	total      int64
	latencySum time.Duration
	lastUpdate time.Time
	recent     []time.Time // delivery times inside rateWindow
	sincePoll  int
}

func (c *Coordinator) recordDelivery(u model.Update, arrived time.Time) {
	now := c.now()
	lat := now.Sub(arrived)
	if lat < 0 {
		lat = 0
	}
	c.mu.Lock()
	s := &c.stats
	s.total++
	s.latencySum += lat
	s.lastUpdate = now
	s.sincePoll++
	s.recent = append(pruneBefore(s.recent, now.Add(-rateWindow)), now)
	if len(s.recent) > maxRateSample {
		s.recent = s.recent[len(s.recent)-maxRateSample:]
	}
	c.mu.Unlock()

	c.rec.Delivered(u.Topic, u.Source)
	c.rec.Latency(lat.Seconds())
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// PerformanceStats returns delivery counters and the current throttle state.
func (c *Coordinator) PerformanceStats() model.PerformanceStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	recent := len(pruneBefore(c.stats.recent, now.Add(-rateWindow)))

	var avg time.Duration
	if c.stats.total > 0 {
		avg = c.stats.latencySum / time.Duration(c.stats.total)
	}
	var mem int64
	for _, p := range c.pending {
		mem += int64(p.update.ApproxSize())
	}
	for _, list := range c.subs {
		mem += int64(len(list)) * 64
	}
	mem += int64(len(c.stats.recent)) * 24
	if c.lastMetrics != nil {
		mem += int64(model.Update{Payload: *c.lastMetrics}.ApproxSize())
	}
	interval := c.throttleD
	if interval == 0 {
		interval = c.cfg.ThrottleInterval
	}
	return model.PerformanceStats{
		TotalUpdates:        c.stats.total,
		AverageLatency:      avg,
		MemoryUsageEstimate: mem,
		UpdatesPerSecond:    float64(recent) / rateWindow.Seconds(),
		PendingUpdates:      len(c.pending),
		ThrottleInterval:    interval,
		Degraded:            c.degraded,
	}
}

// ConnectionHealth reports both feeds. DataFreshnessSeconds is -1 until the
// first delivery.
func (c *Coordinator) ConnectionHealth() model.ConnectionHealth {
	c.mu.Lock()
	now := c.now()
	h := model.ConnectionHealth{
		PushStatus:           model.StateDisconnected,
		PullStatus:           model.PullInactive,
		LastUpdate:           c.stats.lastUpdate,
		UpdateFrequency:      float64(len(pruneBefore(c.stats.recent, now.Add(-rateWindow)))),
		DataFreshnessSeconds: -1,
		ErrorCount:           c.errorCount,
		Quality:              model.QualityGood,
	}
	if !c.stats.lastUpdate.IsZero() {
		h.DataFreshnessSeconds = now.Sub(c.stats.lastUpdate).Seconds()
	}
	if c.poller != nil {
		h.PullStatus = model.PullActive
		if c.pollErr {
			h.PullStatus = model.PullError
		}
	}
	pollErr := c.pollErr
	push := c.push
	pushEnabled := c.cfg.EnablePush
	c.mu.Unlock()

	switch {
	case push != nil && pushEnabled:
		h.PushStatus = push.State()
		h.Quality = push.Quality()
		h.ReconnectCount = push.Stats().ReconnectCount
	case pollErr:
		h.Quality = model.QualityUnstable
	}
	return h
}

func (c *Coordinator) notifyPerformance() {
	stats := c.PerformanceStats()
	c.mu.Lock()
	obs := c.perfObs.snapshot()
	c.mu.Unlock()
	for _, fn := range obs {
		c.safeCall("performance observer", func() { fn(stats) })
	}
}
