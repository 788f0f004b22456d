package coordinator

import (
	"fmt"
	"time"

	"livefeed/pkg/model"
)

// maxThrottleFactor caps adaptive slow-down relative to the configured interval.
const maxThrottleFactor = 5

type flushLoop struct {
	stop  chan struct{}
	reset chan time.Duration
}

func (l *flushLoop) resetTo(d time.Duration) {
	for {
		select {
		case l.reset <- d:
			return
		default:
			select {
			case <-l.reset:
			default:
			}
		}
	}
}

func (c *Coordinator) startFlusherLocked() {
	if c.flusher != nil {
		return
	}
	l := &flushLoop{stop: make(chan struct{}), reset: make(chan time.Duration, 1)}
	c.flusher = l
	c.throttleD = c.cfg.ThrottleInterval
	c.degraded = false
	c.arrivals = 0
	go c.runFlusher(l, c.throttleD)
}

// stopFlusherLocked ends the flush goroutine. The buffer is left to the
// caller: Stop drops it, disabling throttling drains it.
func (c *Coordinator) stopFlusherLocked() {
	l := c.flusher
	if l == nil {
		return
	}
	c.flusher = nil
	c.degraded = false
	close(l.stop)
}

func (c *Coordinator) runFlusher(l *flushLoop, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case d := <-l.reset:
			t.Reset(d)
		case <-t.C:
			c.flush()
			if next, changed := c.adapt(l); changed {
				t.Reset(next)
			}
		}
	}
}

// flush delivers the buffer in arrival order, in groups of MaxBatchSize when
// batching is on. Only one flush delivers at a time; a flush that finds
// another in progress returns at once. While draining, the delivering flush
// keeps going until the buffer is empty, so updates that arrive mid-drain
// stay behind the older ones.
func (c *Coordinator) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	defer func() {
		c.mu.Lock()
		c.flushing = false
		c.mu.Unlock()
	}()
	for {
		batch := c.pending
		c.pending = nil
		if len(batch) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		size := len(batch)
		if c.cfg.BatchUpdates && c.cfg.MaxBatchSize > 0 {
			size = c.cfg.MaxBatchSize
		}
		c.mu.Unlock()
		c.rec.Pending(0)

		if !c.deliverBatch(batch, size) {
			return
		}
		c.mu.Lock()
		if !c.draining {
			c.mu.Unlock()
			return
		}
	}
}

// deliverBatch hands batch to normal-priority subscribers group by group and
// reports false when the coordinator stopped part way.
func (c *Coordinator) deliverBatch(batch []pendingUpdate, size int) bool {
	for start := 0; start < len(batch); start += size {
		end := min(start+size, len(batch))
		group := make([]model.Update, 0, end-start)
		for _, p := range batch[start:end] {
			c.mu.Lock()
			if !c.active {
				c.mu.Unlock()
				return false
			}
			var subs []*subscriber
			for _, s := range c.subs[p.update.Topic] {
				if s.priority != model.PriorityHigh {
					subs = append(subs, s)
				}
			}
			c.mu.Unlock()

			for _, s := range subs {
				c.call(s, p.update)
			}
			c.recordDelivery(p.update, p.arrived)
			group = append(group, p.update)
		}
		c.mu.Lock()
		obs := c.flushObs.snapshot()
		c.mu.Unlock()
		for _, fn := range obs {
			c.safeCall("flush observer", func() { fn(group) })
		}
	}
	return true
}

// adapt widens the flush interval while arrivals exceed MaxUpdatesPerSecond
// and restores it once load drops below half the limit.
func (c *Coordinator) adapt(l *flushLoop) (time.Duration, bool) {
	c.mu.Lock()
	if c.flusher != l {
		c.mu.Unlock()
		return 0, false
	}
	arrivals := c.arrivals
	c.arrivals = 0
	base := c.cfg.ThrottleInterval
	cur := c.throttleD
	limit := float64(c.cfg.MaxUpdatesPerSecond)

	var next time.Duration
	var fe *model.FeedError
	rate := float64(arrivals) / cur.Seconds()
	switch {
	case !c.cfg.AdaptiveThrottling || limit <= 0:
		if !c.degraded && cur == base {
			c.mu.Unlock()
			return cur, false
		}
		next = base
		c.degraded = false
	case rate > limit && cur < maxThrottleFactor*base:
		next = min(cur*2, maxThrottleFactor*base)
		c.degraded = true
		fe = &model.FeedError{
			Type:    model.ErrPerformanceDegradation,
			Message: fmt.Sprintf("%.1f updates/s exceeds %.0f; flush interval now %s", rate, limit, next),
		}
	case c.degraded && rate < limit/2:
		next = base
		c.degraded = false
	default:
		c.mu.Unlock()
		return cur, false
	}
	c.throttleD = next
	c.mu.Unlock()

	if fe != nil {
		c.raise(*fe)
	} else {
		c.log.Infof("flush interval restored to %s", next)
	}
	c.notifyPerformance()
	return next, true
}
