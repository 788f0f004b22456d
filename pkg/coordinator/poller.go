package coordinator

import (
	"context"
	"fmt"
	"time"

	"livefeed/pkg/model"
)

type poller struct {
	ctx    context.Context
	cancel context.CancelFunc
	reset  chan time.Duration
}

func (p *poller) resetTo(d time.Duration) {
	for {
		select {
		case p.reset <- d:
			return
		default:
			select {
			case <-p.reset:
			default:
			}
		}
	}
}

func (c *Coordinator) startPollerLocked() {
	if c.poller != nil || c.fetcher == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{ctx: ctx, cancel: cancel, reset: make(chan time.Duration, 1)}
	c.poller = p
	c.pollErr = false
	c.stats.sincePoll = 0
	c.log.Infof("polling started interval=%s", c.cfg.PollingInterval)
	go c.runPoller(p, c.cfg.PollingInterval)
}

func (c *Coordinator) stopPollerLocked() {
	if c.poller == nil {
		return
	}
	c.poller.cancel()
	c.poller = nil
	c.log.Info("polling stopped")
}

// runPoller polls once immediately, then every period. A reset restarts the
// wait with the new period.
func (c *Coordinator) runPoller(p *poller, period time.Duration) {
	c.pollOnce(p)
	t := time.NewTimer(c.nextPollDelay(period))
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case d := <-p.reset:
			period = d
			t.Stop()
			t.Reset(period)
		case <-t.C:
			c.pollOnce(p)
			t.Reset(c.nextPollDelay(period))
		}
	}
}

// nextPollDelay halves the period, down to MinPollingInterval, when the last
// period saw at least ActivityThreshold deliveries.
func (c *Coordinator) nextPollDelay(period time.Duration) time.Duration {
	c.mu.Lock()
	n := c.stats.sincePoll
	c.stats.sincePoll = 0
	threshold := c.cfg.ActivityThreshold
	floor := c.cfg.MinPollingInterval
	c.mu.Unlock()

	if threshold <= 0 || n < threshold {
		return period
	}
	d := period / 2
	if d < floor {
		d = floor
	}
	if d > period {
		d = period
	}
	return d
}

func (c *Coordinator) pollOnce(p *poller) {
	c.mu.Lock()
	timeout := c.cfg.pollTimeout()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	res, err := c.fetch(ctx)
	cancel()
	if p.ctx.Err() != nil {
		return
	}
	if err != nil {
		c.mu.Lock()
		c.pollErr = true
		c.mu.Unlock()
		c.rec.Poll(false)
		c.raise(model.FeedError{Type: model.ErrPolling, Message: "poll failed", Source: model.SourcePull, Err: err})
		return
	}
	c.mu.Lock()
	c.pollErr = false
	c.mu.Unlock()
	c.rec.Poll(true)
	c.ingestResult(res, false)
}

func (c *Coordinator) fetch(ctx context.Context) (res PollResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher panicked: %v", r)
		}
	}()
	return c.fetcher.Fetch(ctx)
}
