package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"livefeed/pkg/channel"
	"livefeed/pkg/logging"
	"livefeed/pkg/metrics"
	"livefeed/pkg/model"
)

// PushChannel is the part of *channel.Channel the coordinator drives.
type PushChannel interface {
	Connect(ctx context.Context, endpoint, canisterID string) bool
	Disconnect()
	Subscribe(eventType string, fn channel.Handler) string
	Unsubscribe(id string)
	OnEvent(fn func(channel.Event)) func()
	Send(msg model.Message)
	State() model.ConnectionState
	Quality() model.ConnectionQuality
	Stats() channel.Stats
	SetMaxReconnectAttempts(n int)
}

var _ PushChannel = (*channel.Channel)(nil)

// PollResult is what a Fetcher returns. Absent fields are skipped; present
// fields are validated like push payloads. Errors may be one object or an array.
type PollResult struct {
	Metrics      json.RawMessage `json:"metrics,omitempty"`
	Transactions json.RawMessage `json:"transactions,omitempty"`
	Errors       json.RawMessage `json:"errors,omitempty"`
}

// Fetcher performs one pull-mode request.
type Fetcher interface {
	Fetch(ctx context.Context) (PollResult, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (PollResult, error)

func (f FetcherFunc) Fetch(ctx context.Context) (PollResult, error) { return f(ctx) }

// SubscriptionID identifies one topic subscription.
type SubscriptionID string

// Handler receives normalized updates.
type Handler func(u model.Update)

type subscriber struct {
	id       SubscriptionID
	fn       Handler
	priority model.Priority
}

// SubscribeOption customises Subscribe.
type SubscribeOption func(*subscriber)

// WithPriority marks a subscription high priority: it skips the throttle
// buffer and is called synchronously on arrival.
func WithPriority(p model.Priority) SubscribeOption {
	return func(s *subscriber) { s.priority = p }
}

// Option customises a Coordinator.
type Option func(*Coordinator)

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Coordinator) { c.log = logging.OrDiscard(l) }
}

func WithRecorder(r *metrics.Recorder) Option {
	return func(c *Coordinator) { c.rec = r }
}

// WithClock replaces time.Now for timestamps and rate windows.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type pendingUpdate struct {
	update  model.Update
	arrived time.Time
}

// Coordinator selects between push and pull feeds and turns both into one
// validated, throttled update stream. All state is guarded by mu; observer
// and subscriber callbacks always run with mu released.
type Coordinator struct {
	push    PushChannel
	fetcher Fetcher
	log     logrus.FieldLogger
	rec     *metrics.Recorder
	now     func() time.Time

	mu         sync.Mutex
	cfg        Config
	active     bool
	paused     bool
	mode       model.OperatingMode
	modeGen    uint64
	endpoint   string
	canisterID string
	detach     []func()

	subs      map[model.Topic][]*subscriber
	modeObs   registry[func(model.ModeChange)]
	errObs    registry[func(model.FeedError)]
	perfObs   registry[func(model.PerformanceStats)]
	flushObs  registry[func([]model.Update)]
	pending   []pendingUpdate
	flusher   *flushLoop
	flushing  bool
	draining  bool
	throttleD time.Duration
	degraded  bool
	arrivals  int
	poller    *poller
	pollErr   bool

	lastMetrics *model.MetricsSnapshot
	stats       deliveryStats
	errorCount  int
}

func New(cfg Config, push PushChannel, fetcher Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		push:    push,
		fetcher: fetcher,
		log:     logging.Discard(),
		now:     time.Now,
		cfg:     cfg,
		subs:    make(map[model.Topic][]*subscriber),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start connects the push channel, or falls back to polling, and begins
// delivering updates. Calling Start on a running coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context, endpoint, canisterID string) error {
	c.mu.Lock()
	if err := c.cfg.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.active {
		c.mu.Unlock()
		c.log.Warn("coordinator already started")
		return nil
	}
	c.active = true
	c.paused = false
	c.mode = model.ModeNone
	c.endpoint = endpoint
	c.canisterID = canisterID
	c.pending = nil
	c.draining = false
	c.lastMetrics = nil
	cfg := c.cfg
	if cfg.ThrottleEnabled {
		c.startFlusherLocked()
	}
	c.mu.Unlock()

	c.log.Infof("coordinator start endpoint=%s canister=%s push=%v", endpoint, canisterID, cfg.EnablePush)
	if !cfg.EnablePush || c.push == nil {
		c.switchMode(model.ModePull, model.ReasonPushDisabled)
		return nil
	}

	detach := []func(){c.push.OnEvent(c.onChannelEvent)}
	for eventType, topic := range pushTopics {
		topic := topic
		id := c.push.Subscribe(eventType, func(m model.Message) { c.ingest(topic, model.SourcePush, m.Data) })
		detach = append(detach, func() { c.push.Unsubscribe(id) })
	}
	c.mu.Lock()
	if !c.active {
		// Stopped while attaching.
		c.mu.Unlock()
		for _, d := range detach {
			d()
		}
		return nil
	}
	c.detach = detach
	c.mu.Unlock()

	c.push.SetMaxReconnectAttempts(cfg.MaxReconnectAttempts)
	if c.push.Connect(ctx, endpoint, canisterID) {
		c.switchMode(model.ModePush, model.ReasonConnectionEstablished)
	} else {
		c.switchMode(model.ModePull, model.ReasonConnectionFailed)
	}
	// The channel may have changed state between Connect returning and the
	// mode being recorded.
	if c.push.State() == model.StateConnected {
		c.switchMode(model.ModePush, model.ReasonConnectionRestored)
	} else {
		c.switchMode(model.ModePull, model.ReasonConnectionLost)
	}
	return nil
}

// Stop tears down both feeds and drops undelivered updates. Safe to call
// repeatedly and from inside any callback.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.mode = model.ModeNone
	c.modeGen++
	c.stopPollerLocked()
	c.stopFlusherLocked()
	c.pending = nil
	c.draining = false
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()

	c.rec.Pending(0)
	for _, d := range detach {
		d()
	}
	if c.push != nil && len(detach) > 0 {
		c.push.Disconnect()
	}
	c.log.Info("coordinator stopped")
}

// Close stops the coordinator and drops every subscription and observer.
// The coordinator must not be reused afterwards.
func (c *Coordinator) Close() {
	c.Stop()
	c.mu.Lock()
	c.subs = make(map[model.Topic][]*subscriber)
	c.modeObs = registry[func(model.ModeChange)]{}
	c.errObs = registry[func(model.FeedError)]{}
	c.perfObs = registry[func(model.PerformanceStats)]{}
	c.flushObs = registry[func([]model.Update)]{}
	c.mu.Unlock()
}

func (c *Coordinator) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CurrentMode returns Push or Pull while running, ModeNone otherwise.
func (c *Coordinator) CurrentMode() model.OperatingMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Configure applies a partial update. Invalid results are rejected whole.
func (c *Coordinator) Configure(p Patch) error {
	c.mu.Lock()
	old := c.cfg
	next := p.apply(old)
	if err := next.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.cfg = next
	running := c.active
	drain := false
	if running {
		if next.ThrottleEnabled && !old.ThrottleEnabled {
			c.startFlusherLocked()
		} else if !next.ThrottleEnabled && old.ThrottleEnabled {
			// Disabling throttling delivers what is buffered once. Arrivals
			// queue behind the buffer until it is empty.
			c.stopFlusherLocked()
			drain = len(c.pending) > 0
			c.draining = drain
		} else if next.ThrottleEnabled && next.ThrottleInterval != old.ThrottleInterval && c.flusher != nil {
			c.throttleD = next.ThrottleInterval
			c.degraded = false
			c.flusher.resetTo(next.ThrottleInterval)
		}

		pullMode := c.mode == model.ModePull && !c.paused
		switch {
		case !next.EnablePollingFallback:
			c.stopPollerLocked()
		case pullMode && c.poller == nil:
			c.startPollerLocked()
		case next.PollingInterval != old.PollingInterval && c.poller != nil:
			c.poller.resetTo(next.PollingInterval)
		}
	}
	c.mu.Unlock()

	if drain {
		c.flush()
	}
	if next.MaxReconnectAttempts != old.MaxReconnectAttempts && c.push != nil {
		c.push.SetMaxReconnectAttempts(next.MaxReconnectAttempts)
	}
	return nil
}

// Pause stops polling and drops incoming updates without disconnecting.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || c.paused {
		return
	}
	c.paused = true
	c.stopPollerLocked()
	c.log.Info("coordinator paused")
}

// Resume undoes Pause.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || !c.paused {
		return
	}
	c.paused = false
	if c.mode == model.ModePull && c.cfg.EnablePollingFallback {
		c.startPollerLocked()
	}
	c.log.Info("coordinator resumed")
}

// ForceUpdate asks for fresh data immediately. In push mode it sends a
// refresh request; otherwise it runs one fetch whose results skip the
// throttle buffer.
func (c *Coordinator) ForceUpdate(ctx context.Context) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return fmt.Errorf("coordinator not started")
	}
	pushing := c.mode == model.ModePush && c.push != nil && c.push.State() == model.StateConnected
	timeout := c.cfg.pollTimeout()
	c.mu.Unlock()

	if pushing {
		msg, err := model.NewMessage(model.MsgRefresh, nil)
		if err != nil {
			return err
		}
		c.push.Send(msg)
		return nil
	}
	if c.fetcher == nil {
		return fmt.Errorf("no fetcher configured")
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := c.fetcher.Fetch(fctx)
	if err != nil {
		c.raise(model.FeedError{Type: model.ErrPolling, Message: "forced fetch failed", Source: model.SourcePull, Err: err})
		return fmt.Errorf("force update: %w", err)
	}
	c.ingestResult(res, true)
	return nil
}

// Subscribe registers fn for topic. Callbacks for one topic run in
// registration order.
func (c *Coordinator) Subscribe(topic model.Topic, fn Handler, opts ...SubscribeOption) SubscriptionID {
	s := &subscriber{id: SubscriptionID(uuid.NewString()), fn: fn, priority: model.PriorityNormal}
	for _, o := range opts {
		o(s)
	}
	c.mu.Lock()
	c.subs[topic] = append(c.subs[topic], s)
	c.mu.Unlock()
	return s.id
}

func (c *Coordinator) Unsubscribe(topic model.Topic, id SubscriptionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[topic]
	for i, s := range list {
		if s.id == id {
			c.subs[topic] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) OnMetricsUpdate(fn func(model.MetricsSnapshot)) func() {
	return c.typed(model.TopicMetrics, func(u model.Update) {
		if m, ok := u.Payload.(model.MetricsSnapshot); ok {
			fn(m)
		}
	})
}

func (c *Coordinator) OnTransactionUpdate(fn func(model.TransactionBatch)) func() {
	return c.typed(model.TopicTransactions, func(u model.Update) {
		if b, ok := u.Payload.(model.TransactionBatch); ok {
			fn(b)
		}
	})
}

func (c *Coordinator) OnErrorUpdate(fn func(model.ErrorReport)) func() {
	return c.typed(model.TopicErrors, func(u model.Update) {
		if e, ok := u.Payload.(model.ErrorReport); ok {
			fn(e)
		}
	})
}

func (c *Coordinator) OnStatusUpdate(fn func(model.StatusReport)) func() {
	return c.typed(model.TopicStatus, func(u model.Update) {
		if s, ok := u.Payload.(model.StatusReport); ok {
			fn(s)
		}
	})
}

func (c *Coordinator) typed(topic model.Topic, fn Handler) func() {
	id := c.Subscribe(topic, fn)
	return func() { c.Unsubscribe(topic, id) }
}

// OnModeChange observers run synchronously with each transition.
func (c *Coordinator) OnModeChange(fn func(model.ModeChange)) func() {
	return observe(c, &c.modeObs, fn)
}

func (c *Coordinator) OnError(fn func(model.FeedError)) func() {
	return observe(c, &c.errObs, fn)
}

func (c *Coordinator) OnPerformanceChange(fn func(model.PerformanceStats)) func() {
	return observe(c, &c.perfObs, fn)
}

// OnFlush observes each group delivered by the throttle flush, after the
// group's subscribers ran.
func (c *Coordinator) OnFlush(fn func(batch []model.Update)) func() {
	return observe(c, &c.flushObs, fn)
}

func (c *Coordinator) onChannelEvent(ev channel.Event) {
	switch ev.Kind {
	case channel.EventConnected:
		if ev.Reconnected {
			c.rec.Reconnect()
		}
		if c.CurrentMode() == model.ModePull {
			c.switchMode(model.ModePush, model.ReasonConnectionRestored)
		}
	case channel.EventDisconnected:
		if c.CurrentMode() == model.ModePush {
			c.switchMode(model.ModePull, model.ReasonConnectionLost)
		}
	case channel.EventGaveUp:
		if c.IsActive() {
			c.raise(model.FeedError{
				Type:    model.ErrConnection,
				Message: fmt.Sprintf("push reconnect gave up after %d attempts", ev.Attempt),
				Source:  model.SourcePush,
				Err:     ev.Err,
			})
		}
	case channel.EventCallbackError:
		c.raise(model.FeedError{Type: model.ErrCallback, Message: "push subscriber failed", Source: model.SourcePush, Err: ev.Err})
	}
}

// switchMode records the transition and notifies observers before any
// update of the new mode can be delivered.
func (c *Coordinator) switchMode(to model.OperatingMode, reason string) {
	c.mu.Lock()
	if !c.active || c.mode == to {
		c.mu.Unlock()
		return
	}
	mc := model.ModeChange{From: c.mode, To: to, Reason: reason, At: c.now()}
	c.mode = to
	c.modeGen++
	gen := c.modeGen
	if to == model.ModePush {
		c.stopPollerLocked()
	}
	obs := c.modeObs.snapshot()
	c.mu.Unlock()

	c.log.Infof("coordinator mode %q -> %q reason=%s", mc.From, mc.To, mc.Reason)
	c.rec.ModeChanged(mc)
	for _, fn := range obs {
		c.safeCall("mode observer", func() { fn(mc) })
	}

	if to == model.ModePull {
		c.mu.Lock()
		if c.active && c.modeGen == gen && !c.paused && c.cfg.EnablePollingFallback {
			c.startPollerLocked()
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) ingestResult(res PollResult, bypass bool) {
	if res.Metrics != nil {
		c.ingestWith(model.TopicMetrics, model.SourcePull, res.Metrics, bypass)
	}
	if res.Transactions != nil {
		c.ingestWith(model.TopicTransactions, model.SourcePull, res.Transactions, bypass)
	}
	if res.Errors != nil {
		for _, item := range splitArray(res.Errors) {
			c.ingestWith(model.TopicErrors, model.SourcePull, item, bypass)
		}
	}
}

func (c *Coordinator) ingest(topic model.Topic, source model.Source, raw json.RawMessage) {
	c.ingestWith(topic, source, raw, false)
}

// ingestWith validates raw and routes the update to high-priority
// subscribers immediately and to the rest either directly or via the
// throttle buffer.
func (c *Coordinator) ingestWith(topic model.Topic, source model.Source, raw json.RawMessage, bypass bool) {
	payload, err := decodePayload(topic, raw)
	if err != nil {
		c.raise(model.FeedError{Type: model.ErrDataValidation, Message: err.Error(), Topic: topic, Source: source, Err: err})
		return
	}
	now := c.now()
	u := model.Update{Topic: topic, Timestamp: now, Source: source, Payload: payload}

	c.mu.Lock()
	if !c.active || c.paused {
		c.mu.Unlock()
		return
	}
	if m, ok := payload.(model.MetricsSnapshot); ok {
		if c.cfg.BandwidthOptimization && c.lastMetrics != nil && similarMetrics(*c.lastMetrics, m) {
			c.mu.Unlock()
			c.rec.Suppressed()
			return
		}
		c.lastMetrics = &m
	}
	c.arrivals++
	var high, all []*subscriber
	throttled := ((c.cfg.ThrottleEnabled && c.flusher != nil) || c.draining) && !bypass
	for _, s := range c.subs[topic] {
		if s.priority == model.PriorityHigh {
			high = append(high, s)
		}
	}
	if throttled {
		c.pending = append(c.pending, pendingUpdate{update: u, arrived: now})
		n := len(c.pending)
		c.mu.Unlock()
		c.rec.Pending(n)
		for _, s := range high {
			c.call(s, u)
		}
		return
	}
	all = append(all, c.subs[topic]...)
	c.mu.Unlock()

	for _, s := range all {
		c.call(s, u)
	}
	c.recordDelivery(u, now)
}

// similarMetrics reports whether payments and revenue both moved less than 1%.
func similarMetrics(prev, cur model.MetricsSnapshot) bool {
	if prev.Payments == 0 || prev.Revenue.IsZero() {
		return false
	}
	paymentsDiff := float64(absInt(cur.Payments-prev.Payments)) / float64(absInt(prev.Payments))
	revenueDiff, _ := cur.Revenue.Sub(prev.Revenue).Abs().Div(prev.Revenue.Abs()).Float64()
	return paymentsDiff < 0.01 && revenueDiff < 0.01
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (c *Coordinator) call(s *subscriber, u model.Update) {
	c.safeCall("subscriber", func() { s.fn(u) }, u.Topic)
}

// safeCall runs fn and turns a panic into a callback_error.
func (c *Coordinator) safeCall(what string, fn func(), topic ...model.Topic) {
	defer func() {
		if r := recover(); r != nil {
			fe := model.FeedError{Type: model.ErrCallback, Message: fmt.Sprintf("%s panicked: %v", what, r)}
			if len(topic) > 0 {
				fe.Topic = topic[0]
			}
			c.raise(fe)
		}
	}()
	fn()
}

// raise reports a FeedError to error observers. An observer that panics is
// logged, not re-raised.
func (c *Coordinator) raise(fe model.FeedError) {
	if fe.At.IsZero() {
		fe.At = c.now()
	}
	c.mu.Lock()
	c.errorCount++
	obs := c.errObs.snapshot()
	c.mu.Unlock()

	c.rec.Error(fe.Type)
	c.log.WithField("type", fe.Type).Warn(fe.Error())
	for _, fn := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Errorf("error observer panicked: %v", r)
				}
			}()
			fn(fe)
		}()
	}
}

type registry[T any] struct {
	next  int
	items []registryEntry[T]
}

type registryEntry[T any] struct {
	id int
	fn T
}

func (r *registry[T]) add(fn T) int {
	r.next++
	r.items = append(r.items, registryEntry[T]{id: r.next, fn: fn})
	return r.next
}

func (r *registry[T]) remove(id int) {
	for i, e := range r.items {
		if e.id == id {
			r.items = append(r.items[:i:i], r.items[i+1:]...)
			return
		}
	}
}

func (r *registry[T]) snapshot() []T {
	out := make([]T, len(r.items))
	for i, e := range r.items {
		out[i] = e.fn
	}
	return out
}

func observe[T any](c *Coordinator, r *registry[T], fn T) func() {
	c.mu.Lock()
	id := r.add(fn)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		r.remove(id)
		c.mu.Unlock()
	}
}
