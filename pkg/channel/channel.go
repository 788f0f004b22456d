package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"livefeed/pkg/logging"
	"livefeed/pkg/model"
)

// Config controls one push channel.
type Config struct {
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	MaxMessageSize    int
	Reconnect         ReconnectStrategy
	Header            http.Header
	Protocols         []string
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		MaxMessageSize:    1 << 20,
		Reconnect:         DefaultReconnectStrategy(),
		Protocols:         []string{"livefeed-v1"},
	}
}

// Handler receives every message whose type matches its subscription.
type Handler func(msg model.Message)

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventDisconnected  EventKind = "disconnected"
	EventReconnecting  EventKind = "reconnecting"
	EventGaveUp        EventKind = "gave_up"
	EventError         EventKind = "error"
	EventCallbackError EventKind = "callback_error"
	EventStateChanged  EventKind = "state_changed"
)

// Event is delivered to OnEvent listeners, outside the channel lock.
type Event struct {
	Kind        EventKind
	State       model.ConnectionState
	Reconnected bool // EventConnected: opened by the automatic reconnect loop
	Clean       bool // EventDisconnected: closed with code 1000 or by Disconnect
	Attempt     int
	Delay       time.Duration
	Type        string // EventCallbackError: message type being dispatched
	Err         error
}

// Stats is a copy of the channel counters.
type Stats struct {
	Latency          time.Duration
	MessagesSent     int64
	MessagesReceived int64
	ReconnectCount   int
	LastReconnect    time.Time
	ConnectedAt      time.Time
	Uptime           time.Duration
	ErrorCount       int64
	ErrorRate        float64
}

type subscription struct {
	id        string
	eventType string
	fn        Handler
}

type listener struct {
	id int
	fn func(Event)
}

// Option customises a Channel.
type Option func(*Channel)

// WithTransport replaces the websocket transport, mostly for tests.
func WithTransport(t Transport) Option { return func(c *Channel) { c.transport = t } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(c *Channel) { c.log = logging.OrDiscard(l) } }

// WithRand sets the jitter source; it must return values in [0,1).
func WithRand(fn func() float64) Option { return func(c *Channel) { c.rand = fn } }

// Channel maintains a single push connection: lifecycle, heartbeat,
// subscription fan-out, and automatic reconnect with backoff.
type Channel struct {
	cfg       Config
	transport Transport
	log       logrus.FieldLogger
	rand      func() float64

	mu             sync.Mutex
	endpoint       string
	want           bool   // caller intent; only Connect sets it, only Disconnect clears it
	gen            uint64 // bumped on Connect, Disconnect and every open; stale goroutines compare it
	conn           Conn
	state          model.ConnectionState
	attempts       int
	gaveUp         bool
	reconnectTimer *time.Timer
	hbStop         chan struct{}
	lastHeartbeat  time.Time
	subs           []*subscription
	listeners      []listener
	nextListener   int
	stats          Stats
	quality        *qualityTracker
}

func New(cfg Config, opts ...Option) *Channel {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.Reconnect.InitialDelay <= 0 && cfg.Reconnect.MaxDelay <= 0 && cfg.Reconnect.Multiplier == 0 {
		attempts := cfg.Reconnect.MaxAttempts
		cfg.Reconnect = def.Reconnect
		cfg.Reconnect.MaxAttempts = attempts
	}
	c := &Channel{
		cfg:     cfg,
		log:     logging.Discard(),
		rand:    rand.Float64,
		state:   model.StateDisconnected,
		quality: newQualityTracker(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.transport == nil {
		c.transport = NewWebSocketTransport(cfg.Protocols, int64(cfg.MaxMessageSize))
	}
	return c
}

// Connect opens the connection and reports whether it succeeded. It never
// blocks longer than ConnectTimeout. A failed open leaves the state at error
// and hands over to the automatic reconnect loop.
func (c *Channel) Connect(ctx context.Context, endpoint, canisterID string) bool {
	target, err := withCanister(endpoint, canisterID)
	if err != nil {
		c.log.WithError(err).Warnf("ws invalid endpoint %q", endpoint)
		c.mu.Lock()
		c.stats.ErrorCount++
		c.mu.Unlock()
		c.setState(model.StateError)
		c.emit(Event{Kind: EventError, State: model.StateError, Err: err})
		return false
	}
	c.mu.Lock()
	if c.state == model.StateConnected && c.conn != nil {
		c.mu.Unlock()
		c.log.Warn("ws already connected")
		return true
	}
	c.want = true
	c.gen++
	c.endpoint = target
	c.attempts = 0
	c.gaveUp = false
	c.stopReconnectLocked()
	c.mu.Unlock()
	return c.open(ctx, false)
}

// Disconnect closes the connection with a clean code and cancels heartbeat
// and any pending reconnect. Safe to call repeatedly.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.want = false
	c.gen++
	c.stopReconnectLocked()
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	prev := c.state
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "client disconnect")
	}
	c.setState(model.StateDisconnected)
	if conn != nil || prev != model.StateDisconnected {
		c.log.Info("ws disconnected by client")
		c.emit(Event{Kind: EventDisconnected, State: model.StateDisconnected, Clean: true})
	}
}

// Subscribe registers fn for messages of eventType ("all" matches every type)
// and announces the subscription to the server when connected.
func (c *Channel) Subscribe(eventType string, fn Handler) string {
	id := eventType + "_" + uuid.NewString()
	c.mu.Lock()
	c.subs = append(c.subs, &subscription{id: id, eventType: eventType, fn: fn})
	connected := c.state == model.StateConnected
	c.mu.Unlock()
	if connected {
		c.sendControl(model.MsgSubscribe, model.SubscriptionData{EventType: eventType, SubscriptionID: id})
	}
	return id
}

// Unsubscribe removes a subscription by id.
func (c *Channel) Unsubscribe(id string) {
	c.mu.Lock()
	found := false
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			found = true
			break
		}
	}
	connected := c.state == model.StateConnected
	c.mu.Unlock()
	if found && connected {
		c.sendControl(model.MsgUnsubscribe, model.SubscriptionData{SubscriptionID: id})
	}
}

// Send writes msg when connected. Otherwise, or on any failure, it logs and
// returns; callers never see an error.
func (c *Channel) Send(msg model.Message) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == model.StateConnected
	c.mu.Unlock()
	if conn == nil || !connected {
		c.log.Warnf("ws send skipped; not connected type=%s", msg.Type)
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		c.log.WithError(err).Warnf("ws send encode failed type=%s", msg.Type)
		c.countError()
		return
	}
	if len(b) > c.cfg.MaxMessageSize {
		c.log.Warnf("ws send skipped; message size %d exceeds limit %d", len(b), c.cfg.MaxMessageSize)
		return
	}
	if err := conn.WriteMessage(b); err != nil {
		c.log.WithError(err).Warnf("ws send failed type=%s", msg.Type)
		c.countError()
		return
	}
	c.mu.Lock()
	c.stats.MessagesSent++
	c.mu.Unlock()
}

// OnEvent registers a lifecycle listener and returns its remover.
func (c *Channel) OnEvent(fn func(Event)) func() {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func (c *Channel) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Quality is a pure read of the rolling grade.
func (c *Channel) Quality() model.ConnectionQuality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality.current
}

func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Latency = c.quality.meanLatency()
	s.ErrorRate = c.quality.errorRate()
	if c.state == model.StateConnected && !s.ConnectedAt.IsZero() {
		s.Uptime = time.Since(s.ConnectedAt)
	}
	return s
}

// SetHeartbeatInterval changes the interval, restarting a running heartbeat.
func (c *Channel) SetHeartbeatInterval(d time.Duration) {
	c.mu.Lock()
	c.cfg.HeartbeatInterval = d
	running := c.hbStop != nil
	if running {
		c.stopHeartbeatLocked()
		stop := make(chan struct{})
		c.hbStop = stop
		c.mu.Unlock()
		c.startHeartbeat(stop)
		return
	}
	c.mu.Unlock()
}

// SetMaxReconnectAttempts changes the reconnect bound for future failures.
func (c *Channel) SetMaxReconnectAttempts(n int) {
	c.mu.Lock()
	c.cfg.Reconnect.MaxAttempts = n
	c.mu.Unlock()
}

// SetReconnectStrategy replaces the backoff settings for future attempts.
func (c *Channel) SetReconnectStrategy(s ReconnectStrategy) {
	c.mu.Lock()
	c.cfg.Reconnect = s
	c.mu.Unlock()
}

func (c *Channel) open(ctx context.Context, reconnect bool) bool {
	c.mu.Lock()
	target := c.endpoint
	gen := c.gen
	header := c.cfg.Header.Clone()
	timeout := c.cfg.ConnectTimeout
	live := gen == c.gen && c.want
	c.mu.Unlock()
	if !live {
		return false
	}

	c.setState(model.StateConnecting)
	dctx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := c.transport.Dial(dctx, target, header)
	cancel()
	if err != nil {
		c.log.WithError(err).Warnf("ws dial failed url=%s", target)
		c.mu.Lock()
		c.stats.ErrorCount++
		c.quality.addOutcome(false)
		live = gen == c.gen && c.want
		c.mu.Unlock()
		if !live {
			return false
		}
		c.setState(model.StateError)
		c.emit(Event{Kind: EventError, State: model.StateError, Attempt: c.currentAttempt(), Err: err})
		c.scheduleReconnect()
		return false
	}

	c.mu.Lock()
	if gen != c.gen || !c.want {
		// Disconnect won the race against the dial.
		c.mu.Unlock()
		_ = conn.Close(websocket.CloseNormalClosure, "client disconnect")
		return false
	}
	c.gen++
	gen = c.gen
	c.conn = conn
	c.attempts = 0
	c.gaveUp = false
	c.stats.ConnectedAt = time.Now()
	stop := make(chan struct{})
	c.hbStop = stop
	subs := append([]*subscription(nil), c.subs...)
	c.mu.Unlock()

	c.setState(model.StateConnected)
	c.log.Infof("ws connected url=%s reconnect=%v", target, reconnect)
	// Listeners see the connect before any message of this connection.
	c.emit(Event{Kind: EventConnected, State: model.StateConnected, Reconnected: reconnect})
	for _, s := range subs {
		c.sendControl(model.MsgSubscribe, model.SubscriptionData{EventType: s.eventType, SubscriptionID: s.id})
	}
	go c.readLoop(gen, conn)
	c.startHeartbeat(stop)
	return true
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, conn, err)
			return
		}
		c.mu.Lock()
		live := gen == c.gen
		c.mu.Unlock()
		if !live {
			return
		}
		c.handleMessage(data)
	}
}

func (c *Channel) handleClose(gen uint64, conn Conn, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// Disconnect (or a newer connection) already owns the state.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stopHeartbeatLocked()
	want := c.want
	c.mu.Unlock()

	_ = conn.Close(websocket.CloseGoingAway, "")
	clean := IsCleanClose(err)
	if clean {
		c.log.Info("ws closed by server")
	} else {
		c.log.WithError(err).Warn("ws connection lost")
		c.countError()
	}
	c.setState(model.StateDisconnected)
	c.emit(Event{Kind: EventDisconnected, State: model.StateDisconnected, Clean: clean, Err: err})
	if !clean && want {
		c.scheduleReconnect()
	}
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if !c.want {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.Reconnect.MaxAttempts {
		attempts := c.attempts
		already := c.gaveUp
		c.gaveUp = true
		c.mu.Unlock()
		c.setState(model.StateError)
		if !already {
			c.log.Errorf("ws reconnect attempts exhausted after %d", attempts)
			c.emit(Event{Kind: EventGaveUp, State: model.StateError, Attempt: attempts})
		}
		return
	}
	delay := c.cfg.Reconnect.Delay(c.attempts, c.rand)
	attempt := c.attempts + 1
	gen := c.gen
	c.stopReconnectLocked()
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnectAttempt(gen) })
	c.mu.Unlock()

	c.log.Infof("ws reconnecting in %s (attempt %d)", delay, attempt)
	c.emit(Event{Kind: EventReconnecting, Attempt: attempt, Delay: delay})
}

func (c *Channel) reconnectAttempt(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.want {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.attempts++
	c.stats.ReconnectCount++
	c.stats.LastReconnect = time.Now()
	c.mu.Unlock()
	c.open(context.Background(), true)
}

func (c *Channel) handleMessage(data []byte) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		if err == nil {
			err = fmt.Errorf("missing message type")
		}
		c.log.WithError(err).Debug("ws drop malformed frame")
		c.mu.Lock()
		c.stats.ErrorCount++
		c.quality.addOutcome(false)
		c.mu.Unlock()
		return
	}
	if msg.Type == model.MsgHeartbeat {
		c.handleHeartbeat(msg)
		return
	}

	c.mu.Lock()
	c.stats.MessagesReceived++
	c.quality.addOutcome(true)
	var targets []*subscription
	for _, s := range c.subs {
		if s.eventType == msg.Type || s.eventType == model.MsgAll {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		c.invoke(s, msg)
	}
}

func (c *Channel) invoke(s *subscription, msg model.Message) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("subscription %s panicked: %v", s.id, r)
			c.log.WithError(err).Error("ws subscriber failed")
			c.countError()
			c.emit(Event{Kind: EventCallbackError, Type: msg.Type, Err: err})
		}
	}()
	s.fn(msg)
}

func (c *Channel) startHeartbeat(stop chan struct{}) {
	c.mu.Lock()
	interval := c.cfg.HeartbeatInterval
	c.mu.Unlock()
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				c.sendHeartbeat()
			}
		}
	}()
}

func (c *Channel) sendHeartbeat() {
	now := time.Now()
	msg, err := model.NewMessage(model.MsgHeartbeat, model.HeartbeatData{Timestamp: now.UnixMilli()})
	if err != nil {
		return
	}
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
	c.Send(msg)
}

func (c *Channel) handleHeartbeat(msg model.Message) {
	var hb model.HeartbeatData
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.Timestamp == 0 {
		return
	}
	latency := time.Since(time.UnixMilli(hb.Timestamp))
	if latency < 0 {
		latency = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastHeartbeat.IsZero() {
		return
	}
	c.quality.addLatency(latency)
	c.stats.Latency = c.quality.meanLatency()
}

func (c *Channel) sendControl(msgType string, data model.SubscriptionData) {
	msg, err := model.NewMessage(msgType, data)
	if err != nil {
		return
	}
	c.Send(msg)
}

func (c *Channel) setState(s model.ConnectionState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.emit(Event{Kind: EventStateChanged, State: s})
	}
}

func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	ls := append([]listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Errorf("ws event listener panicked: %v", r)
				}
			}()
			l.fn(ev)
		}()
	}
}

func (c *Channel) countError() {
	c.mu.Lock()
	c.stats.ErrorCount++
	c.quality.addOutcome(false)
	c.mu.Unlock()
}

func (c *Channel) currentAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Channel) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

func withCanister(endpoint, canisterID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if canisterID != "" {
		q := u.Query()
		q.Set("canister", canisterID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
