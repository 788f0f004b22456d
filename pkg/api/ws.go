package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"livefeed/pkg/logging"
	"livefeed/pkg/metrics"
	"livefeed/pkg/model"
)

// FeedProtocol is the websocket subprotocol spoken on the feed endpoint.
const FeedProtocol = "livefeed-v1"

const (
	writeWait   = 10 * time.Second
	maxReadSize = 64 << 10
)

var ErrHubFull = errors.New("too many connections for canister")

// feedConn is one dashboard connection and the event types it asked for.
type feedConn struct {
	conn     *websocket.Conn
	canister string

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]string // subscription id -> event type
}

func (c *feedConn) wants(msgType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.subs {
		if t == msgType || t == model.MsgAll {
			return true
		}
	}
	return false
}

func (c *feedConn) subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *feedConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *feedConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// Hub holds dashboard connections and fans envelopes out to the ones
// subscribed to each event type.
type Hub struct {
	upgrader    websocket.Upgrader
	log         logrus.FieldLogger
	rec         *metrics.Recorder
	perCanister int
	// refresh returns the envelopes replayed to a client that sends refresh.
	refresh func(canister string) []model.Message

	mu       sync.RWMutex
	clients  map[*feedConn]struct{}
	reserved map[string]int // slots held by dials still upgrading
}

// NewHub accepts at most perCanister connections scoped to the same
// canister; zero means unlimited.
func NewHub(log logrus.FieldLogger, rec *metrics.Recorder, perCanister int) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			Subprotocols:      []string{FeedProtocol},
			EnableCompression: true,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
		log:         logging.OrDiscard(log),
		rec:         rec,
		perCanister: perCanister,
		clients:     map[*feedConn]struct{}{},
		reserved:    map[string]int{},
	}
}

// HandleFeedWS upgrades a dashboard connection; ?canister=xxx scopes it to
// one canister's broadcasts.
func (h *Hub) HandleFeedWS(w http.ResponseWriter, r *http.Request) {
	canister := r.URL.Query().Get("canister")
	if !h.reserve(canister) {
		http.Error(w, ErrHubFull.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.release(canister)
		h.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("ws upgrade failed")
		return
	}
	conn.SetReadLimit(maxReadSize)
	c := &feedConn{conn: conn, canister: canister, subs: map[string]string{}}
	h.mu.Lock()
	h.reserved[canister]--
	if h.reserved[canister] == 0 {
		delete(h.reserved, canister)
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.rec.Clients(n)
	h.log.WithFields(logrus.Fields{"remote": r.RemoteAddr, "canister": canister}).Info("dashboard ws connected")
	go h.readLoop(c)
}

// reserve holds a connection slot for canister across the upgrade so
// concurrent dials cannot overshoot the cap.
func (h *Hub) reserve(canister string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.perCanister > 0 && h.scopedLocked(canister)+h.reserved[canister] >= h.perCanister {
		return false
	}
	h.reserved[canister]++
	return true
}

func (h *Hub) release(canister string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reserved[canister]--
	if h.reserved[canister] <= 0 {
		delete(h.reserved, canister)
	}
}

func (h *Hub) scopedLocked(canister string) int {
	n := 0
	for c := range h.clients {
		if c.canister == canister {
			n++
		}
	}
	return n
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) readLoop(c *feedConn) {
	defer h.drop(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.WithError(err).Debug("dashboard ws read ended")
			}
			return
		}
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.WithError(err).Debug("dashboard ws sent malformed envelope")
			continue
		}
		switch msg.Type {
		case model.MsgHeartbeat:
			// echo the client's timestamp so it can measure round trips
			if err := c.write(data); err != nil {
				return
			}
		case model.MsgSubscribe, model.MsgUnsubscribe:
			var sd model.SubscriptionData
			if err := json.Unmarshal(msg.Data, &sd); err != nil || sd.SubscriptionID == "" {
				continue
			}
			c.mu.Lock()
			if msg.Type == model.MsgSubscribe {
				c.subs[sd.SubscriptionID] = sd.EventType
			} else {
				delete(c.subs, sd.SubscriptionID)
			}
			c.mu.Unlock()
			h.log.WithFields(logrus.Fields{"type": msg.Type, "event": sd.EventType, "id": sd.SubscriptionID}).Debug("dashboard subscription")
		case model.MsgRefresh:
			if h.refresh == nil {
				continue
			}
			for _, m := range h.refresh(c.canister) {
				if !c.wants(m.Type) {
					continue
				}
				b, err := json.Marshal(m)
				if err != nil {
					continue
				}
				if err := c.write(b); err != nil {
					return
				}
				h.rec.Broadcast(m.Type, 1)
			}
		default:
			h.log.WithField("type", msg.Type).Debug("dashboard ws message ignored")
		}
	}
}

func (h *Hub) drop(c *feedConn) {
	_ = c.conn.Close()
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.rec.Clients(n)
		h.log.WithField("canister", c.canister).Info("dashboard ws disconnected")
	}
}

func (h *Hub) snapshot() []*feedConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*feedConn, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Broadcast writes msg to every client subscribed to its type. A non-empty
// canister limits delivery to clients scoped to that canister or unscoped.
// It returns the number of clients written to.
func (h *Hub) Broadcast(msg model.Message, canister string) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Warn("broadcast marshal failed")
		return 0
	}
	sent := 0
	for _, c := range h.snapshot() {
		if canister != "" && c.canister != "" && c.canister != canister {
			continue
		}
		if !c.wants(msg.Type) {
			continue
		}
		if err := c.write(data); err != nil {
			h.log.WithError(err).WithField("canister", c.canister).Warn("ws send failed")
			go h.drop(c)
			continue
		}
		sent++
	}
	h.rec.Broadcast(msg.Type, sent)
	return sent
}

// Close sends going-away to every client so they reconnect elsewhere.
func (h *Hub) Close() {
	for _, c := range h.snapshot() {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		h.drop(c)
	}
}

// Kick closes clients scoped to canister with a normal closure; they will
// not reconnect.
func (h *Hub) Kick(canister string) int {
	n := 0
	for _, c := range h.snapshot() {
		if c.canister == canister {
			c.closeWith(websocket.CloseNormalClosure, "closed by server")
			h.drop(c)
			n++
		}
	}
	return n
}
