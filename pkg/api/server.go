package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"livefeed/pkg/auth"
	"livefeed/pkg/logging"
	"livefeed/pkg/metrics"
	"livefeed/pkg/model"
	"livefeed/pkg/version"
)

// CursorHeader mirrors fetch.CursorHeader.
const CursorHeader = "X-Feed-Cursor"

const maxPublishBody = 4 << 20

// Options configure a Server.
type Options struct {
	// Secret enables HS256 bearer checks on every API route when set.
	Secret         []byte
	MaxPerCanister int // dashboard connections per canister scope
	Retention      int
	Logger         logrus.FieldLogger
	Recorder       *metrics.Recorder
}

// Server is the feed server: websocket push, snapshot pull and publish.
type Server struct {
	hub    *Hub
	snaps  *Snapshots
	secret []byte
	log    logrus.FieldLogger
}

func NewServer(o Options) *Server {
	log := logging.OrDiscard(o.Logger)
	s := &Server{
		hub:    NewHub(log, o.Recorder, o.MaxPerCanister),
		snaps:  NewSnapshots(o.Retention),
		secret: o.Secret,
		log:    log,
	}
	s.hub.refresh = func(string) []model.Message {
		msgs := s.snaps.Latest()
		now := time.Now().UTC()
		for i := range msgs {
			msgs[i].Timestamp = now
		}
		return msgs
	}
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

// RegisterRoutes wires the HTTP handlers on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("livefeed server"))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]any{"version": version.String(), "clients": s.hub.Len()})
	})
	mux.HandleFunc("/api/v1/ws/feed", s.handleFeed)
	mux.HandleFunc("/api/v1/snapshot", s.authorized(s.handleSnapshot))
	mux.HandleFunc("/api/v1/publish", s.authorized(s.handlePublish))
}

// Publish records msg for pull clients and pushes it to subscribers.
func (s *Server) Publish(msg model.Message, canister string) (int, error) {
	switch msg.Type {
	case "", model.MsgHeartbeat, model.MsgSubscribe, model.MsgUnsubscribe, model.MsgRefresh, model.MsgAll:
		return 0, fmt.Errorf("%w: type %q cannot be published", ErrBadEnvelope, msg.Type)
	}
	if err := s.snaps.Record(msg); err != nil {
		return 0, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return s.hub.Broadcast(msg, canister), nil
}

// Close disconnects all dashboards with going-away.
func (s *Server) Close() { s.hub.Close() }

func (s *Server) claims(r *http.Request) (*auth.Claims, bool) {
	if len(s.secret) == 0 {
		return nil, true
	}
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tok == "" || tok == r.Header.Get("Authorization") {
		tok = r.URL.Query().Get("token")
	}
	if tok == "" {
		return nil, false
	}
	c, err := auth.Parse(s.secret, tok)
	if err != nil {
		return nil, false
	}
	return c, true
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.claims(r); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	c, ok := s.claims(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if c != nil && c.CanisterID != "" && r.URL.Query().Get("canister") != c.CanisterID {
		http.Error(w, "token not valid for canister", http.StatusForbidden)
		return
	}
	s.hub.HandleFeedWS(w, r)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cursor uint64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = n
	}
	res, next := s.snaps.Since(cursor)
	w.Header().Set(CursorHeader, strconv.FormatUint(next, 10))
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg model.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody)).Decode(&msg); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	n, err := s.Publish(msg, r.URL.Query().Get("canister"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("failed to write response")
	}
}
