package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"livefeed/pkg/auth"
	"livefeed/pkg/channel"
	"livefeed/pkg/metrics"
	"livefeed/pkg/model"
)

func newTestServer(t *testing.T, o Options) (*Server, *httptest.Server) {
	t.Helper()
	if o.Recorder == nil {
		o.Recorder = metrics.NewRecorder(prometheus.NewRegistry())
	}
	s := NewServer(o)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws/feed"
	if query != "" {
		u += "?" + query
	}
	return u
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func subscribedClients(h *Hub) int {
	n := 0
	for _, c := range h.snapshot() {
		if c.subscriptions() > 0 {
			n++
		}
	}
	return n
}

func mustMessage(t *testing.T, typ string, data any) model.Message {
	t.Helper()
	m, err := model.NewMessage(typ, data)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	return m
}

func TestChannelReceivesPublishedUpdates(t *testing.T) {
	s, ts := newTestServer(t, Options{})

	cfg := channel.DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	ch := channel.New(cfg)
	var mu sync.Mutex
	var got []model.Message
	ch.Subscribe(model.EventMetricsUpdate, func(m model.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	if !ch.Connect(context.Background(), ts.URL+"/api/v1/ws/feed", "canister-1") {
		t.Fatal("connect failed")
	}
	defer ch.Disconnect()
	eventually(t, "subscription", func() bool { return subscribedClients(s.Hub()) == 1 })

	if _, err := s.Publish(mustMessage(t, model.EventTransactionUpdate, []model.TransactionRecord{{ID: "t1"}}), ""); err != nil {
		t.Fatalf("publish tx: %v", err)
	}
	n, err := s.Publish(mustMessage(t, model.EventMetricsUpdate, model.MetricsSnapshot{Payments: 4}), "canister-1")
	if err != nil || n != 1 {
		t.Fatalf("publish metrics: n=%d err=%v", n, err)
	}
	eventually(t, "metrics delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	data := got[0].Data
	mu.Unlock()
	var snap model.MetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.Payments != 4 {
		t.Fatalf("payload = %s err=%v", data, err)
	}
	eventually(t, "heartbeat round trip", func() bool { return ch.Stats().MessagesSent > 1 })
}

func TestCanisterScopedBroadcast(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	dial := func(canister string) *websocket.Conn {
		c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "canister="+canister), nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		sub := mustMessage(t, model.MsgSubscribe, model.SubscriptionData{EventType: model.MsgAll, SubscriptionID: "s-" + canister})
		if err := c.WriteJSON(sub); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		return c
	}
	a, b := dial("a"), dial("b")
	defer a.Close()
	defer b.Close()
	eventually(t, "subscriptions", func() bool { return subscribedClients(s.Hub()) == 2 })

	if n := s.Hub().Broadcast(mustMessage(t, model.EventCycleAlert, map[string]int{"remaining": 5}), "a"); n != 1 {
		t.Fatalf("delivered to %d clients", n)
	}
	_ = a.SetReadDeadline(time.Now().Add(time.Second))
	var msg model.Message
	if err := a.ReadJSON(&msg); err != nil || msg.Type != model.EventCycleAlert {
		t.Fatalf("read: %+v %v", msg, err)
	}
}

func TestHeartbeatEchoAndRefresh(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	if _, err := s.Publish(mustMessage(t, model.EventMetricsUpdate, model.MetricsSnapshot{Payments: 9}), ""); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))

	hb := mustMessage(t, model.MsgHeartbeat, model.HeartbeatData{Timestamp: 12345})
	if err := c.WriteJSON(hb); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	var echo model.Message
	if err := c.ReadJSON(&echo); err != nil || echo.Type != model.MsgHeartbeat {
		t.Fatalf("echo: %+v %v", echo, err)
	}
	var hd model.HeartbeatData
	if err := json.Unmarshal(echo.Data, &hd); err != nil || hd.Timestamp != 12345 {
		t.Fatalf("echo data: %s", echo.Data)
	}

	_ = c.WriteJSON(mustMessage(t, model.MsgSubscribe, model.SubscriptionData{EventType: model.EventMetricsUpdate, SubscriptionID: "m"}))
	_ = c.WriteJSON(mustMessage(t, model.MsgRefresh, nil))
	var replay model.Message
	if err := c.ReadJSON(&replay); err != nil || replay.Type != model.EventMetricsUpdate || replay.Timestamp.IsZero() {
		t.Fatalf("replay: %+v %v", replay, err)
	}
}

func TestSnapshotCursor(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	_, _ = s.Publish(mustMessage(t, model.EventTransactionUpdate, []model.TransactionRecord{{ID: "t1"}, {ID: "t2"}}), "")
	_, _ = s.Publish(mustMessage(t, model.EventErrorUpdate, model.ErrorReport{Message: "trap"}), "")

	get := func(cursor string) (map[string]json.RawMessage, string) {
		resp, err := http.Get(ts.URL + "/api/v1/snapshot?cursor=" + cursor)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d", resp.StatusCode)
		}
		var out map[string]json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out, resp.Header.Get(CursorHeader)
	}

	first, next := get("0")
	var txs []model.TransactionRecord
	if err := json.Unmarshal(first["transactions"], &txs); err != nil || len(txs) != 2 {
		t.Fatalf("transactions = %s", first["transactions"])
	}
	if next != "3" || first["errors"] == nil {
		t.Fatalf("cursor = %q errors = %s", next, first["errors"])
	}
	second, _ := get(next)
	if second["transactions"] != nil || second["errors"] != nil {
		t.Fatalf("repeat = %v", second)
	}
}

func TestPublishValidation(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	cases := map[string]string{
		"reserved type":      `{"type":"heartbeat","data":{"timestamp":1}}`,
		"unknown type":       `{"type":"weather","data":{}}`,
		"missing data":       `{"type":"metrics_update"}`,
		"tx object":          `{"type":"transaction_update","data":{"id":"x"}}`,
		"metrics array":      `{"type":"metrics_update","data":[1]}`,
		"not json":           `{`,
		"errors bare string": `{"type":"error_update","data":"boom"}`,
	}
	for name, body := range cases {
		resp, err := http.Post(ts.URL+"/api/v1/publish", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status %d", name, resp.StatusCode)
		}
	}
	resp, err := http.Post(ts.URL+"/api/v1/publish", "application/json", strings.NewReader(`{"type":"metrics_update","data":{"payments":1}}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid publish status %d", resp.StatusCode)
	}
}

func TestBearerTokens(t *testing.T) {
	secret := []byte("feed-secret")
	_, ts := newTestServer(t, Options{Secret: secret})

	resp, err := http.Get(ts.URL + "/api/v1/snapshot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status %d", resp.StatusCode)
	}

	tok, err := auth.Generate(secret, "dash", "canister-1", time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/snapshot", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer status %d", resp.StatusCode)
	}

	h := http.Header{"Authorization": {"Bearer " + tok}}
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "canister=other"), h); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong canister should be forbidden: %v", err)
	}
	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "canister=canister-1&token="+tok), nil)
	if err != nil {
		t.Fatalf("query token dial: %v", err)
	}
	c.Close()
}

func TestHubConnectionLimit(t *testing.T) {
	s, ts := newTestServer(t, Options{MaxPerCanister: 1})
	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "canister=a"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	eventually(t, "first client", func() bool { return s.Hub().Len() == 1 })
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "canister=a"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second dial: %v", err)
	}
	other, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "canister=b"), nil)
	if err != nil {
		t.Fatalf("other canister dial: %v", err)
	}
	other.Close()
}

func TestHubConnectionLimitUnderConcurrentDials(t *testing.T) {
	s, ts := newTestServer(t, Options{MaxPerCanister: 2})
	const dials = 12
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns []*websocket.Conn
	)
	start := make(chan struct{})
	for i := 0; i < dials; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "canister=c"), nil)
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	if len(conns) != 2 {
		t.Fatalf("accepted %d connections, cap is 2", len(conns))
	}
	eventually(t, "registered", func() bool { return s.Hub().Len() == 2 })
}

func TestHubReserveHoldsSlot(t *testing.T) {
	h := NewHub(nil, nil, 1)
	if !h.reserve("a") {
		t.Fatal("first reserve refused")
	}
	if h.reserve("a") {
		t.Fatal("second reserve accepted while first still upgrading")
	}
	if !h.reserve("b") {
		t.Fatal("other canister refused")
	}
	h.release("a")
	if !h.reserve("a") {
		t.Fatal("reserve refused after release")
	}
}

func TestKickClosesNormally(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "canister=x"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	eventually(t, "client", func() bool { return s.Hub().Len() == 1 })
	if n := s.Hub().Kick("x"); n != 1 {
		t.Fatalf("kicked %d", n)
	}
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read err = %v", err)
	}
	if s.Hub().Len() != 0 {
		t.Fatalf("clients = %d", s.Hub().Len())
	}
}
