package coordinator

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"livefeed/pkg/channel"
	"livefeed/pkg/model"
)

type fakeSub struct {
	id        string
	eventType string
	fn        channel.Handler
}

// fakeChannel is an in-memory PushChannel driven by the test.
type fakeChannel struct {
	mu          sync.Mutex
	connectOK   bool
	state       model.ConnectionState
	handlers    []fakeSub
	listeners   map[int]func(channel.Event)
	nextID      int
	sent        []model.Message
	connects    int
	disconnects int
	maxAttempts int
}

func newFakeChannel(connectOK bool) *fakeChannel {
	return &fakeChannel{
		connectOK: connectOK,
		state:     model.StateDisconnected,
		listeners: make(map[int]func(channel.Event)),
	}
}

func (f *fakeChannel) Connect(ctx context.Context, endpoint, canisterID string) bool {
	f.mu.Lock()
	f.connects++
	ok := f.connectOK
	if ok {
		f.state = model.StateConnected
	} else {
		f.state = model.StateError
	}
	f.mu.Unlock()
	if ok {
		f.emit(channel.Event{Kind: channel.EventConnected, State: model.StateConnected})
	}
	return ok
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.state = model.StateDisconnected
	f.mu.Unlock()
}

func (f *fakeChannel) Subscribe(eventType string, fn channel.Handler) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := eventType + "-" + strconv.Itoa(f.nextID)
	f.handlers = append(f.handlers, fakeSub{id: id, eventType: eventType, fn: fn})
	return id
}

func (f *fakeChannel) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, h := range f.handlers {
		if h.id == id {
			f.handlers = append(f.handlers[:i:i], f.handlers[i+1:]...)
			return
		}
	}
}

func (f *fakeChannel) OnEvent(fn func(channel.Event)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeChannel) Send(msg model.Message) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
}

func (f *fakeChannel) State() model.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Quality() model.ConnectionQuality { return model.QualityExcellent }

func (f *fakeChannel) Stats() channel.Stats { return channel.Stats{} }

func (f *fakeChannel) SetMaxReconnectAttempts(n int) {
	f.mu.Lock()
	f.maxAttempts = n
	f.mu.Unlock()
}

func (f *fakeChannel) emit(ev channel.Event) {
	f.mu.Lock()
	var ls []func(channel.Event)
	for _, l := range f.listeners {
		ls = append(ls, l)
	}
	f.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

// reconnect simulates the channel's automatic reconnect succeeding.
func (f *fakeChannel) reconnect() {
	f.mu.Lock()
	f.state = model.StateConnected
	f.mu.Unlock()
	f.emit(channel.Event{Kind: channel.EventConnected, State: model.StateConnected, Reconnected: true})
}

// drop simulates an unclean close.
func (f *fakeChannel) drop() {
	f.mu.Lock()
	f.state = model.StateDisconnected
	f.mu.Unlock()
	f.emit(channel.Event{Kind: channel.EventDisconnected, State: model.StateDisconnected})
}

// push delivers a message to the coordinator's subscriptions.
func (f *fakeChannel) push(t *testing.T, eventType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.pushRaw(eventType, raw)
}

func (f *fakeChannel) pushRaw(eventType string, raw json.RawMessage) {
	f.mu.Lock()
	var hs []channel.Handler
	for _, h := range f.handlers {
		if h.eventType == eventType {
			hs = append(hs, h.fn)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(model.Message{Type: eventType, Timestamp: time.Now(), Data: raw})
	}
}

// countingFetcher returns res (or err) and counts calls.
type countingFetcher struct {
	mu    sync.Mutex
	calls int
	res   PollResult
	err   error
}

func (f *countingFetcher) Fetch(ctx context.Context) (PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// unthrottled returns a config that delivers synchronously.
func unthrottled() Config {
	cfg := DefaultConfig()
	cfg.ThrottleEnabled = false
	cfg.BandwidthOptimization = false
	cfg.PollingInterval = time.Hour
	return cfg
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", what)
}

func channelGaveUp(attempts int) channel.Event {
	return channel.Event{Kind: channel.EventGaveUp, State: model.StateError, Attempt: attempts}
}
