package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"livefeed/pkg/coordinator"
	"livefeed/pkg/model"
)

// DefaultRetention bounds how many transactions and errors a Snapshots
// keeps for pull clients.
const DefaultRetention = 500

var ErrBadEnvelope = errors.New("bad envelope")

type sequenced struct {
	seq uint64
	raw json.RawMessage
}

// Snapshots keeps what pull-mode clients need: the latest metrics reading
// plus recent transactions and errors tagged with a sequence number.
type Snapshots struct {
	retain int

	mu      sync.RWMutex
	seq     uint64
	metrics json.RawMessage
	status  map[string]json.RawMessage
	txs     []sequenced
	errs    []sequenced
}

func NewSnapshots(retain int) *Snapshots {
	if retain <= 0 {
		retain = DefaultRetention
	}
	return &Snapshots{retain: retain, status: map[string]json.RawMessage{}}
}

// Record folds a published envelope into the snapshot.
func (s *Snapshots) Record(msg model.Message) error {
	data := bytes.TrimSpace(msg.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: %s has no data", ErrBadEnvelope, msg.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch msg.Type {
	case model.EventMetricsUpdate:
		if data[0] != '{' {
			return fmt.Errorf("%w: metrics must be an object", ErrBadEnvelope)
		}
		s.metrics = append(json.RawMessage(nil), data...)
	case model.EventTransactionUpdate:
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("%w: transactions must be an array: %v", ErrBadEnvelope, err)
		}
		s.txs = s.appendLocked(s.txs, items)
	case model.EventErrorUpdate:
		items, err := objectOrArray(data)
		if err != nil {
			return err
		}
		s.errs = s.appendLocked(s.errs, items)
	case model.EventCanisterStatus, model.EventSubnetHealth, model.EventCycleAlert:
		s.status[msg.Type] = append(json.RawMessage(nil), data...)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadEnvelope, msg.Type)
	}
	return nil
}

func objectOrArray(data []byte) ([]json.RawMessage, error) {
	switch data[0] {
	case '{':
		return []json.RawMessage{append(json.RawMessage(nil), data...)}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: errors must be an object or array", ErrBadEnvelope)
}

func (s *Snapshots) appendLocked(dst []sequenced, items []json.RawMessage) []sequenced {
	for _, it := range items {
		s.seq++
		dst = append(dst, sequenced{seq: s.seq, raw: it})
	}
	if over := len(dst) - s.retain; over > 0 {
		dst = append([]sequenced(nil), dst[over:]...)
	}
	return dst
}

// Since returns the latest metrics plus transactions and errors recorded
// after cursor, and the cursor to ask with next time.
func (s *Snapshots) Since(cursor uint64) (coordinator.PollResult, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return coordinator.PollResult{
		Metrics:      s.metrics,
		Transactions: joinAfter(s.txs, cursor),
		Errors:       joinAfter(s.errs, cursor),
	}, s.seq
}

func joinAfter(items []sequenced, cursor uint64) json.RawMessage {
	var parts [][]byte
	for _, it := range items {
		if it.seq > cursor {
			parts = append(parts, it.raw)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.Write(bytes.Join(parts, []byte{','}))
	buf.WriteByte(']')
	return buf.Bytes()
}

// Latest returns the envelopes a refreshing client should see again.
func (s *Snapshots) Latest() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Message
	if s.metrics != nil {
		out = append(out, model.Message{Type: model.EventMetricsUpdate, Data: s.metrics})
	}
	for _, t := range []string{model.EventCanisterStatus, model.EventSubnetHealth, model.EventCycleAlert} {
		if raw, ok := s.status[t]; ok {
			out = append(out, model.Message{Type: t, Data: raw})
		}
	}
	return out
}
