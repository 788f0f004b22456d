package coordinator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"livefeed/pkg/model"
)

// ErrInvalidPayload marks data that failed per-topic validation.
var ErrInvalidPayload = errors.New("invalid payload")

// decodePayload turns raw JSON into the typed payload for topic.
func decodePayload(topic model.Topic, raw json.RawMessage) (model.Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: %s payload is missing", ErrInvalidPayload, topic)
	}
	switch topic {
	case model.TopicMetrics:
		if raw[0] != '{' {
			return nil, fmt.Errorf("%w: metrics payload must be an object", ErrInvalidPayload)
		}
		var m model.MetricsSnapshot
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: metrics: %v", ErrInvalidPayload, err)
		}
		return m, nil
	case model.TopicTransactions:
		if raw[0] != '[' {
			return nil, fmt.Errorf("%w: transactions payload must be an array", ErrInvalidPayload)
		}
		var b model.TransactionBatch
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: transactions: %v", ErrInvalidPayload, err)
		}
		return b, nil
	case model.TopicErrors:
		if raw[0] != '{' {
			return nil, fmt.Errorf("%w: error payload must be an object", ErrInvalidPayload)
		}
		var e model.ErrorReport
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("%w: errors: %v", ErrInvalidPayload, err)
		}
		if e.Message == "" {
			return nil, fmt.Errorf("%w: error payload has no message", ErrInvalidPayload)
		}
		return e, nil
	case model.TopicStatus:
		if raw[0] != '{' {
			return nil, fmt.Errorf("%w: status payload must be an object", ErrInvalidPayload)
		}
		var s model.StatusReport
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: status: %v", ErrInvalidPayload, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown topic %q", ErrInvalidPayload, topic)
}

// splitArray returns the elements of a JSON array, or raw itself when it is
// not an array.
func splitArray(raw json.RawMessage) []json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return []json.RawMessage{raw}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return []json.RawMessage{raw}
	}
	return items
}

// pushTopics maps push event types onto coordinator topics.
var pushTopics = map[string]model.Topic{
	model.EventMetricsUpdate:     model.TopicMetrics,
	model.EventTransactionUpdate: model.TopicTransactions,
	model.EventErrorUpdate:       model.TopicErrors,
	model.EventCanisterStatus:    model.TopicStatus,
	model.EventSubnetHealth:      model.TopicStatus,
	model.EventCycleAlert:        model.TopicStatus,
}
