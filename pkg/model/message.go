package model

import (
	"encoding/json"
	"time"
)

// Reserved envelope types handled by the channel itself.
const (
	MsgHeartbeat   = "heartbeat"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgRefresh     = "refresh"
	MsgAll         = "all"
)

// Push event types carried in Message.Type.
const (
	EventMetricsUpdate     = "metrics_update"
	EventTransactionUpdate = "transaction_update"
	EventErrorUpdate       = "error_update"
	EventCanisterStatus    = "canister_status"
	EventSubnetHealth      = "subnet_health"
	EventCycleAlert        = "cycle_alert"
)

// Message is the wire envelope shared by both directions.
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  *MessageMeta    `json:"metadata,omitempty"`
}

// MessageMeta is optional producer information.
type MessageMeta struct {
	Source   string `json:"source,omitempty"`
	Version  string `json:"version,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// HeartbeatData is the body of heartbeat requests and their echoes.
type HeartbeatData struct {
	Timestamp int64 `json:"timestamp"` // unix milliseconds, client clock
}

// SubscriptionData is the body of subscribe/unsubscribe control messages.
type SubscriptionData struct {
	EventType      string `json:"eventType,omitempty"`
	SubscriptionID string `json:"subscriptionId"`
}

// NewMessage builds an envelope with data marshalled to JSON.
func NewMessage(msgType string, data any) (Message, error) {
	msg := Message{Type: msgType, Timestamp: time.Now().UTC()}
	if data == nil {
		return msg, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	msg.Data = b
	return msg, nil
}
