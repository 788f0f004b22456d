package model

import "time"

// Topic is a coordinator-level update class.
type Topic string

const (
	TopicMetrics      Topic = "metrics"
	TopicTransactions Topic = "transactions"
	TopicErrors       Topic = "errors"
	TopicStatus       Topic = "status"
)

// Source tells which feed produced an update.
type Source string

const (
	SourcePush Source = "push"
	SourcePull Source = "pull"
)

// Priority controls whether a subscription is throttled.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Payload is implemented only by the per-topic payload types of this package.
type Payload interface {
	Topic() Topic
	approxSize() int
}

// Update is one normalized record handed to subscribers.
type Update struct {
	Topic     Topic     `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Payload   Payload   `json:"data"`
}

// ApproxSize is a rough in-memory footprint in bytes, used for buffer accounting.
func (u Update) ApproxSize() int {
	if u.Payload == nil {
		return 64
	}
	return 64 + u.Payload.approxSize()
}

// StatusReport carries free-form canister status fields.
type StatusReport map[string]any

func (StatusReport) Topic() Topic { return TopicStatus }

func (s StatusReport) approxSize() int { return 48 * len(s) }

// ErrorReport is an error pushed by the backend, not a coordinator failure.
type ErrorReport struct {
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	Severity   string    `json:"severity,omitempty"`
	CanisterID string    `json:"canisterId,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

func (ErrorReport) Topic() Topic { return TopicErrors }

func (e ErrorReport) approxSize() int { return 64 + len(e.Code) + len(e.Message) + len(e.Severity) + len(e.CanisterID) }
