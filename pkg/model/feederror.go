package model

import (
	"fmt"
	"time"
)

// FeedErrorType is the coordinator error taxonomy.
type FeedErrorType string

const (
	ErrConnection             FeedErrorType = "connection_error"
	ErrDataValidation         FeedErrorType = "data_validation_error"
	ErrCallback               FeedErrorType = "callback_error"
	ErrPolling                FeedErrorType = "polling_error"
	ErrPerformanceDegradation FeedErrorType = "performance_degradation"
)

// FeedError is delivered to error observers; it is never returned from public methods.
type FeedError struct {
	Type    FeedErrorType `json:"type"`
	Message string        `json:"message"`
	Topic   Topic         `json:"topic,omitempty"`
	Source  Source        `json:"source,omitempty"`
	At      time.Time     `json:"at"`
	Err     error         `json:"-"`
}

func (e FeedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e FeedError) Unwrap() error { return e.Err }
