package model

import "time"

// ConnectionState is the lifecycle state of the push connection.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// ConnectionQuality is a coarse grade derived from latency and error rate.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
	QualityUnstable  ConnectionQuality = "unstable"
)

// OperatingMode tells which feed is active. The zero value means not started.
type OperatingMode string

const (
	ModeNone OperatingMode = ""
	ModePush OperatingMode = "push"
	ModePull OperatingMode = "pull"
)

// Mode change reasons.
const (
	ReasonConnectionEstablished = "connection_established"
	ReasonConnectionFailed      = "connection_failed"
	ReasonConnectionLost        = "connection_lost"
	ReasonConnectionRestored    = "connection_restored"
	ReasonPushDisabled          = "push_disabled"
)

// ModeChange is emitted on every OperatingMode transition.
type ModeChange struct {
	From   OperatingMode `json:"from"`
	To     OperatingMode `json:"to"`
	Reason string        `json:"reason"`
	At     time.Time     `json:"at"`
}

// PullStatus reports the poller state.
type PullStatus string

const (
	PullActive   PullStatus = "active"
	PullInactive PullStatus = "inactive"
	PullError    PullStatus = "error"
)

// ConnectionHealth is an on-demand snapshot of both feeds.
type ConnectionHealth struct {
	PushStatus           ConnectionState   `json:"pushStatus"`
	PullStatus           PullStatus        `json:"pullStatus"`
	LastUpdate           time.Time         `json:"lastUpdate"`
	UpdateFrequency      float64           `json:"updateFrequency"`      // updates per minute
	DataFreshnessSeconds float64           `json:"dataFreshnessSeconds"` // -1 when nothing was received yet
	ErrorCount           int               `json:"errorCount"`
	ReconnectCount       int               `json:"reconnectCount"`
	Quality              ConnectionQuality `json:"quality"`
}

// PerformanceStats summarises coordinator throughput.
type PerformanceStats struct {
	TotalUpdates        int64         `json:"totalUpdates"`
	AverageLatency      time.Duration `json:"averageLatency"` // ingest to delivery
	MemoryUsageEstimate int64         `json:"memoryUsageEstimate"`
	UpdatesPerSecond    float64       `json:"updatesPerSecond"`
	PendingUpdates      int           `json:"pendingUpdates"`
	ThrottleInterval    time.Duration `json:"throttleInterval"`
	Degraded            bool          `json:"degraded"`
}
