package coordinator

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Start and Configure for rejected settings.
var ErrInvalidConfig = errors.New("invalid coordinator config")

// Config drives mode selection, polling and delivery policy.
type Config struct {
	EnablePush               bool          `json:"enablePush" yaml:"enable_push"`
	EnablePollingFallback    bool          `json:"enablePollingFallback" yaml:"enable_polling_fallback"`
	PollingInterval          time.Duration `json:"pollingInterval" yaml:"polling_interval"`
	PollTimeout              time.Duration `json:"pollTimeout" yaml:"poll_timeout"` // zero means PollingInterval
	MinPollingInterval       time.Duration `json:"minPollingInterval" yaml:"min_polling_interval"`
	ActivityThreshold        int           `json:"activityThreshold" yaml:"activity_threshold"`
	MaxReconnectAttempts     int           `json:"maxReconnectAttempts" yaml:"max_reconnect_attempts"`
	ThrottleEnabled          bool          `json:"throttleEnabled" yaml:"throttle_enabled"`
	ThrottleInterval         time.Duration `json:"throttleInterval" yaml:"throttle_interval"`
	BatchUpdates             bool          `json:"batchUpdates" yaml:"batch_updates"`
	MaxBatchSize             int           `json:"maxBatchSize" yaml:"max_batch_size"`
	BandwidthOptimization    bool          `json:"bandwidthOptimization" yaml:"bandwidth_optimization"`
	AdaptiveThrottling       bool          `json:"adaptiveThrottling" yaml:"adaptive_throttling"`
	MaxUpdatesPerSecond      int           `json:"maxUpdatesPerSecond" yaml:"max_updates_per_second"`
	MaxConcurrentConnections int           `json:"maxConcurrentConnections" yaml:"max_concurrent_connections"`
}

func DefaultConfig() Config {
	return Config{
		EnablePush:               true,
		EnablePollingFallback:    true,
		PollingInterval:          5 * time.Second,
		MinPollingInterval:       time.Second,
		ActivityThreshold:        20,
		MaxReconnectAttempts:     10,
		ThrottleEnabled:          true,
		ThrottleInterval:         time.Second,
		BatchUpdates:             true,
		MaxBatchSize:             10,
		BandwidthOptimization:    true,
		AdaptiveThrottling:       false,
		MaxUpdatesPerSecond:      100,
		MaxConcurrentConnections: 3,
	}
}

// Validate rejects negative values and zero periods that would spin timers.
func (c Config) Validate() error {
	switch {
	case c.PollingInterval <= 0:
		return fmt.Errorf("%w: pollingInterval must be positive, got %s", ErrInvalidConfig, c.PollingInterval)
	case c.PollTimeout < 0:
		return fmt.Errorf("%w: pollTimeout must not be negative", ErrInvalidConfig)
	case c.MinPollingInterval < 0:
		return fmt.Errorf("%w: minPollingInterval must not be negative", ErrInvalidConfig)
	case c.ActivityThreshold < 0:
		return fmt.Errorf("%w: activityThreshold must not be negative", ErrInvalidConfig)
	case c.MaxReconnectAttempts < 0:
		return fmt.Errorf("%w: maxReconnectAttempts must not be negative", ErrInvalidConfig)
	case c.ThrottleInterval < 0, c.ThrottleEnabled && c.ThrottleInterval == 0:
		return fmt.Errorf("%w: throttleInterval must be positive, got %s", ErrInvalidConfig, c.ThrottleInterval)
	case c.MaxBatchSize < 0:
		return fmt.Errorf("%w: maxBatchSize must not be negative", ErrInvalidConfig)
	case c.MaxUpdatesPerSecond < 0:
		return fmt.Errorf("%w: maxUpdatesPerSecond must not be negative", ErrInvalidConfig)
	case c.MaxConcurrentConnections < 0:
		return fmt.Errorf("%w: maxConcurrentConnections must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) pollTimeout() time.Duration {
	if c.PollTimeout > 0 {
		return c.PollTimeout
	}
	return c.PollingInterval
}

// Patch is a partial Config; nil fields are left unchanged.
type Patch struct {
	EnablePollingFallback *bool
	PollingInterval       *time.Duration
	PollTimeout           *time.Duration
	MaxReconnectAttempts  *int
	ThrottleEnabled       *bool
	ThrottleInterval      *time.Duration
	BatchUpdates          *bool
	MaxBatchSize          *int
	BandwidthOptimization *bool
	AdaptiveThrottling    *bool
	MaxUpdatesPerSecond   *int
}

func (p Patch) apply(c Config) Config {
	if p.EnablePollingFallback != nil {
		c.EnablePollingFallback = *p.EnablePollingFallback
	}
	if p.PollingInterval != nil {
		c.PollingInterval = *p.PollingInterval
	}
	if p.PollTimeout != nil {
		c.PollTimeout = *p.PollTimeout
	}
	if p.MaxReconnectAttempts != nil {
		c.MaxReconnectAttempts = *p.MaxReconnectAttempts
	}
	if p.ThrottleEnabled != nil {
		c.ThrottleEnabled = *p.ThrottleEnabled
	}
	if p.ThrottleInterval != nil {
		c.ThrottleInterval = *p.ThrottleInterval
	}
	if p.BatchUpdates != nil {
		c.BatchUpdates = *p.BatchUpdates
	}
	if p.MaxBatchSize != nil {
		c.MaxBatchSize = *p.MaxBatchSize
	}
	if p.BandwidthOptimization != nil {
		c.BandwidthOptimization = *p.BandwidthOptimization
	}
	if p.AdaptiveThrottling != nil {
		c.AdaptiveThrottling = *p.AdaptiveThrottling
	}
	if p.MaxUpdatesPerSecond != nil {
		c.MaxUpdatesPerSecond = *p.MaxUpdatesPerSecond
	}
	return c
}

// Ptr is a helper for building Patch literals.
func Ptr[T any](v T) *T { return &v }
