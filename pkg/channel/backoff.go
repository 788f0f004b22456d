package channel

import (
	"math"
	"time"
)

// ReconnectStrategy configures automatic reconnects after an unclean close.
type ReconnectStrategy struct {
	MaxAttempts  int           `json:"maxAttempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initialDelay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"maxDelay" yaml:"max_delay"`
	Multiplier   float64       `json:"backoffMultiplier" yaml:"backoff_multiplier"`
	Jitter       bool          `json:"jitterEnabled" yaml:"jitter"`
}

func DefaultReconnectStrategy() ReconnectStrategy {
	return ReconnectStrategy{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Delay returns the wait before reconnect attempt number attempt+1:
// min(initial*mult^attempt, max), scaled into [0.5, 1.0) when jitter is on.
func (s ReconnectStrategy) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := s.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(s.InitialDelay) * math.Pow(mult, float64(attempt))
	if s.MaxDelay > 0 && d > float64(s.MaxDelay) {
		d = float64(s.MaxDelay)
	}
	if s.Jitter && rnd != nil {
		d *= 0.5 + rnd()*0.5
	}
	return time.Duration(math.Floor(d))
}
