package modbus

import (
	"time"
)

// CircuitState is the autoheal circuit breaker's state (spec.md §4.11).
type CircuitState uint

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

// AutoHealConfig configures the supervisor's backoff and trip thresholds.
type AutoHealConfig struct {
	// InitialBackoff is the delay before the first retry after a failure.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential backoff growth.
	MaxBackoff time.Duration
	// Multiplier scales the backoff after each consecutive failure.
	Multiplier float64
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int
	// Cooldown is how long the breaker stays Open before allowing a
	// single probe attempt (half-open retry).
	Cooldown time.Duration
}

func (c *AutoHealConfig) withDefaults() AutoHealConfig {
	out := *c
	if out.InitialBackoff == 0 {
		out.InitialBackoff = 100 * time.Millisecond
	}
	if out.MaxBackoff == 0 {
		out.MaxBackoff = 30 * time.Second
	}
	if out.Multiplier <= 1 {
		out.Multiplier = 2
	}
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 5
	}
	if out.Cooldown == 0 {
		out.Cooldown = 10 * time.Second
	}

	return out
}

// Supervisor implements auto-heal for a transport: exponential backoff
// between reconnect attempts, plus a circuit breaker that stops attempting
// reconnects for Cooldown once FailureThreshold consecutive failures have
// been observed (spec.md §4.11). It holds no goroutines; ShouldAttempt and
// RecordResult are meant to be called from the owning client/server's
// poll() loop.
type Supervisor struct {
	conf AutoHealConfig

	state           CircuitState
	consecutiveFail int
	backoff         time.Duration
	openedAt        time.Time
	nextAttemptAt   time.Time
}

// NewSupervisor builds a Supervisor in the Closed state.
func NewSupervisor(conf AutoHealConfig) *Supervisor {
	return &Supervisor{
		conf:    conf.withDefaults(),
		state:   CircuitClosed,
		backoff: conf.withDefaults().InitialBackoff,
	}
}

// State returns the breaker's current state.
func (s *Supervisor) State() CircuitState {
	return s.state
}

// ShouldAttempt reports whether a reconnect/retry attempt should be made
// right now, given the current backoff/breaker state.
func (s *Supervisor) ShouldAttempt(now time.Time) bool {
	if s.state == CircuitOpen {
		if now.Sub(s.openedAt) < s.conf.Cooldown {
			return false
		}
		// cooldown elapsed: allow a single half-open probe.
		return true
	}

	return !now.Before(s.nextAttemptAt)
}

// RecordResult feeds back the outcome of an attempt gated by ShouldAttempt.
func (s *Supervisor) RecordResult(now time.Time, err error) {
	if err == nil {
		s.consecutiveFail = 0
		s.backoff = s.conf.InitialBackoff
		s.state = CircuitClosed
		s.nextAttemptAt = time.Time{}

		return
	}

	s.consecutiveFail++
	s.nextAttemptAt = now.Add(s.backoff)

	s.backoff = time.Duration(float64(s.backoff) * s.conf.Multiplier)
	if s.backoff > s.conf.MaxBackoff {
		s.backoff = s.conf.MaxBackoff
	}

	if s.consecutiveFail >= s.conf.FailureThreshold {
		s.state = CircuitOpen
		s.openedAt = now
	}
}
