package health

import (
	"context"
	"time"
)

// Result is the outcome of a single probe against a pod sidecar.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one target. Implementations must be safe for repeated calls.
type Checker interface {
	Check(ctx context.Context) Result
}

// Config tunes probe cadence and the failure threshold.
type Config struct {
	// Interval is the time between probes.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// Retries is the number of consecutive failures before a pod is
	// considered unhealthy.
	Retries int

	// StartPeriod is the grace window after a pod starts during which
	// failures are expected and not counted.
	StartPeriod time.Duration
}

// DefaultConfig matches the pool sweep defaults: two strikes across two
// sweeps before a warm pod is replaced.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		Retries:     2,
		StartPeriod: 10 * time.Second,
	}
}

// Status tracks probe history for one pod. Not safe for concurrent use;
// callers hold their own lock.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy flips false only after Retries consecutive failures and flips
	// back true on the first success. The hysteresis keeps one dropped probe
	// from costing a warm pod.
	Healthy bool

	StartedAt time.Time
}

// NewStatus starts healthy; a pod that just passed readiness has earned the
// benefit of the doubt.
func NewStatus() *Status {
	return &Status{
		Healthy:   true,
		StartedAt: time.Now(),
	}
}

// Update folds a probe result into the streak counters.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// InStartPeriod reports whether the pod is still inside its boot grace
// window.
func (s *Status) InStartPeriod(config Config) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < config.StartPeriod
}
