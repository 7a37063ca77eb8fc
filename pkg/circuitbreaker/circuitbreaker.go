// Package circuitbreaker gates calls to named services behind a three-state
// breaker (closed, open, half_open) so a failing dependency cannot saturate
// the caller with retries. It is consumed directly by the self-healing
// controller (each agent's recovery path runs behind its own named circuit)
// and is available to any external-service integration.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wisbric/fleetctl/pkg/events"
)

// State is one of the three breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures a single circuit. Zero values are replaced by the
// defaults named in spec.md §6.
type Config struct {
	Name              string
	FailureThreshold  int
	SuccessThreshold  int
	ResetTimeout      time.Duration
	MonitoringWindow  time.Duration
	HalfOpenMaxCalls  int
	// DisableAutoRecovery keeps an open circuit open until it is reset or
	// force-closed. By default (false) the first call after ResetTimeout
	// moves the circuit to half_open.
	DisableAutoRecovery bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

// ErrCircuitOpen is returned (possibly wrapped) when a call is refused
// because the gate is not open for business.
type ErrCircuitOpen struct {
	Name  string
	State State
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit %q is %s", e.Name, e.State)
}

// ErrBothFailed wraps a primary failure and a fallback failure together,
// preserving both causes.
type ErrBothFailed struct {
	Primary  error
	Fallback error
}

func (e *ErrBothFailed) Error() string {
	return fmt.Sprintf("primary failed: %v; fallback also failed: %v", e.Primary, e.Fallback)
}

func (e *ErrBothFailed) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

type timestampedResult struct {
	at      time.Time
	success bool
}

// Circuit is a single named breaker instance.
type Circuit struct {
	cfg Config
	bus *events.Bus

	mu                  sync.Mutex
	state               State
	window              []timestampedResult
	consecutiveSuccess  int
	halfOpenInFlight    int
	openedAt            time.Time
	totalCalls          int64
	rejectedCalls       int64
	openTransitions     int64
}

// New creates a Circuit in the closed state. bus may be nil to disable
// event emission.
func New(cfg Config, bus *events.Bus) *Circuit {
	cfg = cfg.withDefaults()
	return &Circuit{
		cfg:   cfg,
		bus:   bus,
		state: StateClosed,
	}
}

// Name returns the circuit's configured name.
func (c *Circuit) Name() string { return c.cfg.Name }

// State returns the current state.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats is a point-in-time snapshot of rolling metrics.
type Stats struct {
	State           State
	FailureRate     float64
	CallsPerSecond  float64
	TotalCalls      int64
	RejectedCalls   int64
	OpenTransitions int64
}

// Stats returns rolling metrics computed over the monitoring window.
func (c *Circuit) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(time.Now())

	var failures int
	for _, r := range c.window {
		if !r.success {
			failures++
		}
	}

	var failureRate, callsPerSec float64
	if n := len(c.window); n > 0 {
		failureRate = float64(failures) / float64(n)
		callsPerSec = float64(n) / c.cfg.MonitoringWindow.Seconds()
	}

	return Stats{
		State:           c.state,
		FailureRate:     failureRate,
		CallsPerSecond:  callsPerSec,
		TotalCalls:      c.totalCalls,
		RejectedCalls:   c.rejectedCalls,
		OpenTransitions: c.openTransitions,
	}
}

// Execute runs op if the gate permits, otherwise invokes fallback (if
// provided) or returns a typed ErrCircuitOpen. op's error, if any, is
// recorded against the circuit before being returned (or handed to
// fallback).
func (c *Circuit) Execute(ctx context.Context, op func(ctx context.Context) error, fallback func(ctx context.Context, cause error) error) error {
	if !c.admit() {
		c.mu.Lock()
		c.rejectedCalls++
		st := c.state
		c.mu.Unlock()

		rejectErr := &ErrCircuitOpen{Name: c.cfg.Name, State: st}
		if fallback == nil {
			return rejectErr
		}

		if err := fallback(ctx, rejectErr); err != nil {
			c.emit(events.KindCircuitFallbackUsed, map[string]any{"circuit": c.cfg.Name, "error": err.Error()})
			return &ErrBothFailed{Primary: rejectErr, Fallback: err}
		}
		c.emit(events.KindCircuitFallbackUsed, map[string]any{"circuit": c.cfg.Name})
		return nil
	}

	err := op(ctx)
	if err == nil {
		c.recordSuccess()
		return nil
	}

	c.recordFailure()

	if fallback == nil {
		return err
	}
	if fbErr := fallback(ctx, err); fbErr != nil {
		return &ErrBothFailed{Primary: err, Fallback: fbErr}
	}
	c.emit(events.KindCircuitFallbackUsed, map[string]any{"circuit": c.cfg.Name})
	return nil
}

// admit decides whether a call may proceed, transitioning open→half_open
// when resetTimeout has elapsed, and bookkeeping half_open concurrency.
func (c *Circuit) admit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.pruneLocked(now)

	switch c.state {
	case StateClosed:
		c.totalCalls++
		return true
	case StateOpen:
		if !c.cfg.DisableAutoRecovery && now.Sub(c.openedAt) >= c.cfg.ResetTimeout {
			c.transitionLocked(StateHalfOpen, "reset_timeout_elapsed")
			c.halfOpenInFlight++
			c.totalCalls++
			return true
		}
		return false
	case StateHalfOpen:
		if c.halfOpenInFlight >= c.cfg.HalfOpenMaxCalls {
			return false
		}
		c.halfOpenInFlight++
		c.totalCalls++
		return true
	default:
		return false
	}
}

func (c *Circuit) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.window = append(c.window, timestampedResult{at: now, success: true})
	c.pruneLocked(now)

	switch c.state {
	case StateHalfOpen:
		c.halfOpenInFlight--
		c.consecutiveSuccess++
		if c.consecutiveSuccess >= c.cfg.SuccessThreshold {
			c.transitionLocked(StateClosed, "success_threshold_reached")
		}
	case StateClosed:
		c.consecutiveSuccess++
	}

	c.emit(events.KindCircuitSuccess, map[string]any{"circuit": c.cfg.Name})
}

func (c *Circuit) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.window = append(c.window, timestampedResult{at: now, success: false})
	c.pruneLocked(now)
	c.consecutiveSuccess = 0

	switch c.state {
	case StateHalfOpen:
		c.halfOpenInFlight--
		c.transitionLocked(StateOpen, "failure_in_half_open")
	case StateClosed:
		if c.countFailuresLocked() >= c.cfg.FailureThreshold {
			c.transitionLocked(StateOpen, "failure_threshold_reached")
		}
	}

	c.emit(events.KindCircuitFailure, map[string]any{"circuit": c.cfg.Name})
}

func (c *Circuit) countFailuresLocked() int {
	var n int
	for _, r := range c.window {
		if !r.success {
			n++
		}
	}
	return n
}

// pruneLocked drops window entries older than the monitoring window.
func (c *Circuit) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.MonitoringWindow)
	i := 0
	for i < len(c.window) && c.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.window = c.window[i:]
	}
}

// transitionLocked moves to newState and emits state_changed plus the
// state-specific event. Caller must hold c.mu.
func (c *Circuit) transitionLocked(newState State, reason string) {
	prev := c.state
	c.state = newState
	if newState == StateOpen {
		c.openedAt = time.Now()
		c.openTransitions++
	}
	if newState == StateClosed {
		c.consecutiveSuccess = 0
		c.window = c.window[:0]
	}

	c.emit(events.KindCircuitStateChanged, map[string]any{
		"circuit": c.cfg.Name, "from": string(prev), "to": string(newState), "reason": reason,
	})

	switch newState {
	case StateOpen:
		c.emit(events.KindCircuitOpened, map[string]any{"circuit": c.cfg.Name, "reason": reason})
	case StateClosed:
		c.emit(events.KindCircuitClosed, map[string]any{"circuit": c.cfg.Name, "reason": reason})
	case StateHalfOpen:
		c.emit(events.KindCircuitHalfOpen, map[string]any{"circuit": c.cfg.Name, "reason": reason})
	}
}

func (c *Circuit) emit(kind events.Kind, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Kind: kind, Payload: payload})
}

// ForceOpen bypasses state-machine preconditions and opens the circuit
// manually.
func (c *Circuit) ForceOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halfOpenInFlight = 0
	c.transitionLocked(StateOpen, "manual")
}

// ForceClose bypasses preconditions, closes the circuit, and zeroes
// consecutive counters.
func (c *Circuit) ForceClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halfOpenInFlight = 0
	c.transitionLocked(StateClosed, "manual")
}

// Reset clears counters and the rolling window but leaves the circuit
// registered under its name.
func (c *Circuit) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = c.window[:0]
	c.consecutiveSuccess = 0
	c.halfOpenInFlight = 0
	c.transitionLocked(StateClosed, "manual_reset")
}

// IsErrCircuitOpen reports whether err is (or wraps) an ErrCircuitOpen.
func IsErrCircuitOpen(err error) bool {
	var target *ErrCircuitOpen
	return errors.As(err, &target)
}
