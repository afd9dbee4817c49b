// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_session

import (
	"fmt"
	"sync"
	"time"
)

// Resilience defaults.
const (
	breakerMaxFailures  = 3
	breakerResetTimeout = 30 * time.Second

	debounceMinInterval = 2 * time.Second

	userIntentRespectWindow = 5 * time.Second

	connectionCooldown = 2 * time.Second
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitOpenError is returned while the breaker rejects session starts.
type CircuitOpenError struct {
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("Too many failures. Try again in %d seconds.", int(e.Remaining.Seconds()+0.5))
}

// UserEndedError is returned to non-user-initiated starts inside the
// user-intent respect window.
type UserEndedError struct{}

func (e *UserEndedError) Error() string {
	return "Session recently ended. Please wait a moment before starting a new conversation."
}

// Admission is the outcome of gate evaluation for a session start.
type Admission int

const (
	// AdmitProceed lets the start continue, after the returned cooldown wait
	// if non-zero.
	AdmitProceed Admission = iota
	// AdmitDebounced resolves the start as a no-op success: the same
	// scenario was requested moments ago and a session exists or is coming.
	AdmitDebounced
)

// Resilience composes the four admission gates evaluated, in order, before
// any session start: circuit breaker, user-intent latch, session debounce,
// connection cooldown. All state is pure state + clock, unit-testable
// without any transport.
type Resilience struct {
	mu  sync.Mutex
	now func() time.Time

	// circuit breaker
	breakerState    BreakerState
	failureCount    int
	maxFailures     int
	resetTimeout    time.Duration
	lastFailureTime time.Time

	// session debounce
	lastSessionStart time.Time
	minInterval      time.Duration
	lastScenario     string

	// user-intent latch
	userEndedSession          bool
	userEndedSessionTimestamp time.Time
	allowAutoRestart          bool
	sessionManagementDisabled bool

	// connection cooldown
	lastConnectionAttempt time.Time
	cooldownInterval      time.Duration
}

// NewResilience creates the gate set with the normative defaults.
func NewResilience() *Resilience {
	return &Resilience{
		now:              time.Now,
		breakerState:     BreakerClosed,
		maxFailures:      breakerMaxFailures,
		resetTimeout:     breakerResetTimeout,
		minInterval:      debounceMinInterval,
		allowAutoRestart: true,
		cooldownInterval: connectionCooldown,
	}
}

// Admit evaluates the gates for a session start. The returned duration is the
// cooldown the caller must sleep before proceeding; it is a delay, not a
// rejection.
func (r *Resilience) Admit(scenarioID string, isUserInitiated bool) (Admission, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	// Gate 1: circuit breaker.
	switch r.breakerState {
	case BreakerOpen:
		elapsed := now.Sub(r.lastFailureTime)
		if elapsed < r.resetTimeout {
			return 0, 0, &CircuitOpenError{Remaining: r.resetTimeout - elapsed}
		}
		// Permit a single probe.
		r.breakerState = BreakerHalfOpen
	case BreakerHalfOpen:
		// A probe is already the one allowed attempt; further starts while
		// half-open ride along on the same attempt path.
	}

	// Gate 2: user-intent latch. User-initiated starts bypass and reset it.
	if isUserInitiated {
		r.userEndedSession = false
		r.userEndedSessionTimestamp = time.Time{}
	} else if r.userEndedSession {
		if r.sessionManagementDisabled || now.Sub(r.userEndedSessionTimestamp) < userIntentRespectWindow {
			return 0, 0, &UserEndedError{}
		}
	}

	// Gate 3: session debounce for the identical scenario.
	if scenarioID == r.lastScenario && !r.lastSessionStart.IsZero() &&
		now.Sub(r.lastSessionStart) < r.minInterval {
		return AdmitDebounced, 0, nil
	}

	r.lastScenario = scenarioID
	r.lastSessionStart = now

	// Gate 4: connection cooldown is a sleep, not a rejection.
	var wait time.Duration
	if !r.lastConnectionAttempt.IsZero() {
		if since := now.Sub(r.lastConnectionAttempt); since < r.cooldownInterval {
			wait = r.cooldownInterval - since
		}
	}
	return AdmitProceed, wait, nil
}

// RecordConnectionAttempt stamps the cooldown clock.
func (r *Resilience) RecordConnectionAttempt() {
	r.mu.Lock()
	r.lastConnectionAttempt = r.now()
	r.mu.Unlock()
}

// RecordFailure counts a bring-up failure and may open the breaker.
func (r *Resilience) RecordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureCount++
	r.lastFailureTime = r.now()
	if r.breakerState == BreakerHalfOpen || r.failureCount >= r.maxFailures {
		r.breakerState = BreakerOpen
	}
}

// RecordSuccess closes the breaker once a session reaches active.
func (r *Resilience) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakerState = BreakerClosed
	r.failureCount = 0
}

// MarkUserEnded latches a user-initiated stop. Set atomically before the
// teardown runs so any concurrent auto-restart observes it.
func (r *Resilience) MarkUserEnded() {
	r.mu.Lock()
	r.userEndedSession = true
	r.userEndedSessionTimestamp = r.now()
	r.mu.Unlock()
}

// BreakerState reports the current breaker state.
func (r *Resilience) BreakerState() BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakerState
}

// ResetToCleanState clears latches, breaker, debounce and cooldown. Invoked
// from initialize and destroy.
func (r *Resilience) ResetToCleanState() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakerState = BreakerClosed
	r.failureCount = 0
	r.lastFailureTime = time.Time{}
	r.lastSessionStart = time.Time{}
	r.lastScenario = ""
	r.userEndedSession = false
	r.userEndedSessionTimestamp = time.Time{}
	r.allowAutoRestart = true
	r.sessionManagementDisabled = false
	r.lastConnectionAttempt = time.Time{}
}
