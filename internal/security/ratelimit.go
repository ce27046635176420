// Package security holds device secrets, code filtering and
// authentication lockout.
package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/acolita/micro-repl/internal/adapters/realclock"
	"github.com/acolita/micro-repl/internal/ports"
)

// LockedError is returned by Allow while a target is locked out.
type LockedError struct {
	Target    string
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("authentication to %s locked for %v after repeated failures", e.Target, e.Remaining.Round(time.Second))
}

// AuthRateLimiter tracks authentication failures per target (a WebREPL
// URL or user@host) and enforces lockout.
type AuthRateLimiter struct {
	mu              sync.Mutex
	failures        map[string]*authFailure
	maxFailures     int
	lockoutDuration time.Duration
	clock           ports.Clock
}

type authFailure struct {
	count     int
	firstFail time.Time
	lockedAt  time.Time
}

// DefaultMaxAuthFailures is the number of failures before lockout.
const DefaultMaxAuthFailures = 3

// DefaultAuthLockoutDuration is how long a lockout lasts.
const DefaultAuthLockoutDuration = 5 * time.Minute

// NewAuthRateLimiter creates a rate limiter. A nil clock uses real time.
func NewAuthRateLimiter(maxFailures int, lockoutDuration time.Duration, clock ports.Clock) *AuthRateLimiter {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxAuthFailures
	}
	if lockoutDuration <= 0 {
		lockoutDuration = DefaultAuthLockoutDuration
	}
	if clock == nil {
		clock = realclock.New()
	}
	return &AuthRateLimiter{
		failures:        make(map[string]*authFailure),
		maxFailures:     maxFailures,
		lockoutDuration: lockoutDuration,
		clock:           clock,
	}
}

// Allow returns a *LockedError if target is locked out.
func (r *AuthRateLimiter) Allow(target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.failures[target]
	if !ok || f.lockedAt.IsZero() {
		return nil
	}
	elapsed := r.clock.Now().Sub(f.lockedAt)
	if elapsed >= r.lockoutDuration {
		return nil
	}
	return &LockedError{Target: target, Remaining: r.lockoutDuration - elapsed}
}

// RecordFailure counts a failed authentication.
func (r *AuthRateLimiter) RecordFailure(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	f, ok := r.failures[target]
	if !ok {
		f = &authFailure{firstFail: now}
		r.failures[target] = f
	}

	// Expired lockouts start over.
	if !f.lockedAt.IsZero() && now.Sub(f.lockedAt) >= r.lockoutDuration {
		*f = authFailure{firstFail: now}
	}

	f.count++
	if f.count >= r.maxFailures {
		f.lockedAt = now
	}
}

// RecordSuccess clears the failures for target.
func (r *AuthRateLimiter) RecordSuccess(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, target)
}

// Cleanup removes expired entries and entries idle for twice the lockout.
func (r *AuthRateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for k, f := range r.failures {
		if !f.lockedAt.IsZero() && now.Sub(f.lockedAt) >= r.lockoutDuration {
			delete(r.failures, k)
			continue
		}
		if now.Sub(f.firstFail) >= 2*r.lockoutDuration {
			delete(r.failures, k)
		}
	}
}

// Len reports the number of tracked targets.
func (r *AuthRateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}
