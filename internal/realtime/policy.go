package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Reconnect policy defaults.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffCap  = 30 * time.Second

	backoffInitial    = time.Second
	backoffMultiplier = 2
)

// ReconnectPolicy decides how long to wait before each reconnect. The
// delay for attempt n (from 0) is min(2^n s, cap) with no jitter. Once
// maxAttempts retries have been handed out the policy is exhausted until
// Reset.
type ReconnectPolicy struct {
	maxAttempts int
	backoff     *backoff.ExponentialBackOff
	attempt     int
}

// NewReconnectPolicy creates a policy. Non-positive arguments take the
// defaults.
func NewReconnectPolicy(maxAttempts int, maxDelay time.Duration) *ReconnectPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if maxDelay <= 0 {
		maxDelay = DefaultBackoffCap
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     backoffInitial,
		RandomizationFactor: 0,
		Multiplier:          backoffMultiplier,
		MaxInterval:         maxDelay,
	}
	b.Reset()

	return &ReconnectPolicy{maxAttempts: maxAttempts, backoff: b}
}

// Next returns the delay before the next attempt and consumes one unit
// of budget. ok is false once the budget is spent.
func (p *ReconnectPolicy) Next() (delay time.Duration, ok bool) {
	if p.Exhausted() {
		return 0, false
	}

	p.attempt++

	return p.backoff.NextBackOff(), true
}

// Exhausted reports whether every attempt has been used.
func (p *ReconnectPolicy) Exhausted() bool {
	return p.attempt >= p.maxAttempts
}

// Attempt returns the number of attempts handed out since the last
// Reset.
func (p *ReconnectPolicy) Attempt() int {
	return p.attempt
}

// MaxAttempts returns the attempt budget.
func (p *ReconnectPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Reset restores the full budget and the initial delay.
func (p *ReconnectPolicy) Reset() {
	p.attempt = 0
	p.backoff.Reset()
}
