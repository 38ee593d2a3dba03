// Package retry runs operations under a capped exponential backoff policy.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	defaultBaseDelayConstant     = 200 * time.Millisecond
	defaultMaxDelayConstant      = 5 * time.Second
	defaultMaxAttemptsConstant   = 5
	backoffMultiplierConstant    = 2.0
	minimumJitteredDelayConstant = time.Millisecond
)

// Policy bounds how often and how long an operation is retried.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// JitterFraction spreads each delay by up to ±fraction of its value.
	JitterFraction float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: defaultBaseDelayConstant, MaxDelay: defaultMaxDelayConstant, MaxAttempts: defaultMaxAttemptsConstant}
}

// Normalize replaces unset fields with defaults.
func (policy Policy) Normalize() Policy {
	normalized := policy
	if normalized.BaseDelay <= 0 {
		normalized.BaseDelay = defaultBaseDelayConstant
	}
	if normalized.MaxDelay <= 0 {
		normalized.MaxDelay = defaultMaxDelayConstant
	}
	if normalized.MaxDelay < normalized.BaseDelay {
		normalized.MaxDelay = normalized.BaseDelay
	}
	if normalized.MaxAttempts <= 0 {
		normalized.MaxAttempts = defaultMaxAttemptsConstant
	}
	if normalized.JitterFraction < 0 {
		normalized.JitterFraction = 0
	}
	return normalized
}

// Delay returns the wait before retry number attempt (zero based): base·2^attempt capped at MaxDelay.
func (policy Policy) Delay(attempt int) time.Duration {
	factor := math.Pow(backoffMultiplierConstant, float64(attempt))
	delay := time.Duration(float64(policy.BaseDelay) * factor)
	if delay > policy.MaxDelay || delay <= 0 {
		delay = policy.MaxDelay
	}
	if policy.JitterFraction <= 0 {
		return delay
	}

	offset := (rand.Float64()*2 - 1) * float64(delay) * policy.JitterFraction
	jittered := time.Duration(float64(delay) + offset)
	if jittered < minimumJitteredDelayConstant {
		return minimumJitteredDelayConstant
	}
	return jittered
}

// Sleeper waits for the given duration or until the context ends.
type Sleeper func(executionContext context.Context, delay time.Duration) error

// Retrier applies a Policy to operations.
type Retrier struct {
	Policy Policy
	Sleep  Sleeper
}

// New constructs a Retrier with a normalized policy and a timer based sleeper.
func New(policy Policy) Retrier {
	return Retrier{Policy: policy.Normalize(), Sleep: ContextSleep}
}

// Do invokes operation until it succeeds, returns an error retryable rejects,
// or MaxAttempts is reached. The last error is returned.
func (retrier Retrier) Do(executionContext context.Context, retryable func(error) bool, operation func(attempt int) error) error {
	policy := retrier.Policy.Normalize()
	sleep := retrier.Sleep
	if sleep == nil {
		sleep = ContextSleep
	}

	var lastError error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		lastError = operation(attempt)
		if lastError == nil {
			return nil
		}
		if retryable == nil || !retryable(lastError) {
			return lastError
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		if sleepError := sleep(executionContext, policy.Delay(attempt)); sleepError != nil {
			return sleepError
		}
	}
	return lastError
}

// ContextSleep blocks for delay unless the context finishes first.
func ContextSleep(executionContext context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-executionContext.Done():
		return executionContext.Err()
	case <-timer.C:
		return nil
	}
}
