package main

import (
	"context"
	"math"
	"time"
)

const (
	DEF_RETRY_BASE_DELAY     = 5 * time.Second
	DEF_RETRY_MAX_DELAY      = 5 * time.Minute
	DEF_RETRY_BACKOFF_FACTOR = 2.0
	DEF_RETRY_JITTER         = 0.3
	DEF_CHALLENGE_MULTIPLIER = 4.0

	DEF_CHALLENGE_BUDGET = 2
	DEF_LOGIN_BUDGET     = 3
	DEF_SESSION_BUDGET   = 5
	DEF_NETWORK_BUDGET   = 10
	DEF_ACTION_BUDGET    = 3
	DEF_PROVIDER_BUDGET  = 3
)

// RetryDecision is either Stop or a delay before the next attempt.
type RetryDecision struct {
	Stop       bool
	RetryAfter time.Duration
}

// RetryPolicy turns a run of consecutive failures into a backoff or a stop.
type RetryPolicy struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterRatio   float64
	// ChallengeMultiplier stretches every delay after a challenge, since
	// coming back quickly is what gets an address flagged.
	ChallengeMultiplier float64
	// Budgets is the number of consecutive failures of a kind that may be
	// retried. Kinds without an entry are never retried.
	Budgets map[FailureKind]int

	jitter func(d time.Duration, ratio float64) time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:           DEF_RETRY_BASE_DELAY,
		MaxDelay:            DEF_RETRY_MAX_DELAY,
		BackoffFactor:       DEF_RETRY_BACKOFF_FACTOR,
		JitterRatio:         DEF_RETRY_JITTER,
		ChallengeMultiplier: DEF_CHALLENGE_MULTIPLIER,
		Budgets: map[FailureKind]int{
			FailureChallenge:      DEF_CHALLENGE_BUDGET,
			FailureLogin:          DEF_LOGIN_BUDGET,
			FailureSessionExpired: DEF_SESSION_BUDGET,
			FailureNetwork:        DEF_NETWORK_BUDGET,
			FailureAction:         DEF_ACTION_BUDGET,
			FailureProvider:       DEF_PROVIDER_BUDGET,
		},
	}
}

// WithJitter draws the jitter term from the behavior profile so retries
// follow the same randomization policy as polling.
func (p RetryPolicy) WithJitter(b *BehaviorProfile) RetryPolicy {
	if b != nil {
		p.jitter = b.Jitter
	}
	return p
}

// ShouldRetry decides on the attempt-th consecutive failure of kind.
// attempt starts at 1.
func (p RetryPolicy) ShouldRetry(attempt int, kind FailureKind) RetryDecision {
	if attempt < 1 {
		attempt = 1
	}
	budget, ok := p.Budgets[kind]
	if !ok || kind == FailureDecryption || attempt > budget {
		return RetryDecision{Stop: true}
	}
	return RetryDecision{RetryAfter: p.backoff(attempt, kind)}
}

func (p RetryPolicy) backoff(attempt int, kind FailureKind) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if kind == FailureChallenge && p.ChallengeMultiplier > 1 {
		delay *= p.ChallengeMultiplier
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	d := time.Duration(delay)
	if p.jitter != nil {
		d = p.jitter(d, p.JitterRatio)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		d = p.BaseDelay
	}
	return d
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
