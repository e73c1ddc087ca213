// Package retry provides bounded retry policies with exponential backoff for
// action execution.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// Policy defines retry behavior for an action.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries. 0 means no cap.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier applied after each retry.
	Multiplier float64

	// Jitter is a random factor (0-1) applied to the delay.
	Jitter float64
}

// Default returns the engine default: 3 attempts, 500ms initial delay,
// 10s max, 2x multiplier, 10% jitter.
func Default() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// NoRetry returns a policy that doesn't retry.
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1, Multiplier: 1.0}
}

// FromSpec converts an action's declared retry spec. Nil falls back to def.
func FromSpec(spec *types.RetrySpec, def *Policy) *Policy {
	if spec == nil {
		return def
	}
	p := &Policy{
		MaxAttempts:  spec.MaxAttempts,
		InitialDelay: time.Duration(spec.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(spec.MaxDelayMs) * time.Millisecond,
		Multiplier:   spec.Multiplier,
	}
	if def != nil {
		p.Jitter = def.Jitter
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 1.0
	}
	return p
}

// NextDelay calculates the delay before the given retry.
// Attempt is 1-indexed (attempt 1 is the first retry, after the initial try).
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	multiplier := math.Pow(p.Multiplier, float64(attempt-1))
	delay := time.Duration(float64(p.InitialDelay) * multiplier)

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		// range [1-jitter, 1+jitter]
		jitterFactor := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

// ShouldRetry reports whether another attempt should be made after attempt
// (1-indexed) failed with err. Only errors explicitly classified transient
// are retried.
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	return attempt < p.MaxAttempts && types.IsTransient(err)
}

// Wait sleeps for the delay before retry attempt, returning early with the
// context error if ctx is done first.
func (p *Policy) Wait(ctx context.Context, attempt int) error {
	d := p.NextDelay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
