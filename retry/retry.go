package retry

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy bounds a single remote call: attempt count, exponential backoff with
// jitter between attempts, and a timeout applied to each attempt separately
// from any transport-level timeout.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	PerAttemptTimeout time.Duration
	JitterFactor      float64
	// Retryable decides whether a failed attempt is worth repeating. Nil
	// means retry everything until attempts run out.
	Retryable func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 4 * time.Second
	}
	if p.PerAttemptTimeout <= 0 {
		p.PerAttemptTimeout = 8 * time.Second
	}
	if p.JitterFactor < 0 || p.JitterFactor >= 1 {
		p.JitterFactor = 0.25
	}
	return p
}

type Executor struct {
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	rand   func() float64
}

func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		logger: logger,
		sleep:  sleepCtx,
		rand:   rand.Float64,
	}
}

// Do runs fn under the policy. The attempt context carries the per-attempt
// timeout; the parent ctx cancels the whole sequence. When attempts are
// exhausted the last error is returned unmodified so callers can still
// classify the original cause.
func Do[T any](ctx context.Context, e *Executor, policy Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, policy.PerAttemptTimeout)
		result, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if policy.Retryable != nil && !policy.Retryable(err) {
			return zero, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := e.backoffDelay(policy, attempt)
		e.logger.Debug("retrying operation",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, lastErr
}

func (e *Executor) backoffDelay(policy Policy, attempt int) time.Duration {
	delay := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= policy.MaxDelay {
			delay = policy.MaxDelay
			break
		}
	}

	if policy.JitterFactor > 0 {
		scale := 1 + policy.JitterFactor*(2*e.rand()-1)
		delay = time.Duration(float64(delay) * scale)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
