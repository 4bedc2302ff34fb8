// Package retry wraps units of work with bounded exponential backoff and
// classifies errors into the taxonomy the rest of the pipeline keys off:
// transient (retry), permanent (fail immediately), rate-limited (retry
// after the server-indicated delay when present).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Class identifies how an error should be treated.
type Class int

const (
	// ClassTransient errors are retried with backoff.
	ClassTransient Class = iota
	// ClassPermanent errors fail immediately and are never retried.
	ClassPermanent
	// ClassRateLimited errors are retried after the server-indicated delay.
	ClassRateLimited
)

// classified carries a class (and optional server delay) alongside an error.
type classified struct {
	class Class
	after time.Duration
	err   error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassTransient, err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassPermanent, err: err}
}

// RateLimited marks err as rate-limited; after is the server-indicated
// delay, zero when the server gave none.
func RateLimited(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassRateLimited, after: after, err: err}
}

// Classify returns the class of err. Unmarked errors are treated as
// transient, which matches how network-level failures surface.
func Classify(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	return ClassTransient
}

// RetryAfter returns the server-indicated delay attached to err, or zero.
func RetryAfter(err error) time.Duration {
	var c *classified
	if errors.As(err, &c) {
		return c.after
	}
	return 0
}

// ClassifyHTTPStatus maps an HTTP status code to an error class:
// 429 is rate-limited, other 4xx are permanent, everything else transient.
func ClassifyHTTPStatus(status int) Class {
	switch {
	case status == 429:
		return ClassRateLimited
	case status >= 400 && status < 500:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// Config bounds a retried operation.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter fraction in [0,1]; each delay is multiplied by a random factor
	// in [1-Jitter, 1+Jitter].
	Jitter float64
	Logger *zap.Logger
}

// DefaultConfig returns the standard retry budget.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Do runs op up to cfg.MaxAttempts times. Permanent errors abort at once.
// Rate-limited errors wait the server-indicated delay when one is attached,
// otherwise the computed backoff. Context cancellation aborts the wait.
func Do(ctx context.Context, cfg Config, name string, op func(ctx context.Context) error) error {
	cfg = cfg.normalized()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		class := Classify(err)
		cfg.Logger.Debug("attempt failed",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Int("class", int(class)),
			zap.Error(err))

		if class == ClassPermanent {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := Backoff(cfg, attempt)
		if class == ClassRateLimited {
			if after := RetryAfter(err); after > 0 {
				delay = after
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, cfg.MaxAttempts, lastErr)
}

// Backoff computes the delay before the given 1-based attempt's retry:
// base·2^(attempt-1) with jitter, capped at MaxDelay.
func Backoff(cfg Config, attempt int) time.Duration {
	cfg = cfg.normalized()

	delay := cfg.BaseDelay << uint(attempt-1)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter > 0 {
		f := 1 + cfg.Jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * f)
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
