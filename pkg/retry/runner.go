// Package retry runs operations and external commands with bounded retries
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"time"
)

// Backoff selects how the delay grows between attempts
type Backoff int

const (
	// Exponential multiplies InitialDelay by BackoffFactor per attempt
	Exponential Backoff = iota
	// Linear waits InitialDelay * attempt
	Linear
)

// Config controls retry behavior
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Backoff       Backoff       `json:"backoff"`
}

// DefaultConfig returns sensible retry defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Runner executes operations with retry logic
type Runner struct {
	config Config
}

// NewRunner creates a new retry-enabled runner
func NewRunner(config Config) *Runner {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.BackoffFactor <= 1.0 {
		config.BackoffFactor = 2.0
	}
	return &Runner{config: config}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, or attempts run
// out. attempt starts at 1.
func (r *Runner) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(r.calculateDelay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}
	return fmt.Errorf("failed after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

// Output executes a command and returns output with retries on failure
func (r *Runner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var output []byte
	err := r.Do(ctx, func(ctx context.Context, _ int) error {
		out, err := exec.CommandContext(ctx, name, args...).Output()
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", name, err)
	}
	return output, nil
}

// calculateDelay computes the wait before retry number n (n >= 1)
func (r *Runner) calculateDelay(n int) time.Duration {
	var delay float64
	switch r.config.Backoff {
	case Linear:
		delay = float64(r.config.InitialDelay) * float64(n)
	default:
		delay = float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(n-1))
	}
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	return time.Duration(delay)
}
