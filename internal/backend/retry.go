package backend

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/canonica-labs/querycache/internal/errors"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including first try).
	// Default: 3
	MaxAttempts int

	// InitialDelay is the initial delay between retries.
	// Default: 100ms
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Default: 5s
	MaxDelay time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryResult reports what a retried operation did.
type RetryResult struct {
	// Attempts is the number of attempts made.
	Attempts int

	// LastError is the last error encountered (nil if successful).
	LastError error

	// Errors contains all errors from each attempt.
	Errors []error

	Success bool
}

func (r RetryResult) String() string {
	if r.Success {
		if r.Attempts == 1 {
			return "succeeded on first attempt"
		}
		return fmt.Sprintf("succeeded after %d attempts", r.Attempts)
	}
	return fmt.Sprintf("failed after %d attempts: %v", r.Attempts, r.LastError)
}

// RetryableError wraps the result of a failed retry loop.
type RetryableError struct {
	Result RetryResult
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Result.Attempts, e.Result.LastError)
}

func (e *RetryableError) Unwrap() error {
	return e.Result.LastError
}

// IsRetryable reports whether err is a transient connectivity failure.
// Resolution, catalog and syntax errors are never retryable, nor is
// cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Anything classified by this module other than a backend failure is
	// semantic.
	if base, ok := errors.BaseOf(err); ok && base.Code != errors.CodeEngine {
		return false
	}

	if stderrors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, transient := range []string{"connection refused", "connection reset", "broken pipe", "too many connections"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

// ExecuteWithRetry runs fn until it succeeds, fails with a non-retryable
// error, or runs out of attempts. Callers opt in explicitly and receive
// every attempt's error.
//
//	result := backend.ExecuteWithRetry(ctx, backend.DefaultRetryConfig(), func() error {
//	    return b.Ping(ctx)
//	})
//	if !result.Success {
//	    return &backend.RetryableError{Result: result}
//	}
func ExecuteWithRetry(ctx context.Context, config RetryConfig, fn func() error) RetryResult {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	result := RetryResult{Errors: make([]error, 0, config.MaxAttempts)}
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.Errors = append(result.Errors, ctx.Err())
			return result
		}

		err := fn()
		if err == nil {
			result.Success = true
			return result
		}
		result.LastError = err
		result.Errors = append(result.Errors, err)

		if !IsRetryable(err) {
			return result
		}

		if attempt < config.MaxAttempts {
			select {
			case <-ctx.Done():
				result.LastError = ctx.Err()
				result.Errors = append(result.Errors, ctx.Err())
				return result
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * config.BackoffMultiplier)
				if delay > config.MaxDelay {
					delay = config.MaxDelay
				}
			}
		}
	}

	return result
}

// PingWithRetry checks that b is reachable, retrying transient failures.
// The returned error is a *RetryableError carrying every attempt.
func PingWithRetry(ctx context.Context, b Backend, config RetryConfig) error {
	result := ExecuteWithRetry(ctx, config, func() error {
		return b.Ping(ctx)
	})
	if !result.Success {
		return &RetryableError{Result: result}
	}
	return nil
}
