package http

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/constants"
)

// ErrorType represents different classes of errors for retry strategy
type ErrorType int

const (
	// ErrorTypeSuccess indicates operation succeeded
	ErrorTypeSuccess ErrorType = iota
	// ErrorTypeRetryable indicates server, throttling or network errors that can be retried
	ErrorTypeRetryable
	// ErrorTypeThrottled indicates an S3 SlowDown response (retried with the long backoff)
	ErrorTypeThrottled
	// ErrorTypeClient indicates a 4xx error other than not-found (retried only in stubborn mode)
	ErrorTypeClient
	// ErrorTypeFatal indicates errors that should never be retried
	ErrorTypeFatal
)

// Listener observes every retry decision. op identifies the operation,
// attempt is the 1-based number of the attempt that just failed.
type Listener func(op string, attempt int, err error)

// Config holds retry parameters for Execute
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first (default: 15)
	MaxAttempts int
	// InitialDelay is the base delay for exponential backoff (default: 300ms)
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries (default: 20s)
	MaxDelay time.Duration
	// Stubborn additionally retries client (4xx) errors
	Stubborn bool
	// OnRetry is an optional callback invoked before each retry attempt
	OnRetry Listener
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  constants.MaxAttempts,
		InitialDelay: constants.RetryInitialDelay,
		MaxDelay:     constants.RetryMaxDelay,
	}
}

// ClassifyError determines the error type for retry strategy
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeSuccess
	}

	var backend *storage.BackendError
	if errors.As(err, &backend) && backend.Throttled {
		return ErrorTypeThrottled
	}

	switch storage.Classify(err) {
	case storage.ClassTransient:
		return ErrorTypeRetryable
	case storage.ClassClient:
		return ErrorTypeClient
	default:
		return ErrorTypeFatal
	}
}

// CalculateBackoff returns the exponential backoff for the given retry count
//
// Formula: min(maxDelay, initialDelay * 2^(retryCount-1))
func CalculateBackoff(retryCount int, initialDelay, maxDelay time.Duration) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	if retryCount > 30 {
		return maxDelay
	}

	delay := time.Duration(1<<uint(retryCount-1)) * initialDelay
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

// CalculateJitterBackoff returns exponential backoff duration with full jitter
// Full jitter prevents thundering herd problem when many clients retry simultaneously
//
// Formula: random(0, min(maxDelay, initialDelay * 2^retryCount))
func CalculateJitterBackoff(retryCount int, initialDelay, maxDelay time.Duration) time.Duration {
	base := CalculateBackoff(retryCount+1, initialDelay, maxDelay)
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(base)))
}

// Task is a single retriable operation. The retry count lives in the Task,
// so a Task must not be shared between parts.
type Task struct {
	op     string
	config Config
	fn     func(ctx context.Context) error

	retries int
}

// NewTask creates a Task running fn under config. op names the operation for the listener.
func NewTask(op string, config Config, fn func(ctx context.Context) error) *Task {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = constants.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = constants.RetryInitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = constants.RetryMaxDelay
	}
	return &Task{op: op, config: config, fn: fn}
}

// Retries returns how many times the operation was retried.
func (t *Task) Retries() int {
	return t.retries
}

// Run executes the operation with retry logic
//
// Retry strategy:
//   - Retryable errors: exponential backoff (300ms, doubling, capped at 20s)
//   - Throttled errors: full-jitter backoff on the long SlowDown schedule
//   - Client errors: retried only when Config.Stubborn is set
//   - Fatal errors: returned immediately
//   - Context cancellation: returned immediately, including during a backoff sleep
//
// When attempts are exhausted the last error is returned unchanged.
func (t *Task) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := t.fn(ctx)
		if err == nil {
			return nil
		}

		errType := ClassifyError(err)
		if !t.shouldRetry(errType) || t.retries+1 >= t.config.MaxAttempts {
			return err
		}

		// A cancelled context surfaces as the operation's error; keep the original.
		if ctx.Err() != nil {
			return err
		}

		t.retries++
		if t.config.OnRetry != nil {
			t.config.OnRetry(t.op, t.retries, err)
		}

		var delay time.Duration
		if errType == ErrorTypeThrottled {
			delay = CalculateJitterBackoff(t.retries, constants.ThrottleInitialDelay, constants.ThrottleMaxDelay)
		} else {
			delay = CalculateBackoff(t.retries, t.config.InitialDelay, t.config.MaxDelay)
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (t *Task) shouldRetry(errType ErrorType) bool {
	switch errType {
	case ErrorTypeRetryable, ErrorTypeThrottled:
		return true
	case ErrorTypeClient:
		return t.config.Stubborn
	default:
		return false
	}
}

// Execute runs fn with retry logic. It is shorthand for NewTask(op, config, fn).Run(ctx).
func Execute(ctx context.Context, op string, config Config, fn func(ctx context.Context) error) error {
	return NewTask(op, config, fn).Run(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// ErrorTypeName returns a human-readable name for an ErrorType
func ErrorTypeName(errType ErrorType) string {
	switch errType {
	case ErrorTypeSuccess:
		return "success"
	case ErrorTypeRetryable:
		return "retryable"
	case ErrorTypeThrottled:
		return "throttled"
	case ErrorTypeClient:
		return "client"
	case ErrorTypeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}
