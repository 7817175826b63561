package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single backoff wait. Zero means uncapped.
	MaxDelay time.Duration
	// AttemptTimeout bounds each attempt separately. Zero means only the
	// caller's context applies.
	AttemptTimeout time.Duration
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Classifier reports whether err is worth another attempt.
type Classifier func(error) bool

// Temporary is implemented by typed errors that know their own retryability.
type Temporary interface {
	Temporary() bool
}

// ErrNonRetryable marks a failure the classifier refused to retry.
var ErrNonRetryable = errors.New("non-retryable error")

// WithBackoff runs operation until it succeeds, the classifier rejects the
// error, attempts run out, or ctx is done. A nil classifier uses
// IsRetryableError. The returned error wraps the last attempt's error.
func WithBackoff(ctx context.Context, cfg Config, classify Classifier, operation func(context.Context) error) error {
	if classify == nil {
		classify = IsRetryableError
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := runAttempt(ctx, cfg.AttemptTimeout, operation)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		}

		if !classify(err) {
			return fmt.Errorf("%w: %w", ErrNonRetryable, err)
		}
		if attempt >= attempts {
			return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
		}

		delay := Backoff(cfg.BaseDelay, cfg.MaxDelay, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, operation func(context.Context) error) error {
	if timeout <= 0 {
		return operation(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := operation(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &attemptTimeoutError{timeout: timeout, err: err}
	}
	return err
}

type attemptTimeoutError struct {
	timeout time.Duration
	err     error
}

func (e *attemptTimeoutError) Error() string {
	return fmt.Sprintf("attempt timed out after %s: %v", e.timeout, e.err)
}

func (e *attemptTimeoutError) Unwrap() error { return e.err }

func (e *attemptTimeoutError) Temporary() bool { return true }

// Backoff returns the wait before attempt+1: base·2^(attempt-1) plus up to
// one base of jitter, capped at maxDelay when set.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	delay := base * time.Duration(1<<shift)
	delay += time.Duration(rand.Int64N(int64(base)))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// IsRetryableError determines if an error is worth retrying. Typed errors
// decide for themselves; untyped ones fall back to message heuristics.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var t Temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "network") {
		return true
	}

	// Only 5xx and 429 are retried among HTTP statuses.
	if strings.Contains(errStr, "status 5") ||
		strings.Contains(errStr, "status 429") {
		return true
	}
	if strings.Contains(errStr, "status 4") {
		return false
	}

	// Unknown formats are retried.
	return true
}

// HTTPStatusRetryable checks if an HTTP status code is retryable
func HTTPStatusRetryable(statusCode int) bool {
	return statusCode >= 500 ||
		statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusConflict
}
