// Package retry runs fallible remote calls under an explicit backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy bounds how a single call site retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Retryable decides which failures are worth another attempt. Nil means IsTransient.
	Retryable func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
		Retryable:   IsTransient,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the attempts run out.
// The error of the last attempt is returned unchanged.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && retryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}

func (p Policy) backoff() goretry.Backoff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := p.BaseDelay
	next := goretry.BackoffFunc(func() (time.Duration, bool) {
		current := delay
		delay = time.Duration(float64(delay) * multiplier)
		if p.MaxDelay > 0 && current > p.MaxDelay {
			current = p.MaxDelay
		}
		return current, false
	})

	return goretry.WithMaxRetries(uint64(attempts-1), next)
}

// ErrPollTimeout is returned by Poll when the condition never held.
var ErrPollTimeout = errors.New("retry: condition not met before the deadline")

// Poll calls cond every interval until it reports done, returns an error, or
// maxWait elapses.
func Poll(ctx context.Context, interval, maxWait time.Duration, cond func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	backoff := goretry.WithMaxDuration(maxWait, goretry.NewConstant(interval))

	return goretry.Do(ctx, backoff, func(ctx context.Context) error {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if !done {
			return goretry.RetryableError(ErrPollTimeout)
		}
		return nil
	})
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as safe to retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// StatusError is a non-2xx response from a dependency.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

const maxErrorBody = 4 << 10

// Classify turns the outcome of an HTTP round trip into an error, or nil for 2xx.
// Transport failures, 408, 429 and 5xx are transient; other statuses are not.
func Classify(resp *http.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return Transient(err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Transient(se)
	default:
		return se
	}
}
