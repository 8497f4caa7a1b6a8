// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	domainerrors "github.com/spinnaker-tools/spalloc-core/pkg/errors"
)

// Policy defines the interface for retry policies that gate calls to
// external boundaries (BMP commands, store-busy transactions).
type Policy interface {
	// ShouldRetry determines if a failed call should be retried.
	ShouldRetry(ctx context.Context, err error, attempt int) bool

	// WaitTime returns the wait time before the next retry.
	WaitTime(attempt int) time.Duration

	// MaxRetries returns the maximum number of retries.
	MaxRetries() int
}

// isRetryable classifies an error as retryable. *domainerrors.Error
// carries its own verdict (spec.md §7), except that a BMPFailure, which
// counts toward a job's failure budget, is retried as well; anything
// else is assumed transient, matching the teacher's "retry on network
// error" default.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var domainErr *domainerrors.Error
	if stderrors.As(err, &domainErr) {
		return domainErr.IsRetryable() || domainErr.Code == domainerrors.CodeBMPFailure
	}
	return true
}

// BMPExponentialBackoff implements exponential backoff for calls whose
// failures carry a *domainerrors.Error (spec.md §7): only Busy, Timeout
// and BMPFailure are retried; IOError and the other codes are not.
type BMPExponentialBackoff struct {
	maxRetries    int
	minWaitTime   time.Duration
	maxWaitTime   time.Duration
	backoffFactor float64
	jitter        bool
}

// NewBMPExponentialBackoff creates a new exponential backoff retry
// policy with spec.md §6 defaults.
func NewBMPExponentialBackoff() *BMPExponentialBackoff {
	return &BMPExponentialBackoff{
		maxRetries:    3,
		minWaitTime:   1 * time.Second,
		maxWaitTime:   30 * time.Second,
		backoffFactor: 2.0,
		jitter:        true,
	}
}

// WithMaxRetries sets the maximum number of retries.
func (e *BMPExponentialBackoff) WithMaxRetries(maxRetries int) *BMPExponentialBackoff {
	e.maxRetries = maxRetries
	return e
}

// WithMinWaitTime sets the minimum wait time.
func (e *BMPExponentialBackoff) WithMinWaitTime(minWaitTime time.Duration) *BMPExponentialBackoff {
	e.minWaitTime = minWaitTime
	return e
}

// WithMaxWaitTime sets the maximum wait time.
func (e *BMPExponentialBackoff) WithMaxWaitTime(maxWaitTime time.Duration) *BMPExponentialBackoff {
	e.maxWaitTime = maxWaitTime
	return e
}

// WithBackoffFactor sets the backoff factor.
func (e *BMPExponentialBackoff) WithBackoffFactor(backoffFactor float64) *BMPExponentialBackoff {
	e.backoffFactor = backoffFactor
	return e
}

// WithJitter enables or disables jitter.
func (e *BMPExponentialBackoff) WithJitter(jitter bool) *BMPExponentialBackoff {
	e.jitter = jitter
	return e
}

// ShouldRetry determines if a call should be retried.
func (e *BMPExponentialBackoff) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if attempt >= e.maxRetries {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	default:
	}

	return isRetryable(err)
}

// WaitTime returns the wait time before the next retry.
func (e *BMPExponentialBackoff) WaitTime(attempt int) time.Duration {
	if attempt <= 0 {
		return e.minWaitTime
	}

	waitTime := time.Duration(float64(e.minWaitTime) * math.Pow(e.backoffFactor, float64(attempt-1)))

	if waitTime > e.maxWaitTime {
		waitTime = e.maxWaitTime
	}

	if e.jitter {
		jitterAmount := time.Duration(rand.Float64() * float64(waitTime) * 0.1)
		waitTime += jitterAmount
	}

	return waitTime
}

// MaxRetries returns the maximum number of retries.
func (e *BMPExponentialBackoff) MaxRetries() int {
	return e.maxRetries
}

// FixedDelay implements fixed delay retry policy.
type FixedDelay struct {
	maxRetries int
	delay      time.Duration
}

// NewFixedDelay creates a new fixed delay retry policy.
func NewFixedDelay(maxRetries int, delay time.Duration) *FixedDelay {
	return &FixedDelay{
		maxRetries: maxRetries,
		delay:      delay,
	}
}

// ShouldRetry determines if a call should be retried.
func (f *FixedDelay) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if attempt >= f.maxRetries {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	default:
	}

	return isRetryable(err)
}

// WaitTime returns the wait time before the next retry.
func (f *FixedDelay) WaitTime(attempt int) time.Duration {
	return f.delay
}

// MaxRetries returns the maximum number of retries.
func (f *FixedDelay) MaxRetries() int {
	return f.maxRetries
}

// NoRetry implements a policy that never retries.
type NoRetry struct{}

// NewNoRetry creates a new no-retry policy.
func NewNoRetry() *NoRetry {
	return &NoRetry{}
}

// ShouldRetry always returns false.
func (n *NoRetry) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	return false
}

// WaitTime returns zero duration.
func (n *NoRetry) WaitTime(attempt int) time.Duration {
	return 0
}

// MaxRetries returns zero.
func (n *NoRetry) MaxRetries() int {
	return 0
}
