// Package recovery decides which driver errors are retried and how long to
// wait between attempts.
package recovery

import (
	"math"
	"time"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// FailureCategory tells whether an error is worth another attempt.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryFatal
)

func (c FailureCategory) String() string {
	if c == CategoryTransient {
		return "transient"
	}
	return "fatal"
}

// Classifier maps an error to a failure category.
type Classifier func(err error) FailureCategory

// DefaultClassifier retries store timeouts and conflicts, nothing else.
func DefaultClassifier(err error) FailureCategory {
	if domain.IsTransient(err) {
		return CategoryTransient
	}
	return CategoryFatal
}

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay for the given attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and attempt count.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff implements a standard backoff strategy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Classifier   Classifier
}

var _ RetryStrategy = (*ExponentialBackoff)(nil)

// DefaultBackoff returns the store retry budget used by drivers.
// 200ms, 400ms, 800ms, 1.6s (Max 5s)
func DefaultBackoff(classifier Classifier) *ExponentialBackoff {
	if classifier == nil {
		classifier = DefaultClassifier
	}
	return &ExponentialBackoff{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  5,
		Classifier:   classifier,
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry checks if error is transient and max attempts not exceeded.
// attempt counts the attempts already made.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= s.MaxAttempts {
		return false
	}
	return s.classify(err) == CategoryTransient
}

func (s *ExponentialBackoff) classify(err error) FailureCategory {
	if s.Classifier == nil {
		return DefaultClassifier(err)
	}
	return s.Classifier(err)
}
