// Package errs defines the error kinds shared across the audit pipeline.
// Callers classify errors with errors.As / the Is* helpers rather than
// string matching.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed caller input. Maps to HTTP 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validation builds a ValidationError from a format string.
func Validation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing entity. Maps to HTTP 404.
type NotFoundError struct {
	Entity string
	Ref    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Entity, e.Ref)
}

// NotFound builds a NotFoundError for the given entity and reference.
func NotFound(entity, ref string) error {
	return &NotFoundError{Entity: entity, Ref: ref}
}

// EmbeddingDimensionError reports a vector dimension mismatch between a
// query or insert batch and the collection's established dimension.
type EmbeddingDimensionError struct {
	Collection string
	Want       int
	Got        int
}

func (e *EmbeddingDimensionError) Error() string {
	return fmt.Sprintf(
		"embedding dimension mismatch for collection %q: collection has %d dimensions, got %d",
		e.Collection, e.Want, e.Got,
	)
}

// AnalysisError reports an unrecoverable LLM analysis failure: schema
// validation failed after the final retry, or the endpoint returned a
// non-retryable status.
type AnalysisError struct {
	Msg string
	Err error
}

func (e *AnalysisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// RateLimitExhaustedError is the distinguished AnalysisError raised when
// the LLM endpoint keeps returning 429 past the retry budget. The runner
// uses it to fail the audit with a retry-later message.
type RateLimitExhaustedError struct {
	AnalysisError
}

// RateLimitExhausted wraps err as a RateLimitExhaustedError.
func RateLimitExhausted(err error) error {
	return &RateLimitExhaustedError{AnalysisError{Msg: "rate limit exhausted", Err: err}}
}

// TransientError marks a failure that is safe to retry with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRateLimitExhausted reports whether err is (or wraps) a
// RateLimitExhaustedError.
func IsRateLimitExhausted(err error) bool {
	var rl *RateLimitExhaustedError
	return errors.As(err, &rl)
}

// IsAnalysis reports whether err is (or wraps) an AnalysisError,
// including the rate-limit subclass.
func IsAnalysis(err error) bool {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return true
	}
	var rl *RateLimitExhaustedError
	return errors.As(err, &rl)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
