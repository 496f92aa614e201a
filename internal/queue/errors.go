package queue

import (
	"errors"
	"fmt"
	"time"
)

// Reasons recorded on dead letters produced by the dispatcher itself.
const (
	ReasonInvalidPayload = "invalid_payload"
	ReasonRateLimited    = "rate_limited"
	ReasonPanic          = "handler_panic"
	ReasonUnknown        = "unknown_error"
)

// PermanentError fails a job without retry. Code becomes the dead-letter
// reason.
type PermanentError struct {
	Code string
	Err  error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ErrorCode returns the stable failure code.
func (e *PermanentError) ErrorCode() string { return e.Code }

// Permanent wraps err so the dispatcher dead-letters the job immediately.
func Permanent(code string, err error) error {
	return &PermanentError{Code: code, Err: err}
}

// RetryAfterError re-schedules a job after After without consuming an
// attempt.
type RetryAfterError struct {
	After  time.Duration
	Reason string
	Err    error
}

func (e *RetryAfterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (retry in %s): %v", e.Reason, e.After, e.Err)
	}
	return fmt.Sprintf("%s (retry in %s)", e.Reason, e.After)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// ErrorCode returns the deferral reason.
func (e *RetryAfterError) ErrorCode() string { return e.Reason }

// RateLimited defers a job because the tenant exhausted its send window.
func RateLimited(after time.Duration, err error) error {
	return &RetryAfterError{After: after, Reason: ReasonRateLimited, Err: err}
}

// Defer re-schedules a job for a reason other than rate limiting, such as
// lock contention.
func Defer(after time.Duration, reason string, err error) error {
	return &RetryAfterError{After: after, Reason: reason, Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ReasonOf returns the stable code carried by err. Errors exposing
// ErrorCode() are preferred; otherwise the error text is used.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		if code := coded.ErrorCode(); code != "" {
			return code
		}
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return ReasonUnknown
}
