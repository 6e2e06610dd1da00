package agent

import "errors"

// ErrorCode is a stable, caller-visible classification of a run failure,
// so clients can render differentiated messaging.
type ErrorCode string

const (
	CodeRateLimited         ErrorCode = "rate_limited"
	CodeBudgetExceeded      ErrorCode = "budget_exceeded"
	CodeUnauthorized        ErrorCode = "unauthorized"
	CodeProviderUnavailable ErrorCode = "provider_unavailable"
	CodeProviderError       ErrorCode = "provider_error"
	CodeInternal            ErrorCode = "internal"
)

// RunError carries the failure classification the retry policy acts on.
// Gate rejections are never retryable; transient provider failures are.
type RunError struct {
	Code      ErrorCode
	Err       error
	Retryable bool
}

func (e *RunError) Error() string {
	return e.Err.Error()
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func NewRetryableError(code ErrorCode, err error) *RunError {
	return &RunError{Code: code, Err: err, Retryable: true}
}

func NewFatalError(code ErrorCode, err error) *RunError {
	return &RunError{Code: code, Err: err, Retryable: false}
}

// IsRetryable reports whether err should reach the background retry policy.
// Unclassified errors default to retryable so transient infrastructure
// failures are not silently dropped.
func IsRetryable(err error) bool {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Retryable
	}
	return true
}

// CodeOf extracts the stable error code, defaulting to internal.
func CodeOf(err error) ErrorCode {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Code
	}
	return CodeInternal
}
