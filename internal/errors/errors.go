// Package errors provides error code definitions shared across the Device SDK.
package errors

import "fmt"

// ErrorCode identifies a class of failure that callers can act on.
type ErrorCode string

const (
	// Resolution is still in progress; the caller should retry later.
	ErrNotReady ErrorCode = "NOT_READY"
	// The requested data has not been received from the Platform yet.
	ErrUnavailable ErrorCode = "UNAVAILABLE"

	// Local store errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrStorageCorrupt     ErrorCode = "STORAGE_CORRUPT"

	// Provisioning errors
	ErrProvisioningRejected ErrorCode = "PROVISIONING_REJECTED"
	ErrProvisioningExpired  ErrorCode = "PROVISIONING_EXPIRED"

	// Network errors
	ErrNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrCloudError         ErrorCode = "CLOUD_ERROR"

	// Caller errors
	ErrInvalidArgument ErrorCode = "INVALID_ARGUMENT"
)

// AppError represents an SDK error with a code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			if appErr.Code == code {
				return true
			}
			err = appErr.Err
			continue
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// Code returns the error code carried by err, or an empty code when err has none.
func Code(err error) ErrorCode {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr.Code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = unwrapper.Unwrap()
	}
	return ""
}

// IsTransient reports whether the error is worth retrying internally.
// Transient errors are never surfaced for a single send attempt.
func IsTransient(err error) bool {
	return Is(err, ErrNetworkUnavailable) || Is(err, ErrCloudError)
}
