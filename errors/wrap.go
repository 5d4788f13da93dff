package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error its code and category carry over; context
// errors map to TIMEOUT and CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		wrapped := &Error{
			code:      ce.code,
			category:  ce.category,
			message:   message,
			cause:     err,
			metadata:  ce.Metadata(),
			retryable: ce.retryable,
			timestamp: ce.timestamp,
			rank:      ce.rank,
			taskID:    ce.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// AsCollectiveError extracts a CollectiveError from an error chain, or nil.
func AsCollectiveError(err error) CollectiveError {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}

func IsTransient(err error) bool { return IsCategory(err, CategoryTransient) }

func IsPermanent(err error) bool { return IsCategory(err, CategoryPermanent) }

func IsResource(err error) bool { return IsCategory(err, CategoryResource) }

func IsInternal(err error) bool { return IsCategory(err, CategoryInternal) }

// Code extracts the error code from an error, or "".
func Code(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.code
	}
	return ""
}

// GetMetadata extracts metadata from an error, or nil.
func GetMetadata(err error) map[string]string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Metadata()
	}
	return nil
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
