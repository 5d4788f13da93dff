package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates the condition may clear with time.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates retrying the same input will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates there is not enough of a resource to make progress.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates the local process is in a broken state.
	CategoryInternal ErrorCategory = "internal"
)

func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Generic
	ErrCodeTimeout      ErrorCode = "TIMEOUT"       // Operation timed out
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Context canceled
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Bad configuration or argument
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Key or record does not exist
	ErrCodeInternal     ErrorCode = "INTERNAL"      // Unexpected internal error
	ErrCodePanic        ErrorCode = "PANIC"         // Recovered from panic

	// Collectives
	ErrCodePeerUnresponsive      ErrorCode = "PEER_UNRESPONSIVE"      // Peer silent past its deadline
	ErrCodeDuplicateContribution ErrorCode = "DUPLICATE_CONTRIBUTION" // Contribution already folded
	ErrCodeStaleResult           ErrorCode = "STALE_RESULT"           // Result for a task already done
	ErrCodeUnexpectedMessage     ErrorCode = "UNEXPECTED_MESSAGE"     // Message not valid in current state
	ErrCodeInsufficientWorkers   ErrorCode = "INSUFFICIENT_WORKERS"   // Too few live workers
	ErrCodeIncomplete            ErrorCode = "INCOMPLETE"             // Reduction missing contributors
	ErrCodeCrashed               ErrorCode = "CRASHED"                // Local process marked faulted
)

func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodePeerUnresponsive, ErrCodeIncomplete:
		return CategoryTransient
	case ErrCodeCanceled, ErrCodeInvalidInput, ErrCodeNotFound,
		ErrCodeDuplicateContribution, ErrCodeStaleResult, ErrCodeUnexpectedMessage:
		return CategoryPermanent
	case ErrCodeInsufficientWorkers:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:               "operation timed out",
	ErrCodeCanceled:              "operation canceled",
	ErrCodeInvalidInput:          "invalid input provided",
	ErrCodeNotFound:              "not found",
	ErrCodeInternal:              "internal error",
	ErrCodePanic:                 "recovered from panic",
	ErrCodePeerUnresponsive:      "peer is unresponsive",
	ErrCodeDuplicateContribution: "duplicate contribution",
	ErrCodeStaleResult:           "stale result",
	ErrCodeUnexpectedMessage:     "unexpected message for state",
	ErrCodeInsufficientWorkers:   "insufficient live workers",
	ErrCodeIncomplete:            "reduction incomplete",
	ErrCodeCrashed:               "process crashed",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
