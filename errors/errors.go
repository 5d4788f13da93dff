package errors

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// CollectiveError is the interface for structured errors raised by a
// collective run.
type CollectiveError interface {
	error
	Code() ErrorCode
	Category() ErrorCategory
	Retryable() bool
	Metadata() map[string]string
	Unwrap() error
}

// Error is the concrete implementation of CollectiveError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	rank      int // -1 when not tied to a rank
	taskID    int // -1 when not tied to a task
}

var (
	_ CollectiveError  = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Code() ErrorCode { return e.code }

func (e *Error) Category() ErrorCategory { return e.category }

// Retryable reports whether the operation may succeed if repeated.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Timestamp() time.Time { return e.timestamp }

// Rank returns the rank the error concerns, or -1.
func (e *Error) Rank() int { return e.rank }

// TaskID returns the task the error concerns, or -1.
func (e *Error) TaskID() int { return e.taskID }

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	Rank      *int              `json:"rank,omitempty"`
	TaskID    *int              `json:"task_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	if e.rank >= 0 {
		r := e.rank
		j.Rank = &r
	}
	if e.taskID >= 0 {
		id := e.taskID
		j.TaskID = &id
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	r := j.Retryable
	e.retryable = &r
	e.rank, e.taskID = -1, -1
	if j.Rank != nil {
		e.rank = *j.Rank
	}
	if j.TaskID != nil {
		e.taskID = *j.TaskID
	}
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) { e.category = cat }
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRank ties the error to a process rank.
func WithRank(rank int) Option {
	return func(e *Error) { e.rank = rank }
}

// WithTaskID ties the error to a task.
func WithTaskID(id int) Option {
	return func(e *Error) { e.taskID = id }
}

// WithTimestamp sets a custom timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) { e.timestamp = t }
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
		rank:      -1,
		taskID:    -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// PeerUnresponsive reports a peer that stopped answering.
func PeerUnresponsive(rank int, opts ...Option) *Error {
	opts = append([]Option{WithRank(rank)}, opts...)
	return New(ErrCodePeerUnresponsive, fmt.Sprintf("rank %d is unresponsive", rank), opts...)
}

// StaleResult reports a result for a task that was already completed.
func StaleResult(taskID, from int, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID), WithRank(from)}, opts...)
	return New(ErrCodeStaleResult, fmt.Sprintf("stale result for task %d from rank %d", taskID, from), opts...)
}

// DuplicateContribution reports a contribution folded more than once.
func DuplicateContribution(contributor, via int, opts ...Option) *Error {
	opts = append([]Option{WithRank(contributor), WithMetadata("via", strconv.Itoa(via))}, opts...)
	return New(ErrCodeDuplicateContribution,
		fmt.Sprintf("contribution of rank %d already folded (via rank %d)", contributor, via), opts...)
}

// UnexpectedMessage reports a message that is not valid in the current state.
func UnexpectedMessage(kind string, from int, opts ...Option) *Error {
	opts = append([]Option{WithRank(from), WithMetadata("kind", kind)}, opts...)
	return New(ErrCodeUnexpectedMessage, fmt.Sprintf("unexpected %s from rank %d", kind, from), opts...)
}

// InsufficientWorkers reports that fewer than min workers are alive.
func InsufficientWorkers(live, min int, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("live", strconv.Itoa(live)), WithMetadata("min", strconv.Itoa(min))}, opts...)
	return New(ErrCodeInsufficientWorkers, fmt.Sprintf("%d live workers, need %d", live, min), opts...)
}

// Crashed reports that the local rank was marked faulted.
func Crashed(rank int, step uint64, opts ...Option) *Error {
	opts = append([]Option{WithRank(rank), WithMetadata("step", strconv.FormatUint(step, 10))}, opts...)
	return New(ErrCodeCrashed, fmt.Sprintf("rank %d crashed at step %d", rank, step), opts...)
}
