package results

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("result not found")
	ErrAlreadyExists = errors.New("result already exists")
	ErrClosed        = errors.New("publisher closed")
	ErrInvalidTaskID = errors.New("invalid task ID")
	ErrInvalidStatus = errors.New("invalid result status")
)

// ResultStatus is the outcome of a task.
type ResultStatus string

const (
	// StatusSuccess indicates the executor returned output.
	StatusSuccess ResultStatus = "success"

	// StatusFailed indicates the executor returned an error. The task is
	// still DONE; failures are results too.
	StatusFailed ResultStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s ResultStatus) Valid() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Result is the single terminal result of a task.
type Result struct {
	TaskID int          `json:"task_id"`
	Status ResultStatus `json:"status"`
	Output []byte       `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`

	// Worker is the rank whose result was accepted.
	Worker int `json:"worker"`

	// Attempts is how many times the task was dispatched.
	Attempts int `json:"attempts"`

	Metadata map[string]string `json:"metadata,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}

	clone := *r
	if r.Output != nil {
		clone.Output = make([]byte, len(r.Output))
		copy(clone.Output, r.Output)
	}
	if r.Metadata != nil {
		clone.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// ResultFilter specifies criteria for listing results.
type ResultFilter struct {
	// Status filters by result status. Empty means all statuses.
	Status ResultStatus

	// Limit caps the number of results returned. 0 means no limit.
	Limit int

	// Metadata filters by metadata key-value pairs (all must match).
	Metadata map[string]string
}

// Matches returns true if the result matches the filter criteria.
func (f ResultFilter) Matches(r *Result) bool {
	if r == nil {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	for k, v := range f.Metadata {
		if r.Metadata[k] != v {
			return false
		}
	}
	return true
}

// ResultPublisher is the outward sink for accepted task results. Each
// task gets exactly one result; a second Publish for the same id fails
// with ErrAlreadyExists.
type ResultPublisher interface {
	Publish(ctx context.Context, result Result) error

	// Get returns ErrNotFound if nothing was published for taskID.
	Get(ctx context.Context, taskID int) (*Result, error)

	// Subscribe returns a channel that receives the task's result once
	// and is then closed. If the result already exists it is sent
	// immediately.
	Subscribe(taskID int) (<-chan *Result, error)

	// List returns results matching the filter, ordered by task id.
	List(filter ResultFilter) ([]*Result, error)

	Close() error
}

// ValidateResult checks if a result is valid for publishing.
func ValidateResult(r Result) error {
	if r.TaskID < 0 {
		return ErrInvalidTaskID
	}
	if !r.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}
