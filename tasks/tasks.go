package tasks

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Common errors.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskCompleted indicates the task is already DONE. A result for
	// it is stale.
	ErrTaskCompleted = errors.New("task already completed")

	// ErrTaskNotAssigned indicates the task is not in flight.
	ErrTaskNotAssigned = errors.New("task not assigned")

	// ErrDuplicateTask indicates a task id was added twice.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrInvalidTask indicates the task is invalid (negative id, not DONE
	// when journaled).
	ErrInvalidTask = errors.New("invalid task")

	// ErrStoreClosed indicates the underlying store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// StatusPending indicates the task is queued for dispatch.
	StatusPending TaskStatus = "pending"

	// StatusAssigned indicates the task is in flight on a worker.
	StatusAssigned TaskStatus = "assigned"

	// StatusDone indicates a result was accepted. Terminal and absorbing.
	StatusDone TaskStatus = "done"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusDone
}

// NoWorker marks a task that is not held by any worker.
const NoWorker = -1

// Task is one unit of work in a run's bag of tasks.
type Task struct {
	ID      int
	Payload []byte
	Status  TaskStatus

	// Worker is the rank holding the task, or NoWorker.
	Worker int

	// AssignedAt is when the task was last dispatched.
	AssignedAt time.Time

	// CompletedAt is when the result was accepted.
	CompletedAt time.Time

	// Result is the accepted result payload.
	Result []byte

	// Attempts counts dispatches.
	Attempts int

	// Requeues counts returns to the pending queue after a timeout.
	Requeues int

	// Resumed is set when DONE was restored from a checkpoint.
	Resumed bool
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Payload != nil {
		clone.Payload = make([]byte, len(t.Payload))
		copy(clone.Payload, t.Payload)
	}
	if t.Result != nil {
		clone.Result = make([]byte, len(t.Result))
		copy(clone.Result, t.Result)
	}
	return &clone
}

// Counts summarizes a table.
type Counts struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Assigned int `json:"assigned"`
	Done     int `json:"done"`
	Requeued int `json:"requeued"`
}

// Table holds a run's tasks and the pending queue. Dispatch takes from
// the front; Requeue puts a timed-out task back at the front so it is
// the next one handed out.
type Table struct {
	mu       sync.RWMutex
	tasks    map[int]*Task
	pending  []int
	requeued int
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{tasks: make(map[int]*Task)}
}

// Add appends a PENDING task to the back of the queue.
func (tb *Table) Add(id int, payload []byte) error {
	if id < 0 {
		return ErrInvalidTask
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if _, ok := tb.tasks[id]; ok {
		return ErrDuplicateTask
	}
	var p []byte
	if payload != nil {
		p = make([]byte, len(payload))
		copy(p, payload)
	}
	tb.tasks[id] = &Task{ID: id, Payload: p, Status: StatusPending, Worker: NoWorker}
	tb.pending = append(tb.pending, id)
	return nil
}

// Dispatch pops the front pending task and assigns it to worker.
// Returns false when nothing is pending.
func (tb *Table) Dispatch(worker int, at time.Time) (*Task, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for len(tb.pending) > 0 {
		id := tb.pending[0]
		tb.pending = tb.pending[1:]

		t := tb.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		t.Status = StatusAssigned
		t.Worker = worker
		t.AssignedAt = at
		t.Attempts++
		return t.Clone(), true
	}
	return nil, false
}

// Requeue returns an ASSIGNED task to the front of the queue.
func (tb *Table) Requeue(id int) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	t, ok := tb.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != StatusAssigned {
		return ErrTaskNotAssigned
	}
	t.Status = StatusPending
	t.Worker = NoWorker
	t.Requeues++
	tb.requeued++
	tb.pending = append([]int{id}, tb.pending...)
	return nil
}

// Complete accepts result for a task that is not yet DONE, whatever
// worker it is currently assigned to. A result for a DONE task returns
// ErrTaskCompleted and changes nothing.
func (tb *Table) Complete(id, worker int, result []byte, at time.Time) (*Task, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	t, ok := tb.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status == StatusDone {
		return nil, ErrTaskCompleted
	}
	if t.Status == StatusPending {
		tb.removePending(id)
	}

	t.Status = StatusDone
	t.Worker = worker
	t.CompletedAt = at
	t.Result = make([]byte, len(result))
	copy(t.Result, result)
	return t.Clone(), nil
}

// MarkDone restores a DONE task from a checkpoint.
func (tb *Table) MarkDone(id int, result []byte, at time.Time) error {
	t, err := tb.Complete(id, NoWorker, result, at)
	if err != nil {
		return err
	}

	tb.mu.Lock()
	tb.tasks[t.ID].Resumed = true
	tb.mu.Unlock()
	return nil
}

func (tb *Table) removePending(id int) {
	for i, p := range tb.pending {
		if p == id {
			tb.pending = append(tb.pending[:i], tb.pending[i+1:]...)
			return
		}
	}
}

// Get returns a copy of a task.
func (tb *Table) Get(id int) (*Task, error) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	t, ok := tb.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// Counts returns per-status counts.
func (tb *Table) Counts() Counts {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	c := Counts{Total: len(tb.tasks), Requeued: tb.requeued}
	for _, t := range tb.tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusAssigned:
			c.Assigned++
		case StatusDone:
			c.Done++
		}
	}
	return c
}

// Remaining reports how many tasks are not DONE.
func (tb *Table) Remaining() int {
	c := tb.Counts()
	return c.Pending + c.Assigned
}

// PendingIDs returns the queue in dispatch order.
func (tb *Table) PendingIDs() []int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	ids := make([]int, len(tb.pending))
	copy(ids, tb.pending)
	return ids
}

// List returns copies of all tasks with the given status, ordered by id.
// An empty status lists everything.
func (tb *Table) List(status TaskStatus) []*Task {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	var out []*Task
	for _, t := range tb.tasks {
		if status == "" || t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
