package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/ftcoll/state"
)

// DefaultKeyPrefix is the first token of every journal key.
const DefaultKeyPrefix = "ftcoll"

// Checkpoint is the persisted record of a DONE task.
type Checkpoint struct {
	ID          int       `json:"id"`
	Worker      int       `json:"worker"`
	Result      []byte    `json:"result,omitempty"`
	Attempts    int       `json:"attempts"`
	CompletedAt time.Time `json:"completed_at"`
}

// Journal checkpoints DONE tasks of one run to a state store so a
// restarted coordinator can skip them.
type Journal struct {
	store  state.StateStore
	run    string
	prefix string
	closed atomic.Bool
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithKeyPrefix replaces DefaultKeyPrefix.
func WithKeyPrefix(prefix string) JournalOption {
	return func(j *Journal) {
		j.prefix = prefix
	}
}

// NewJournal creates a journal for run backed by store.
func NewJournal(store state.StateStore, run string, opts ...JournalOption) *Journal {
	j := &Journal{
		store:  store,
		run:    run,
		prefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Key returns the store key of task id.
func (j *Journal) Key(id int) string {
	return fmt.Sprintf("%s.%s.task.%d", j.prefix, j.run, id)
}

func (j *Journal) pattern() string {
	return fmt.Sprintf("%s.%s.task.*", j.prefix, j.run)
}

// Record persists a DONE task.
func (j *Journal) Record(ctx context.Context, t *Task) error {
	if j.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t == nil || t.Status != StatusDone {
		return ErrInvalidTask
	}

	data, err := json.Marshal(Checkpoint{
		ID:          t.ID,
		Worker:      t.Worker,
		Result:      t.Result,
		Attempts:    t.Attempts,
		CompletedAt: t.CompletedAt,
	})
	if err != nil {
		return err
	}
	return j.store.Put(j.Key(t.ID), data, 0)
}

// Load returns every checkpoint of the run keyed by task id.
func (j *Journal) Load(ctx context.Context) (map[int]Checkpoint, error) {
	if j.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keys, err := j.store.Keys(j.pattern())
	if err != nil {
		return nil, err
	}

	out := make(map[int]Checkpoint, len(keys))
	for _, key := range keys {
		if _, err := strconv.Atoi(key[strings.LastIndex(key, ".")+1:]); err != nil {
			continue
		}
		data, err := j.store.Get(key)
		if err == state.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", key, err)
		}
		out[cp.ID] = cp
	}
	return out, nil
}

// Restore marks every checkpointed task of tb DONE and returns how many
// were restored. Checkpoints for ids the table does not hold are ignored.
func (j *Journal) Restore(ctx context.Context, tb *Table) (int, error) {
	cps, err := j.Load(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for id, cp := range cps {
		switch err := tb.MarkDone(id, cp.Result, cp.CompletedAt); err {
		case nil:
			n++
		case ErrTaskNotFound, ErrTaskCompleted:
		default:
			return n, err
		}
	}
	return n, nil
}

// Clear removes every checkpoint of the run.
func (j *Journal) Clear(ctx context.Context) error {
	if j.closed.Load() {
		return ErrStoreClosed
	}
	keys, err := j.store.Keys(j.pattern())
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.store.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the journal. The store is owned by the caller.
func (j *Journal) Close() error {
	j.closed.Store(true)
	return nil
}
