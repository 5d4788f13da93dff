package tasks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vinayprograms/ftcoll/state"
)

func newTable(t *testing.T, n int) *Table {
	t.Helper()
	tb := NewTable()
	for i := 0; i < n; i++ {
		if err := tb.Add(i, []byte(fmt.Sprintf("task-%d", i))); err != nil {
			t.Fatalf("Add(%d) failed: %v", i, err)
		}
	}
	return tb
}

func TestTableDispatchOrder(t *testing.T) {
	tb := newTable(t, 3)
	now := time.Unix(100, 0)

	for want := 0; want < 3; want++ {
		task, ok := tb.Dispatch(1, now)
		if !ok {
			t.Fatalf("expected task %d", want)
		}
		if task.ID != want || task.Status != StatusAssigned || task.Worker != 1 {
			t.Errorf("unexpected dispatch: %+v", task)
		}
		if task.Attempts != 1 || !task.AssignedAt.Equal(now) {
			t.Errorf("dispatch bookkeeping wrong: %+v", task)
		}
	}
	if _, ok := tb.Dispatch(1, now); ok {
		t.Error("expected empty queue")
	}
}

func TestTableAddValidation(t *testing.T) {
	tb := NewTable()
	if err := tb.Add(-1, nil); err != ErrInvalidTask {
		t.Errorf("expected ErrInvalidTask, got %v", err)
	}
	tb.Add(1, nil)
	if err := tb.Add(1, nil); err != ErrDuplicateTask {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestTableRequeueGoesToFront(t *testing.T) {
	tb := newTable(t, 3)

	first, _ := tb.Dispatch(1, time.Time{})
	if err := tb.Requeue(first.ID); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	ids := tb.PendingIDs()
	if fmt.Sprint(ids) != "[0 1 2]" {
		t.Errorf("expected requeued task at front, got %v", ids)
	}

	again, _ := tb.Dispatch(2, time.Time{})
	if again.ID != first.ID || again.Attempts != 2 || again.Requeues != 1 {
		t.Errorf("unexpected redispatch: %+v", again)
	}
	if c := tb.Counts(); c.Requeued != 1 {
		t.Errorf("expected 1 requeue, got %d", c.Requeued)
	}
}

func TestTableRequeueRequiresAssigned(t *testing.T) {
	tb := newTable(t, 1)

	if err := tb.Requeue(0); err != ErrTaskNotAssigned {
		t.Errorf("expected ErrTaskNotAssigned, got %v", err)
	}
	if err := tb.Requeue(9); err != ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTableFirstResultWins(t *testing.T) {
	tb := newTable(t, 1)
	tb.Dispatch(1, time.Time{})
	tb.Requeue(0)
	tb.Dispatch(2, time.Time{})

	// the original, slow worker answers first
	done, err := tb.Complete(0, 1, []byte("from-1"), time.Unix(5, 0))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != StatusDone || string(done.Result) != "from-1" || done.Worker != 1 {
		t.Errorf("unexpected completion: %+v", done)
	}

	if _, err := tb.Complete(0, 2, []byte("from-2"), time.Unix(6, 0)); err != ErrTaskCompleted {
		t.Errorf("expected ErrTaskCompleted for stale result, got %v", err)
	}

	got, _ := tb.Get(0)
	if string(got.Result) != "from-1" {
		t.Errorf("stale result overwrote accepted one: %s", got.Result)
	}
}

func TestTableCompletePendingRemovesFromQueue(t *testing.T) {
	tb := newTable(t, 2)
	tb.Dispatch(1, time.Time{})
	tb.Requeue(0)

	if _, err := tb.Complete(0, 1, nil, time.Time{}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if ids := tb.PendingIDs(); fmt.Sprint(ids) != "[1]" {
		t.Errorf("expected only task 1 pending, got %v", ids)
	}
	next, _ := tb.Dispatch(3, time.Time{})
	if next.ID != 1 {
		t.Errorf("expected task 1, got %d", next.ID)
	}
}

func TestTableCountsAndList(t *testing.T) {
	tb := newTable(t, 4)
	tb.Dispatch(1, time.Time{})
	tb.Dispatch(2, time.Time{})
	tb.Complete(0, 1, []byte("r"), time.Time{})

	c := tb.Counts()
	if c.Total != 4 || c.Pending != 2 || c.Assigned != 1 || c.Done != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
	if tb.Remaining() != 3 {
		t.Errorf("expected 3 remaining, got %d", tb.Remaining())
	}

	done := tb.List(StatusDone)
	if len(done) != 1 || done[0].ID != 0 {
		t.Errorf("unexpected done list: %v", done)
	}
	if all := tb.List(""); len(all) != 4 || all[3].ID != 3 {
		t.Errorf("expected 4 tasks ordered by id, got %d", len(all))
	}
}

func TestTaskClone(t *testing.T) {
	orig := &Task{ID: 1, Payload: []byte("p"), Result: []byte("r")}
	clone := orig.Clone()
	clone.Payload[0] = 'x'
	clone.Result[0] = 'x'

	if string(orig.Payload) != "p" || string(orig.Result) != "r" {
		t.Error("clone shares buffers with original")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if StatusPending.IsTerminal() || StatusAssigned.IsTerminal() {
		t.Error("pending and assigned are not terminal")
	}
	if !StatusDone.IsTerminal() {
		t.Error("done is terminal")
	}
}

// --- Journal ---

func TestJournalRecordAndRestore(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	j := NewJournal(store, "run1")
	tb := newTable(t, 3)
	tb.Dispatch(4, time.Time{})
	done, _ := tb.Complete(0, 4, []byte("zero"), time.Unix(7, 0))

	if err := j.Record(ctx, done); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if _, err := store.Get("ftcoll.run1.task.0"); err != nil {
		t.Fatalf("expected checkpoint key, got %v", err)
	}

	// restarted coordinator
	fresh := newTable(t, 3)
	n, err := NewJournal(store, "run1").Restore(ctx, fresh)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 restored task, got %d", n)
	}

	got, _ := fresh.Get(0)
	if got.Status != StatusDone || !got.Resumed || string(got.Result) != "zero" {
		t.Errorf("unexpected restored task: %+v", got)
	}
	if ids := fresh.PendingIDs(); fmt.Sprint(ids) != "[1 2]" {
		t.Errorf("expected [1 2] pending after restore, got %v", ids)
	}
}

func TestJournalScopedByRun(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	tb := newTable(t, 1)
	tb.Dispatch(1, time.Time{})
	done, _ := tb.Complete(0, 1, nil, time.Time{})
	NewJournal(store, "run-a").Record(ctx, done)

	cps, err := NewJournal(store, "run-b").Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cps) != 0 {
		t.Errorf("expected no checkpoints for another run, got %v", cps)
	}
}

func TestJournalRejectsUnfinished(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()

	j := NewJournal(store, "run1")
	if err := j.Record(context.Background(), &Task{ID: 1, Status: StatusAssigned}); err != ErrInvalidTask {
		t.Errorf("expected ErrInvalidTask, got %v", err)
	}
}

func TestJournalClearAndClose(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	j := NewJournal(store, "run1", WithKeyPrefix("test"))
	for i := 0; i < 3; i++ {
		j.Record(ctx, &Task{ID: i, Status: StatusDone})
	}
	if keys, _ := store.Keys("test.run1.task.*"); len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %v", keys)
	}

	if err := j.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cps, _ := j.Load(ctx); len(cps) != 0 {
		t.Errorf("expected empty journal, got %v", cps)
	}

	j.Close()
	if err := j.Record(ctx, &Task{ID: 1, Status: StatusDone}); err != ErrStoreClosed {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}
