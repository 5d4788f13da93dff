package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vinayprograms/ftcoll/clock"
	"github.com/vinayprograms/ftcoll/comm"
	"github.com/vinayprograms/ftcoll/errors"
	"github.com/vinayprograms/ftcoll/fault"
	"github.com/vinayprograms/ftcoll/results"
	"github.com/vinayprograms/ftcoll/state"
	"github.com/vinayprograms/ftcoll/tasks"
)

// recorder is a Comm that captures sends and never receives.
type recorder struct {
	rank, size int
	sent       []sent
}

type sent struct {
	to  int
	msg comm.Message
}

func (r *recorder) Rank() int    { return r.rank }
func (r *recorder) Size() int    { return r.size }
func (r *recorder) Run() string  { return "test-run" }
func (r *recorder) Close() error { return nil }
func (r *recorder) Send(dest int, msg comm.Message) error {
	msg.Source = r.rank
	r.sent = append(r.sent, sent{dest, msg})
	return nil
}
func (r *recorder) TryReceive() (comm.Message, bool) { return comm.Message{}, false }
func (r *recorder) Incoming() <-chan comm.Message    { return nil }

// lastAssign returns the task most recently assigned to worker, or -1.
func (r *recorder) lastAssign(worker int) int {
	for i := len(r.sent) - 1; i >= 0; i-- {
		s := r.sent[i]
		if s.to == worker && s.msg.Kind == comm.KindWorkAssign {
			return s.msg.TaskID
		}
	}
	return -1
}

func (r *recorder) count(kind comm.Kind) int {
	n := 0
	for _, s := range r.sent {
		if s.msg.Kind == kind {
			n++
		}
	}
	return n
}

func payloads(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("task-%d", i))
	}
	return out
}

func fakeConfig(clk clock.Clock) Config {
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	cfg.PollInterval = 100 * time.Millisecond
	cfg.HeartbeatInterval = 500 * time.Millisecond
	cfg.Clock = clk
	return cfg
}

func msg(from int, kind comm.Kind) comm.Message {
	return comm.Message{Source: from, Kind: kind}
}

func result(from, task int, payload string) comm.Message {
	return comm.Message{Source: from, Kind: comm.KindResult, TaskID: task, Payload: []byte(payload)}
}

func newTestCoordinator(t *testing.T, size, ntasks int, cfg Config) (*Coordinator, *recorder) {
	t.Helper()
	rec := &recorder{rank: 0, size: size}
	co, err := NewCoordinator(rec, payloads(ntasks), cfg)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return co, rec
}

// --- Unit Tests ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"heartbeat too slow", func(c *Config) { c.HeartbeatInterval = time.Second }, true},
		{"heartbeat at a third", func(c *Config) { c.Timeout = 3 * time.Second; c.HeartbeatInterval = time.Second }, false},
		{"poll too slow", func(c *Config) { c.PollInterval = 500 * time.Millisecond }, true},
		{"poll at a fifth", func(c *Config) { c.PollInterval = 400 * time.Millisecond }, false},
		{"negative min workers", func(c *Config) { c.MinWorkers = -1 }, true},
		{"negative deadline", func(c *Config) { c.Deadline = -time.Second }, true},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(&cfg)
		err := cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, errors.ErrCodeInvalidInput) {
			t.Errorf("%s: expected INVALID_INPUT, got %v", tt.name, err)
		}
	}
}

func TestNewCoordinator_RequiresRankZero(t *testing.T) {
	if _, err := NewCoordinator(&recorder{rank: 1, size: 3}, nil, DefaultConfig()); err == nil {
		t.Error("expected error for non-zero rank")
	}
}

func TestCoordinator_DispatchAndPark(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	co, rec := newTestCoordinator(t, 3, 1, fakeConfig(clk))
	ctx := context.Background()

	co.HandleMessage(ctx, msg(1, comm.KindWorkRequest))
	co.HandleMessage(ctx, msg(2, comm.KindWorkRequest))

	if got := rec.lastAssign(1); got != 0 {
		t.Fatalf("worker 1 should hold task 0, got %d", got)
	}
	if got := rec.lastAssign(2); got != -1 {
		t.Fatalf("worker 2 should be parked, got task %d", got)
	}

	st := co.Snapshot()
	if len(st.Idle) != 1 || st.Idle[0] != 2 {
		t.Errorf("expected worker 2 idle, got %v", st.Idle)
	}
	if len(st.InFlight) != 1 || st.InFlight[0].Worker != 1 || st.InFlight[0].Task != 0 {
		t.Errorf("unexpected in-flight: %+v", st.InFlight)
	}
	if st.Run != "test-run" {
		t.Errorf("unexpected run %q", st.Run)
	}
}

// Two workers, five tasks; worker 2 goes silent after its first task.
func TestCoordinator_SilentWorkerTaskRequeued(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cfg := fakeConfig(clk)
	co, rec := newTestCoordinator(t, 3, 5, cfg)
	ctx := context.Background()

	co.HandleMessage(ctx, msg(1, comm.KindWorkRequest))
	co.HandleMessage(ctx, msg(2, comm.KindWorkRequest))
	if rec.lastAssign(2) != 1 {
		t.Fatalf("worker 2 should hold task 1, got %d", rec.lastAssign(2))
	}
	assigned := clk.Now()

	requeuedAfter := time.Duration(-1)
	for i := 1; i <= 100 && !co.Done(); i++ {
		clk.Advance(cfg.PollInterval)

		if i%5 == 0 {
			task := rec.lastAssign(1)
			co.HandleMessage(ctx, result(1, task, fmt.Sprintf("r%d-w1", task)))
			co.HandleMessage(ctx, msg(1, comm.KindWorkRequest))
		} else {
			co.HandleMessage(ctx, msg(1, comm.KindHeartbeat))
		}

		if err := co.Scan(ctx); err != nil {
			t.Fatalf("Scan: %v", err)
		}

		if requeuedAfter < 0 {
			if task, _ := co.Task(1); task.Worker != 2 {
				requeuedAfter = clk.Since(assigned)
			}
		}
	}

	if !co.Done() {
		t.Fatalf("tasks not done: %+v", co.Snapshot().Counts)
	}
	if requeuedAfter <= cfg.Timeout || requeuedAfter > cfg.Timeout+cfg.PollInterval {
		t.Errorf("task requeued after %v, want in (%v, %v]", requeuedAfter, cfg.Timeout, cfg.Timeout+cfg.PollInterval)
	}

	rep := co.Report()
	if rep.Completed != 5 || rep.Requeued != 1 || rep.Remaining != 0 {
		t.Errorf("unexpected report: %+v", rep)
	}
	if string(rep.Results[1]) != "r1-w1" {
		t.Errorf("task 1 result = %q", rep.Results[1])
	}

	// the silent worker wakes up and answers late
	co.HandleMessage(ctx, result(2, 1, "late"))
	rep = co.Report()
	if rep.Stale != 1 {
		t.Errorf("expected 1 stale result, got %d", rep.Stale)
	}
	if string(rep.Results[1]) != "r1-w1" {
		t.Errorf("stale result replaced accepted one: %q", rep.Results[1])
	}

	published, _ := co.Results().List(results.ResultFilter{})
	if len(published) != 5 {
		t.Fatalf("expected 5 published results, got %d", len(published))
	}
	for i, r := range published {
		if r.TaskID != i {
			t.Errorf("published[%d] is task %d", i, r.TaskID)
		}
	}
}

func TestCoordinator_RequeuedTaskGoesToFront(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cfg := fakeConfig(clk)
	co, _ := newTestCoordinator(t, 3, 4, cfg)
	ctx := context.Background()

	co.HandleMessage(ctx, msg(2, comm.KindWorkRequest)) // task 0 to worker 2
	clk.Advance(cfg.Timeout + cfg.PollInterval)
	co.HandleMessage(ctx, msg(1, comm.KindHeartbeat))
	co.Scan(ctx)

	pending := co.Snapshot().Pending
	if fmt.Sprint(pending) != "[0 1 2 3]" {
		t.Errorf("expected task 0 back at the front, got %v", pending)
	}
}

func TestCoordinator_WorkRequestWhileHoldingRequeues(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	co, rec := newTestCoordinator(t, 2, 3, fakeConfig(clk))
	ctx := context.Background()

	co.HandleMessage(ctx, msg(1, comm.KindWorkRequest))
	co.HandleMessage(ctx, msg(1, comm.KindWorkRequest))

	// the abandoned task is first in line again, so the worker gets it back
	if got := rec.lastAssign(1); got != 0 {
		t.Errorf("expected task 0 reassigned, got %d", got)
	}
	task, _ := co.Task(0)
	if task.Attempts != 2 || task.Requeues != 1 {
		t.Errorf("unexpected task bookkeeping: %+v", task)
	}
}

func TestCoordinator_ResultForRequeuedTaskAccepted(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cfg := fakeConfig(clk)
	co, _ := newTestCoordinator(t, 3, 1, cfg)
	ctx := context.Background()

	co.HandleMessage(ctx, msg(1, comm.KindWorkRequest))
	clk.Advance(cfg.Timeout + cfg.PollInterval)
	co.HandleMessage(ctx, msg(2, comm.KindHeartbeat))
	co.Scan(ctx)

	// worker 1 was only slow; its result still counts
	co.HandleMessage(ctx, result(1, 0, "slow"))
	if !co.Done() {
		t.Fatal("first result for a pending task should complete it")
	}
	if got := co.Report().Results[0]; string(got) != "slow" {
		t.Errorf("unexpected result %q", got)
	}
}

func TestCoordinator_FaultOracleRequeuesImmediately(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cfg := fakeConfig(clk)
	cfg.Faults = fault.Static{2: 1}
	co, _ := newTestCoordinator(t, 3, 2, cfg)
	ctx := context.Background()

	co.HandleMessage(ctx, msg(2, comm.KindWorkRequest))
	if err := co.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	task, _ := co.Task(0)
	if task.Status != tasks.StatusPending {
		t.Errorf("task of faulted worker should be pending, got %s", task.Status)
	}
}

func TestCoordinator_InsufficientWorkers(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cfg := fakeConfig(clk)
	co, _ := newTestCoordinator(t, 3, 2, cfg)
	ctx := context.Background()

	var err error
	var elapsed time.Duration
	for i := 0; i < 100 && err == nil; i++ {
		clk.Advance(cfg.PollInterval)
		elapsed += cfg.PollInterval
		err = co.Scan(ctx)
	}

	if !errors.Is(err, errors.ErrCodeInsufficientWorkers) {
		t.Fatalf("expected INSUFFICIENT_WORKERS, got %v", err)
	}
	if !errors.IsResource(err) {
		t.Errorf("expected resource category, got %v", err)
	}
	// silent for a timeout, then starved for another
	if elapsed < 2*cfg.Timeout {
		t.Errorf("gave up after %v, want at least %v", elapsed, 2*cfg.Timeout)
	}
}

func TestCoordinator_UnexpectedMessagesIgnored(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	co, rec := newTestCoordinator(t, 3, 1, fakeConfig(clk))
	ctx := context.Background()

	co.HandleMessage(ctx, msg(0, comm.KindWorkRequest))
	co.HandleMessage(ctx, msg(7, comm.KindWorkRequest))
	co.HandleMessage(ctx, msg(1, comm.KindData))
	co.HandleMessage(ctx, result(1, 42, "unknown task"))

	if len(rec.sent) != 0 {
		t.Errorf("expected no sends, got %d", len(rec.sent))
	}
	if c := co.Snapshot().Counts; c.Pending != 1 || c.Done != 0 {
		t.Errorf("unexpected counts: %+v", c)
	}
}

func TestCoordinator_ResumeFromCheckpoints(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	// an earlier coordinator finished task 0 under the same run id
	prior := tasks.NewTable()
	prior.Add(0, nil)
	prior.Dispatch(1, time.Unix(0, 0))
	done, _ := prior.Complete(0, 1, []byte("from-before"), time.Unix(1, 0))
	if err := tasks.NewJournal(store, "test-run").Record(ctx, done); err != nil {
		t.Fatalf("Record: %v", err)
	}

	clk := clock.NewFake(time.Unix(0, 0))
	cfg := fakeConfig(clk)
	cfg.Store = store
	co, rec := newTestCoordinator(t, 2, 3, cfg)

	n, err := co.Resume(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Resume = %d, %v", n, err)
	}

	co.HandleMessage(ctx, msg(1, comm.KindWorkRequest))
	if got := rec.lastAssign(1); got != 1 {
		t.Errorf("expected task 1 first after resume, got %d", got)
	}

	co.HandleMessage(ctx, result(1, 1, "one"))
	if _, err := store.Get("ftcoll.test-run.task.1"); err != nil {
		t.Errorf("expected checkpoint for task 1: %v", err)
	}

	r, err := co.Results().Get(ctx, 0)
	if err != nil || string(r.Output) != "from-before" || r.Metadata["resumed"] != "true" {
		t.Errorf("resumed result not published: %+v, %v", r, err)
	}
	if rep := co.Report(); rep.Resumed != 1 || rep.Completed != 1 {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestCoordinator_RunStopsWhenNothingToDo(t *testing.T) {
	co, rec := newTestCoordinator(t, 3, 0, DefaultConfig())

	rep, err := co.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Completed != 0 {
		t.Errorf("unexpected report: %+v", rep)
	}
	if got := rec.count(comm.KindStop); got != 2 {
		t.Errorf("expected STOP to both workers, got %d", got)
	}
}
