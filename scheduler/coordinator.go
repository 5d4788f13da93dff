package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vinayprograms/ftcoll/comm"
	"github.com/vinayprograms/ftcoll/errors"
	"github.com/vinayprograms/ftcoll/heartbeat"
	"github.com/vinayprograms/ftcoll/logging"
	"github.com/vinayprograms/ftcoll/mailbox"
	"github.com/vinayprograms/ftcoll/results"
	"github.com/vinayprograms/ftcoll/tasks"
	"github.com/vinayprograms/ftcoll/telemetry"
)

// Report summarizes a coordinator run.
type Report struct {
	// Results maps every DONE task id to its accepted output.
	Results map[int][]byte

	// Completed counts tasks that reached DONE in this run.
	Completed int

	// Resumed counts tasks restored DONE from checkpoints.
	Resumed int

	// Requeued counts timeouts that sent a task back to pending.
	Requeued int

	// Stale counts results discarded because the task was already DONE.
	Stale int

	// Remaining counts tasks not DONE when the run ended.
	Remaining int

	Duration time.Duration
}

// InFlight describes one assigned task.
type InFlight struct {
	Worker int       `json:"worker"`
	Task   int       `json:"task"`
	Since  time.Time `json:"since"`
}

// Status is a point-in-time view of a coordinator.
type Status struct {
	Run      string       `json:"run"`
	Counts   tasks.Counts `json:"counts"`
	Pending  []int        `json:"pending"`
	InFlight []InFlight   `json:"in_flight"`
	Idle     []int        `json:"idle"`
	Live     []int        `json:"live"`
	Stale    int          `json:"stale"`
	Finished bool         `json:"finished"`
	Uptime   string       `json:"uptime"`
}

type flight struct {
	task  int
	start time.Time
}

// Coordinator hands out tasks to workers on request and takes tasks back
// from workers that go silent. Rank 0 is always the coordinator.
type Coordinator struct {
	cfg     Config
	comm    comm.Comm
	run     string
	log     *logging.Logger
	table   *tasks.Table
	journal *tasks.Journal
	results results.ResultPublisher
	tracker *heartbeat.Tracker

	mu         sync.RWMutex
	inflight   map[int]flight
	dispatched map[int]uint64
	idle       []int
	completed  int
	resumed    int
	stale      int
	starved    time.Time
	finished   bool
	start      time.Time
}

// NewCoordinator creates a coordinator for the given task payloads; task
// i gets id i.
func NewCoordinator(c comm.Comm, payloads [][]byte, cfg Config) (*Coordinator, error) {
	if c == nil {
		return nil, errors.InvalidInput("comm is required")
	}
	if c.Rank() != 0 {
		return nil, errors.InvalidInput(fmt.Sprintf("coordinator must be rank 0, got %d", c.Rank()))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	run := ""
	if r, ok := c.(interface{ Run() string }); ok {
		run = r.Run()
	}

	table := tasks.NewTable()
	for i, p := range payloads {
		if err := table.Add(i, p); err != nil {
			return nil, errors.Wrapf(err, "task %d", i)
		}
	}

	workers := make([]int, 0, c.Size()-1)
	for r := 1; r < c.Size(); r++ {
		workers = append(workers, r)
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = heartbeat.NewTracker(cfg.Clock, workers...)
	}
	pub := cfg.Results
	if pub == nil {
		pub = results.NewMemoryPublisher()
	}

	co := &Coordinator{
		cfg:        cfg,
		comm:       c,
		run:        run,
		log:        cfg.Logger.WithComponent("scheduler.coordinator"),
		table:      table,
		results:    pub,
		tracker:    tracker,
		inflight:   make(map[int]flight),
		dispatched: make(map[int]uint64),
		start:      cfg.Clock.Now(),
	}
	if cfg.Store != nil {
		co.journal = tasks.NewJournal(cfg.Store, run)
	}
	return co, nil
}

// Results returns the publisher accepted results go to.
func (c *Coordinator) Results() results.ResultPublisher { return c.results }

// Resume marks tasks with a DONE checkpoint as done. It is a no-op
// without a store.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	if c.journal == nil {
		return 0, nil
	}
	n, err := c.journal.Restore(ctx, c.table)
	if err != nil {
		return n, errors.Wrap(err, "restore checkpoints")
	}

	c.mu.Lock()
	c.resumed += n
	c.mu.Unlock()

	for _, t := range c.table.List(tasks.StatusDone) {
		if !t.Resumed {
			continue
		}
		c.publish(ctx, t, "")
	}
	if n > 0 {
		c.log.Info("resumed", map[string]interface{}{"tasks": n, "remaining": c.table.Remaining()})
	}
	return n, nil
}

func (c *Coordinator) isWorker(r int) bool {
	return r > 0 && r < c.comm.Size()
}

func (c *Coordinator) send(dest int, msg comm.Message) error {
	err := c.comm.Send(dest, msg)
	if err != nil {
		c.log.Warn("send_failed", map[string]interface{}{
			"to":    dest,
			"kind":  msg.Kind,
			"error": err.Error(),
		})
	}
	return err
}

// HandleMessage applies one inbound message. Every message from a worker
// counts as proof of life.
func (c *Coordinator) HandleMessage(ctx context.Context, msg comm.Message) {
	if !c.isWorker(msg.Source) {
		c.log.Dropped(0, errors.UnexpectedMessage(string(msg.Kind), msg.Source))
		return
	}
	c.tracker.Touch(msg.Source)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}

	switch msg.Kind {
	case comm.KindHeartbeat:
	case comm.KindWorkRequest:
		c.onWorkRequest(msg.Source)
	case comm.KindResult:
		c.onResult(ctx, msg)
	default:
		c.log.Dropped(0, errors.UnexpectedMessage(string(msg.Kind), msg.Source))
	}
}

func (c *Coordinator) onWorkRequest(worker int) {
	if f, ok := c.inflight[worker]; ok {
		// the worker abandoned what it held
		c.requeue(worker, f, 0)
	}
	c.dispatch(worker)
}

// dispatch must be called with c.mu held.
func (c *Coordinator) dispatch(worker int) {
	now := c.cfg.Clock.Now()
	t, ok := c.table.Dispatch(worker, now)
	if !ok {
		c.park(worker)
		return
	}
	c.inflight[worker] = flight{task: t.ID, start: now}
	c.dispatched[worker]++

	err := c.send(worker, comm.Message{Kind: comm.KindWorkAssign, TaskID: t.ID, Payload: t.Payload})
	if err != nil {
		delete(c.inflight, worker)
		c.table.Requeue(t.ID)
		return
	}
	c.log.Debug("assigned", map[string]interface{}{"task": t.ID, "worker": worker, "attempt": t.Attempts})
}

func (c *Coordinator) park(worker int) {
	for _, w := range c.idle {
		if w == worker {
			return
		}
	}
	c.idle = append(c.idle, worker)
}

func (c *Coordinator) onResult(ctx context.Context, msg comm.Message) {
	worker := msg.Source
	if f, ok := c.inflight[worker]; ok && f.task == msg.TaskID {
		delete(c.inflight, worker)
	}

	t, err := c.table.Complete(msg.TaskID, worker, msg.Payload, c.cfg.Clock.Now())
	switch {
	case err == tasks.ErrTaskCompleted:
		c.stale++
		c.log.Dropped(0, errors.StaleResult(msg.TaskID, worker))
		return
	case err != nil:
		c.log.Dropped(0, errors.UnexpectedMessage(string(msg.Kind), worker,
			errors.WithTaskID(msg.TaskID), errors.WithCause(err)))
		return
	}

	// a requeued copy may still be in flight elsewhere; its result will be stale
	for w, f := range c.inflight {
		if f.task == t.ID {
			delete(c.inflight, w)
		}
	}
	c.completed++

	var took time.Duration
	if !t.AssignedAt.IsZero() {
		took = t.CompletedAt.Sub(t.AssignedAt)
	}
	c.log.TaskDone(t.ID, worker, took)
	c.publish(ctx, t, msg.Error)

	if c.journal != nil {
		if err := c.journal.Record(ctx, t); err != nil {
			c.log.Warn("checkpoint_failed", map[string]interface{}{"task": t.ID, "error": err.Error()})
		}
	}
}

func (c *Coordinator) publish(ctx context.Context, t *tasks.Task, execErr string) {
	r := results.Result{
		TaskID:   t.ID,
		Status:   results.StatusSuccess,
		Output:   t.Result,
		Error:    execErr,
		Worker:   t.Worker,
		Attempts: t.Attempts,
	}
	if execErr != "" {
		r.Status = results.StatusFailed
	}
	if t.Resumed {
		r.Metadata = map[string]string{"resumed": "true"}
	}
	if err := c.results.Publish(ctx, r); err != nil && err != results.ErrAlreadyExists {
		c.log.Warn("publish_failed", map[string]interface{}{"task": t.ID, "error": err.Error()})
	}
}

// requeue must be called with c.mu held.
func (c *Coordinator) requeue(worker int, f flight, silence time.Duration) {
	delete(c.inflight, worker)
	if err := c.table.Requeue(f.task); err != nil {
		return
	}
	c.log.TaskRequeued(f.task, worker, silence)
	c.serveIdle()
}

// serveIdle hands pending tasks to parked workers that are still alive.
func (c *Coordinator) serveIdle() {
	for len(c.idle) > 0 && len(c.table.PendingIDs()) > 0 {
		w := c.idle[0]
		c.idle = c.idle[1:]
		if c.tracker.Silence(w) > c.cfg.Timeout {
			continue
		}
		c.dispatch(w)
	}
}

// Scan requeues tasks held by silent or faulted workers and checks that
// enough workers remain. It returns an INSUFFICIENT_WORKERS error once
// fewer than MinWorkers have been live for a full timeout window.
func (c *Coordinator) Scan(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return nil
	}

	workers := make([]int, 0, len(c.inflight))
	for w := range c.inflight {
		workers = append(workers, w)
	}
	sort.Ints(workers)
	for _, w := range workers {
		f := c.inflight[w]
		silence := c.tracker.Silence(w)
		if silence > c.cfg.Timeout || c.cfg.Faults.IsFaulted(w, c.dispatched[w]) {
			c.requeue(w, f, silence)
			telemetry.AddEvent(ctx, "requeue",
				attribute.Int("schedule.task_id", f.task),
				attribute.Int("ftcoll.rank", w))
		}
	}

	if c.table.Remaining() == 0 || c.cfg.MinWorkers == 0 {
		c.starved = time.Time{}
		return nil
	}

	live := c.liveWorkers()
	now := c.cfg.Clock.Now()
	if len(live) >= c.cfg.MinWorkers {
		c.starved = time.Time{}
		return nil
	}
	if c.starved.IsZero() {
		c.starved = now
		c.log.Warn("workers_low", map[string]interface{}{"live": len(live), "min": c.cfg.MinWorkers})
		return nil
	}
	if now.Sub(c.starved) >= c.cfg.Timeout {
		return errors.InsufficientWorkers(len(live), c.cfg.MinWorkers,
			errors.WithMetadata("remaining", fmt.Sprint(c.table.Remaining())))
	}
	return nil
}

func (c *Coordinator) liveWorkers() []int {
	var live []int
	for r := 1; r < c.comm.Size(); r++ {
		if c.tracker.Silence(r) <= c.cfg.Timeout && !c.cfg.Faults.IsFaulted(r, c.dispatched[r]) {
			live = append(live, r)
		}
	}
	return live
}

// Done reports whether every task is DONE.
func (c *Coordinator) Done() bool {
	return c.table.Remaining() == 0
}

// Task returns a copy of task id.
func (c *Coordinator) Task(id int) (*tasks.Task, error) {
	return c.table.Get(id)
}

// Snapshot returns the coordinator's current status. Safe to call from
// any goroutine while Run is active.
func (c *Coordinator) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Run:      c.run,
		Counts:   c.table.Counts(),
		Pending:  c.table.PendingIDs(),
		Idle:     append([]int(nil), c.idle...),
		Stale:    c.stale,
		Finished: c.finished,
		Uptime:   c.cfg.Clock.Since(c.start).Round(time.Millisecond).String(),
	}
	for w, f := range c.inflight {
		st.InFlight = append(st.InFlight, InFlight{Worker: w, Task: f.task, Since: f.start})
	}
	sort.Slice(st.InFlight, func(i, j int) bool { return st.InFlight[i].Worker < st.InFlight[j].Worker })
	st.Live = c.liveWorkers()
	return st
}

// Report summarizes the run so far.
func (c *Coordinator) Report() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := c.table.Counts()
	rep := &Report{
		Results:   make(map[int][]byte, counts.Done),
		Completed: c.completed,
		Resumed:   c.resumed,
		Requeued:  counts.Requeued,
		Stale:     c.stale,
		Remaining: counts.Pending + counts.Assigned,
		Duration:  c.cfg.Clock.Since(c.start),
	}
	for _, t := range c.table.List(tasks.StatusDone) {
		rep.Results[t.ID] = t.Result
	}
	return rep
}

// stop broadcasts STOP once.
func (c *Coordinator) stop() {
	c.mu.Lock()
	already := c.finished
	c.finished = true
	c.mu.Unlock()
	if already {
		return
	}
	if err := comm.Broadcast(c.comm, comm.Message{Kind: comm.KindStop}); err != nil {
		c.log.Warn("stop_broadcast_failed", map[string]interface{}{"error": err.Error()})
	}
}

// Run drives the coordinator until every task is DONE, too few workers
// remain, the deadline passes or ctx ends. STOP goes to every worker in
// all cases.
func (c *Coordinator) Run(ctx context.Context) (rep *Report, err error) {
	if c.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Deadline)
		defer cancel()
	}

	ctx, span := c.cfg.Tracer.StartScheduleSpan(ctx, c.run, c.comm.Size()-1)
	defer func() {
		c.cfg.Tracer.EndScheduleSpan(span, telemetry.ScheduleSpanOptions{
			Tasks:     c.table.Counts().Total,
			Completed: rep.Completed,
			Requeued:  rep.Requeued,
			Stale:     rep.Stale,
		}, err)
		status := "ok"
		if err != nil {
			status = string(errors.Code(err))
		}
		c.log.RunComplete("schedule", rep.Duration, status)
	}()

	if _, err := c.Resume(ctx); err != nil {
		c.stop()
		return c.Report(), err
	}

	inbox := mailbox.New(c.comm, []comm.Kind{comm.KindResult, comm.KindHeartbeat, comm.KindWorkRequest}, nil)
	for {
		inbox.Drain()
		for {
			msg, ok := inbox.Next()
			if !ok {
				break
			}
			c.HandleMessage(ctx, msg)
		}

		if c.Done() {
			c.stop()
			return c.Report(), nil
		}
		if err := c.Scan(ctx); err != nil {
			c.stop()
			return c.Report(), err
		}

		if err := inbox.Wait(ctx, c.cfg.PollInterval); err != nil {
			c.stop()
			rep := c.Report()
			if stderrors.Is(err, context.DeadlineExceeded) {
				return rep, errors.New(errors.ErrCodeIncomplete,
					fmt.Sprintf("schedule ended with %d of %d tasks done", len(rep.Results), c.table.Counts().Total),
					errors.WithRank(0), errors.WithCause(err))
			}
			return rep, errors.Wrap(err, "schedule interrupted", errors.WithRank(0))
		}
	}
}
