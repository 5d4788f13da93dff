package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/ftcoll/results"
	"github.com/vinayprograms/ftcoll/scheduler"
)

type scheduleOptions struct {
	tasks     int
	delay     time.Duration
	timeout   time.Duration
	deadline  time.Duration
	faults    string
	minWorker int
	print     bool
}

func newScheduleCmd(opts *options) *cobra.Command {
	so := &scheduleOptions{}
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run a bag of tasks on rank 0's workers",
		Long: `Rank 0 hands tasks to the other ranks on request. A worker that stops
heartbeating for longer than --timeout has its task requeued. Workers listed
in --faults hang after accepting the given number of tasks.`,
		Example: `  ftcoll schedule -n 4 --tasks 20 --faults 2:1 --timeout 1s
  ftcoll schedule -n 3 --store memory --status-addr :8080 --linger 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("tasks") {
				cfg.Schedule.Tasks = so.tasks
			}
			if flags.Changed("task-delay") {
				cfg.Schedule.TaskDelay.Duration = so.delay
			}
			if flags.Changed("timeout") {
				cfg.Schedule.Timeout.Duration = so.timeout
				// derived intervals follow the new timeout
				cfg.Schedule.PollInterval.Duration = 0
				cfg.Schedule.HeartbeatInterval.Duration = 0
			}
			if flags.Changed("deadline") {
				cfg.Schedule.Deadline.Duration = so.deadline
			}
			if flags.Changed("faults") {
				cfg.Schedule.Faults = so.faults
			}
			if flags.Changed("min-workers") {
				cfg.Schedule.MinWorkers = so.minWorker
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			e, err := setup(ctx, cfg, opts)
			defer e.close(ctx)
			if err != nil {
				return err
			}
			ctx, stopSignals := e.seq.HandleSignals(ctx)
			defer stopSignals()
			return runSchedule(ctx, e, so.print, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.IntVar(&so.tasks, "tasks", 0, "number of tasks")
	f.DurationVar(&so.delay, "task-delay", 0, "time each task takes to execute")
	f.DurationVar(&so.timeout, "timeout", 0, "worker silence before its task is requeued")
	f.DurationVar(&so.deadline, "deadline", 0, "bound on the whole run")
	f.StringVar(&so.faults, "faults", "", `workers that hang, "rank[:accepted],...", e.g. "2:1"`)
	f.IntVar(&so.minWorker, "min-workers", 0, "give up when fewer workers stay live")
	f.BoolVar(&so.print, "print-results", false, "print every task's output")
	return cmd
}

// payloads are the task inputs: "task-0", "task-1", ...
func payloads(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("task-%d", i))
	}
	return out
}

// upperAfter returns an executor that waits d and then upper-cases the
// payload.
func upperAfter(d time.Duration) scheduler.Executor {
	return scheduler.ExecutorFunc(func(ctx context.Context, taskID int, payload []byte) ([]byte, error) {
		if d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return bytes.ToUpper(payload), nil
	})
}

func runSchedule(ctx context.Context, e *env, printResults bool, out io.Writer) error {
	base, err := e.cfg.ScheduleOptions()
	if err != nil {
		return err
	}
	pub, err := results.NewBusPublisher(e.bus, results.Subject("", e.run), e.log)
	if err != nil {
		return err
	}

	configure := func(rank int) scheduler.Config {
		c := base
		c.Logger = e.log.WithComponent(fmt.Sprintf("scheduler.%d", rank))
		c.Tracer = e.tracer
		if rank == 0 {
			// The coordinator finds hung workers by their silence.
			c.Faults = nil
			c.Store = e.store
			c.Results = pub
		}
		return c
	}
	exec := upperAfter(e.cfg.Schedule.TaskDelay.Duration)
	work := payloads(e.cfg.Schedule.Tasks)

	comms, err := e.comms()
	if err != nil {
		return err
	}

	if e.rank > 0 {
		w, err := scheduler.NewWorker(comms[0], exec, configure(e.rank))
		if err != nil {
			return err
		}
		rep, err := w.Run(ctx)
		fmt.Fprintf(out, "rank=%d accepted=%d executed=%d failed=%d hung=%t stopped=%t\n",
			e.rank, rep.Accepted, rep.Executed, rep.Failed, rep.Hung, rep.Stopped)
		return err
	}

	var (
		report *scheduler.Report
		runErr error
	)
	if e.rank == 0 {
		co, err := scheduler.NewCoordinator(comms[0], work, configure(0))
		if err != nil {
			return err
		}
		if e.status != nil {
			e.status.SetScheduler(co)
		}
		report, runErr = co.Run(ctx)
	} else {
		outcome, err := scheduler.RunGroup(ctx, comms, work, exec, configure, func(co *scheduler.Coordinator) {
			if e.status != nil {
				e.status.SetScheduler(co)
			}
		})
		if err != nil {
			return err
		}
		report, runErr = outcome.Report, outcome.CoordinatorErr
		for r, werr := range outcome.Errors {
			e.log.Debug("worker_error", map[string]interface{}{"rank": r, "error": werr.Error()})
		}
	}
	if report == nil {
		return runErr
	}

	e.event("schedule_complete", map[string]interface{}{
		"tasks":       len(work),
		"completed":   report.Completed,
		"resumed":     report.Resumed,
		"requeued":    report.Requeued,
		"stale":       report.Stale,
		"remaining":   report.Remaining,
		"duration_ms": report.Duration.Milliseconds(),
	})

	fmt.Fprintf(out, "run=%s tasks=%d completed=%d resumed=%d requeued=%d stale=%d remaining=%d duration=%s\n",
		e.run, len(work), report.Completed, report.Resumed, report.Requeued, report.Stale,
		report.Remaining, report.Duration.Round(time.Millisecond))
	if printResults {
		ids := make([]int, 0, len(report.Results))
		for id := range report.Results {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			fmt.Fprintf(out, "%d\t%s\n", id, report.Results[id])
		}
	}
	return runErr
}
