package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/vinayprograms/ftcoll/comm"
	"github.com/vinayprograms/ftcoll/errors"
	"github.com/vinayprograms/ftcoll/heartbeat"
	"github.com/vinayprograms/ftcoll/logging"
	"github.com/vinayprograms/ftcoll/mailbox"
)

// Executor runs one task.
type Executor interface {
	Execute(ctx context.Context, taskID int, payload []byte) ([]byte, error)
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(ctx context.Context, taskID int, payload []byte) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, taskID int, payload []byte) ([]byte, error) {
	return f(ctx, taskID, payload)
}

// WorkerReport summarizes a worker run.
type WorkerReport struct {
	// Accepted counts WORK_ASSIGN messages taken on.
	Accepted uint64

	// Executed counts tasks whose RESULT was sent.
	Executed int

	// Failed counts executions that returned an error.
	Failed int

	// Hung is set when the worker went silent on an injected fault.
	Hung bool

	Stopped bool
}

// Worker requests tasks from rank 0, runs them and returns results until
// the coordinator says STOP.
type Worker struct {
	cfg  Config
	comm comm.Comm
	rank int
	exec Executor
	log  *logging.Logger

	report WorkerReport
}

// NewWorker creates the worker at c.Rank().
func NewWorker(c comm.Comm, exec Executor, cfg Config) (*Worker, error) {
	if c == nil || exec == nil {
		return nil, errors.InvalidInput("comm and executor are required")
	}
	if c.Rank() == 0 {
		return nil, errors.InvalidInput("rank 0 is the coordinator")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	return &Worker{
		cfg:  cfg,
		comm: c,
		rank: c.Rank(),
		exec: exec,
		log:  cfg.Logger.WithComponent(fmt.Sprintf("scheduler.worker.%d", c.Rank())),
	}, nil
}

// Run loops request → execute → result until STOP or ctx ends. The
// heartbeat runs for the worker's whole life so a long task does not
// look like a dead worker.
func (w *Worker) Run(ctx context.Context) (WorkerReport, error) {
	hb, err := heartbeat.NewSender(heartbeat.SenderConfig{
		Comm:     w.comm,
		Targets:  []int{0},
		Interval: w.cfg.HeartbeatInterval,
	})
	if err != nil {
		return w.report, errors.Wrap(err, "heartbeat sender", errors.WithRank(w.rank))
	}
	hb.Start(ctx)
	defer hb.Stop()

	inbox := mailbox.New(w.comm, []comm.Kind{comm.KindStop, comm.KindWorkAssign}, nil)

	if w.cfg.Faults.IsFaulted(w.rank, 0) {
		hb.Stop()
		return w.hang(ctx, inbox)
	}

	for {
		if err := w.comm.Send(0, comm.Message{Kind: comm.KindWorkRequest}); err != nil {
			return w.report, errors.Wrap(err, "work request", errors.WithRank(w.rank))
		}

		msg, err := w.await(ctx, inbox)
		if err != nil {
			return w.report, err
		}
		if msg.Kind == comm.KindStop {
			w.report.Stopped = true
			return w.report, nil
		}

		w.report.Accepted++
		if w.cfg.Faults.IsFaulted(w.rank, w.report.Accepted) {
			hb.Stop()
			return w.hang(ctx, inbox)
		}

		w.execute(ctx, msg)
	}
}

// await blocks until STOP or WORK_ASSIGN from the coordinator.
func (w *Worker) await(ctx context.Context, inbox *mailbox.Inbox) (comm.Message, error) {
	for {
		inbox.Drain()
		for {
			msg, ok := inbox.Next()
			if !ok {
				break
			}
			if msg.Source != 0 {
				w.log.Dropped(w.rank, errors.UnexpectedMessage(string(msg.Kind), msg.Source))
				continue
			}
			switch msg.Kind {
			case comm.KindStop, comm.KindWorkAssign:
				return msg, nil
			default:
				w.log.Dropped(w.rank, errors.UnexpectedMessage(string(msg.Kind), msg.Source))
			}
		}

		if err := inbox.Wait(ctx, w.cfg.PollInterval); err != nil {
			if stderrors.Is(err, comm.ErrClosed) {
				return comm.Message{}, errors.Wrap(err, "worker endpoint closed", errors.WithRank(w.rank))
			}
			return comm.Message{}, errors.Wrap(err, "worker interrupted", errors.WithRank(w.rank))
		}
	}
}

func (w *Worker) execute(ctx context.Context, msg comm.Message) {
	ctx, span := w.cfg.Tracer.StartTaskSpan(ctx, w.rank, msg.TaskID)
	out, execErr := w.exec.Execute(ctx, msg.TaskID, msg.Payload)
	w.cfg.Tracer.EndTaskSpan(span, execErr)

	reply := comm.Message{Kind: comm.KindResult, TaskID: msg.TaskID, Payload: out}
	if execErr != nil {
		reply.Error = execErr.Error()
		w.report.Failed++
	}
	if err := w.comm.Send(0, reply); err != nil {
		w.log.Warn("result_send_failed", map[string]interface{}{"task": msg.TaskID, "error": err.Error()})
		return
	}
	w.report.Executed++
}

// hang models a worker that stopped making progress: it sends nothing
// more and only waits for STOP or ctx to end.
func (w *Worker) hang(ctx context.Context, inbox *mailbox.Inbox) (WorkerReport, error) {
	w.report.Hung = true
	w.log.Warn("injected_hang", map[string]interface{}{"accepted": w.report.Accepted})
	crashed := errors.Crashed(w.rank, w.report.Accepted)

	for {
		inbox.Drain()
		for {
			msg, ok := inbox.Next()
			if !ok {
				break
			}
			if msg.Kind == comm.KindStop && msg.Source == 0 {
				w.report.Stopped = true
				return w.report, crashed
			}
		}
		if err := inbox.Wait(ctx, w.cfg.PollInterval); err != nil {
			return w.report, crashed
		}
	}
}
