package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/vinayprograms/ftcoll/comm"
	"github.com/vinayprograms/ftcoll/errors"
)

// GroupOutcome collects the coordinator's report and every worker's.
type GroupOutcome struct {
	Report         *Report
	CoordinatorErr error

	// Workers is indexed by rank; index 0 is unused.
	Workers []WorkerReport

	// Errors holds the error of each worker that returned one.
	Errors map[int]error
}

// RunGroup runs a coordinator on comms[0] and a worker on every other
// endpoint, then waits for all of them. configure returns the
// configuration for a rank; nil means DefaultConfig for all. The
// coordinator is passed to ready, if set, before anything runs.
func RunGroup(ctx context.Context, comms []comm.Comm, payloads [][]byte, exec Executor,
	configure func(rank int) Config, ready func(*Coordinator)) (*GroupOutcome, error) {
	if len(comms) < 2 {
		return nil, errors.InvalidInput(fmt.Sprintf("need a coordinator and at least one worker, got %d endpoints", len(comms)))
	}
	if configure == nil {
		configure = func(int) Config { return DefaultConfig() }
	}

	for i, c := range comms {
		if c.Rank() != i {
			return nil, errors.InvalidInput(fmt.Sprintf("endpoint %d reports rank %d", i, c.Rank()))
		}
	}

	coord, err := NewCoordinator(comms[0], payloads, configure(0))
	if err != nil {
		return nil, errors.Wrapf(err, "coordinator")
	}
	workers := make([]*Worker, len(comms))
	for i := 1; i < len(comms); i++ {
		w, err := NewWorker(comms[i], exec, configure(i))
		if err != nil {
			return nil, errors.Wrapf(err, "worker %d", i)
		}
		workers[i] = w
	}
	if ready != nil {
		ready(coord)
	}

	out := &GroupOutcome{
		Workers: make([]WorkerReport, len(comms)),
		Errors:  make(map[int]error),
	}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 1; i < len(workers); i++ {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			rep, err := w.Run(ctx)
			mu.Lock()
			defer mu.Unlock()
			out.Workers[i] = rep
			if err != nil {
				out.Errors[i] = err
			}
		}(i, workers[i])
	}

	out.Report, out.CoordinatorErr = coord.Run(ctx)
	wg.Wait()
	return out, nil
}
