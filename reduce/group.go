package reduce

import (
	"context"
	"fmt"
	"sync"

	"github.com/vinayprograms/ftcoll/comm"
	"github.com/vinayprograms/ftcoll/errors"
)

// GroupOutcome collects the results of every rank run in one process.
type GroupOutcome struct {
	// Root is the result at rank 0 and RootErr its error.
	Root    Result
	RootErr error

	// Ranks holds every rank's result, indexed by rank.
	Ranks []Result

	// Errors holds the error of each rank that returned one.
	Errors map[int]error
}

// RunGroup runs one Node per endpoint concurrently and waits for all of
// them. comms[i] must be rank i and values[i] its contribution. configure
// returns the configuration for a rank; nil means DefaultConfig for all.
func RunGroup(ctx context.Context, comms []comm.Comm, values []float64, configure func(rank int) Config) (*GroupOutcome, error) {
	if len(comms) == 0 || len(comms) != len(values) {
		return nil, errors.InvalidInput(fmt.Sprintf("%d endpoints for %d values", len(comms), len(values)))
	}
	if configure == nil {
		configure = func(int) Config { return DefaultConfig() }
	}

	nodes := make([]*Node, len(comms))
	for i, c := range comms {
		if c.Rank() != i {
			return nil, errors.InvalidInput(fmt.Sprintf("endpoint %d reports rank %d", i, c.Rank()))
		}
		n, err := NewNode(c, values[i], configure(i))
		if err != nil {
			return nil, errors.Wrapf(err, "rank %d", i)
		}
		nodes[i] = n
	}

	out := &GroupOutcome{
		Ranks:  make([]Result, len(nodes)),
		Errors: make(map[int]error),
	}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *Node) {
			defer wg.Done()
			res, err := n.Run(ctx)
			mu.Lock()
			defer mu.Unlock()
			out.Ranks[i] = res
			if err != nil {
				out.Errors[i] = err
			}
		}(i, n)
	}
	wg.Wait()

	out.Root = out.Ranks[0]
	out.RootErr = out.Errors[0]
	return out, nil
}
