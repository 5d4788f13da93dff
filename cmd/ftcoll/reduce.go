package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/ftcoll/comm"
	"github.com/vinayprograms/ftcoll/reduce"
)

type reduceOptions struct {
	timeout      time.Duration
	faults       string
	warmup       time.Duration
	heartbeat    time.Duration
	faultTimeout time.Duration
	values       string
}

func newReduceCmd(opts *options) *cobra.Command {
	ro := &reduceOptions{}
	cmd := &cobra.Command{
		Use:   "reduce",
		Short: "Sum one value per rank over the overlay tree",
		Long: `Each rank contributes a value (its rank number unless --values is set) and
the sum arrives at rank 0. Ranks listed in --faults crash at the given step
and their contributions are excluded.`,
		Example: `  ftcoll reduce -n 8 --faults 3
  ftcoll reduce -n 4 --nats nats://localhost:4222 --run demo --rank 2 \
    --heartbeat 100ms --fault-timeout 1s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Reduce.Timeout.Duration = ro.timeout
			}
			if cmd.Flags().Changed("faults") {
				cfg.Reduce.Faults = ro.faults
			}
			if cmd.Flags().Changed("warmup") {
				cfg.Reduce.Warmup.Duration = ro.warmup
			}
			if cmd.Flags().Changed("heartbeat") {
				cfg.Reduce.HeartbeatInterval.Duration = ro.heartbeat
			}
			if cmd.Flags().Changed("fault-timeout") {
				cfg.Reduce.FaultTimeout.Duration = ro.faultTimeout
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			values, err := parseValues(ro.values, cfg.Run.Size)
			if err != nil {
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
			return runReduce(ctx, e, values, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&ro.timeout, "timeout", 0, "bound on the whole reduction")
	cmd.Flags().StringVar(&ro.faults, "faults", "", `ranks that crash, "rank[:step],...", e.g. "3,5:2"`)
	cmd.Flags().DurationVar(&ro.warmup, "warmup", 0, "keep every rank busy this long before it forwards")
	cmd.Flags().DurationVar(&ro.heartbeat, "heartbeat", 0, "send HEARTBEAT to tree neighbours at this interval")
	cmd.Flags().DurationVar(&ro.faultTimeout, "fault-timeout", 0, "exclude a rank silent this long (needs --heartbeat)")
	cmd.Flags().StringVar(&ro.values, "values", "", "comma-separated contribution per rank (default: the rank)")
	return cmd
}

// parseValues returns one contribution per rank.
func parseValues(list string, size int) ([]float64, error) {
	values := make([]float64, size)
	if list == "" {
		for r := range values {
			values[r] = float64(r)
		}
		return values, nil
	}
	parts := strings.Split(list, ",")
	if len(parts) != size {
		return nil, fmt.Errorf("--values has %d entries for %d ranks", len(parts), size)
	}
	for r, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("--values entry %d: %w", r, err)
		}
		values[r] = v
	}
	return values, nil
}

// reduceConfigs returns the configuration for each rank. Every call
// yields a fresh config, so ranks never share a liveness tracker.
func (e *env) reduceConfigs() (func(rank int) reduce.Config, error) {
	base, err := e.cfg.ReduceOptions()
	if err != nil {
		return nil, err
	}
	return func(rank int) reduce.Config {
		c := base
		c.Logger = e.log.WithComponent(fmt.Sprintf("reduce.%d", rank))
		c.Tracer = e.tracer
		return c
	}, nil
}

func runReduce(ctx context.Context, e *env, values []float64, out io.Writer) error {
	configure, err := e.reduceConfigs()
	if err != nil {
		return err
	}

	comms, err := e.comms()
	if err != nil {
		return err
	}

	var (
		root    reduce.Result
		rootErr error
	)
	if e.rank >= 0 {
		n, err := reduce.NewNode(comms[0], values[e.rank], configure(e.rank))
		if err != nil {
			return err
		}
		res, err := n.Run(ctx)
		if e.rank != 0 {
			fmt.Fprintf(out, "rank=%d stopped=%t\n", e.rank, res.Stopped)
			return err
		}
		root, rootErr = res, err
	} else {
		outcome, err := reduce.RunGroup(ctx, comms, values, configure)
		if err != nil {
			return err
		}
		root, rootErr = outcome.Root, outcome.RootErr
		for r, rerr := range outcome.Errors {
			if r != 0 {
				e.log.Debug("rank_error", map[string]interface{}{"rank": r, "error": rerr.Error()})
			}
		}
	}

	if e.status != nil {
		e.status.RecordReduction(e.run, root, rootErr)
	}
	recordSum(e, root, rootErr)
	e.event("reduce_complete", map[string]interface{}{
		"sum":          root.Sum,
		"contributors": len(root.Contributors),
		"missing":      len(root.Missing),
		"complete":     root.Complete,
		"duration_ms":  root.Duration.Milliseconds(),
	})

	fmt.Fprintf(out, "run=%s sum=%g contributors=%s missing=%s complete=%t duration=%s\n",
		e.run, root.Sum, ranks(root.Contributors), ranks(root.Missing), root.Complete,
		root.Duration.Round(time.Millisecond))
	return rootErr
}

// reduction is the checkpoint written for a finished reduction.
type reduction struct {
	Sum          float64 `json:"sum"`
	Contributors []int   `json:"contributors"`
	Missing      []int   `json:"missing"`
	Complete     bool    `json:"complete"`
	Error        string  `json:"error,omitempty"`
}

func recordSum(e *env, res reduce.Result, runErr error) {
	if e.store == nil {
		return
	}
	rec := reduction{Sum: res.Sum, Contributors: res.Contributors, Missing: res.Missing, Complete: res.Complete}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s.%s.reduce", comm.DefaultPrefix, e.run)
	if err := e.store.Put(key, data, 0); err != nil {
		e.log.Warn("checkpoint_failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

func ranks(rs []int) string {
	if len(rs) == 0 {
		return "-"
	}
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = strconv.Itoa(r)
	}
	return strings.Join(parts, ",")
}
