package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/ftcoll/config"
	"github.com/vinayprograms/ftcoll/results"
)

func newResultsCmd(opts *options) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Collect the results a scheduler announces on the bus",
		Long: `Subscribes to a run's result subject on NATS and prints each accepted
result once --for elapses or on interrupt. Start it before the schedule run.`,
		Example: `  ftcoll results --nats nats://localhost:4222 --run demo --for 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cfg.Bus.Backend != config.BackendNATS || cfg.Run.ID == "" {
				return fmt.Errorf("results needs --nats and --run")
			}

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			e, err := setup(ctx, cfg, opts)
			defer e.close(ctx)
			if err != nil {
				return err
			}

			sub, err := e.bus.Subscribe(results.Subject("", e.run))
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			ctx, stopSignals := e.seq.HandleSignals(ctx)
			defer stopSignals()
			if wait > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, wait)
				defer cancel()
			}

			mirror := results.NewMemoryPublisher()
			defer mirror.Close()
			n, err := results.Follow(ctx, sub, mirror)
			if err != nil && ctx.Err() == nil {
				return err
			}

			list, err := mirror.List(results.ResultFilter{})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range list {
				detail := string(r.Output)
				if r.Status == results.StatusFailed {
					detail = r.Error
				}
				fmt.Fprintf(out, "%d\t%s\tworker=%d\tattempts=%d\t%s\n", r.TaskID, r.Status, r.Worker, r.Attempts, detail)
			}
			fmt.Fprintf(out, "run=%s results=%d\n", e.run, n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "for", 0, "stop collecting after this long (default: until interrupted)")
	return cmd
}
