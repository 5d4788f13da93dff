package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/ftcoll/config"
)

// options are the persistent flags. A flag only overrides the config
// file when it was set on the command line.
type options struct {
	configPath   string
	run          string
	size         int
	rank         int
	logLevel     string
	busURL       string
	store        string
	storeURL     string
	otelEndpoint string
	events       string
	statusAddr   string
	linger       time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "ftcoll",
		Short:         "Fault-tolerant collectives over asynchronous messaging",
		Long:          "ftcoll runs a tree reduction or a bag of tasks over a message bus, tolerating ranks that crash or hang.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "TOML configuration file")
	pf.StringVar(&opts.run, "run", "", "run id (default: a new uuid)")
	pf.IntVarP(&opts.size, "size", "n", 0, "number of ranks, rank 0 included")
	pf.IntVar(&opts.rank, "rank", -1, "run only this rank (needs --nats); -1 runs every rank in-process")
	pf.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&opts.busURL, "nats", "", "NATS server URL; switches the bus from memory to NATS")
	pf.StringVar(&opts.store, "store", "", "checkpoint store: none, memory, nats or postgres")
	pf.StringVar(&opts.storeURL, "store-url", "", "NATS or postgres URL of the checkpoint store")
	pf.StringVar(&opts.otelEndpoint, "otel-endpoint", "", "OTLP collector for traces")
	pf.StringVar(&opts.events, "events", "", "run events target: file://path or http(s) URL")
	pf.StringVar(&opts.statusAddr, "status-addr", "", "serve run status over HTTP on this address")
	pf.DurationVar(&opts.linger, "linger", 0, "keep the status server up this long after the run")

	root.AddCommand(newReduceCmd(opts), newScheduleCmd(opts), newResultsCmd(opts))
	return root
}

// load reads the config file and overlays the flags that were set.
func (o *options) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("run") {
		cfg.Run.ID = o.run
	}
	if flags.Changed("size") {
		cfg.Run.Size = o.size
	}
	if flags.Changed("log-level") {
		cfg.Run.LogLevel = o.logLevel
	}
	if flags.Changed("nats") {
		cfg.Bus.Backend = config.BackendNATS
		cfg.Bus.URL = o.busURL
	}
	if flags.Changed("store") {
		cfg.Store.Backend = o.store
	}
	if flags.Changed("store-url") {
		cfg.Store.URL = o.storeURL
	}
	if flags.Changed("otel-endpoint") {
		cfg.Telemetry.Endpoint = o.otelEndpoint
	}
	if flags.Changed("events") {
		cfg.Telemetry.Events = o.events
	}
	if flags.Changed("status-addr") {
		cfg.Status.Addr = o.statusAddr
	}
	return cfg, cfg.Validate()
}
