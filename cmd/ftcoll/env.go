package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/ftcoll/bus"
	"github.com/vinayprograms/ftcoll/comm"
	"github.com/vinayprograms/ftcoll/config"
	"github.com/vinayprograms/ftcoll/logging"
	"github.com/vinayprograms/ftcoll/shutdown"
	"github.com/vinayprograms/ftcoll/state"
	"github.com/vinayprograms/ftcoll/statusapi"
	"github.com/vinayprograms/ftcoll/telemetry"
)

// env holds the resources one command run shares between its ranks.
type env struct {
	cfg    config.Config
	run    string
	rank   int
	log    *logging.Logger
	bus    bus.MessageBus
	store  state.StateStore
	events telemetry.Exporter
	tracer *telemetry.Tracer
	status *statusapi.Server
	seq    *shutdown.Sequencer
	linger time.Duration
}

// setup builds every resource named by cfg and registers each with the
// shutdown sequencer. The caller must call close, even on error.
func setup(ctx context.Context, cfg config.Config, opts *options) (*env, error) {
	logger := logging.New()
	logger.SetLevel(logging.ParseLevel(cfg.Run.LogLevel))

	run := cfg.Run.ID
	if run == "" {
		run = uuid.NewString()
	}
	e := &env{
		cfg:    cfg,
		run:    run,
		rank:   opts.rank,
		log:    logger.WithRun(run),
		tracer: telemetry.GetTracer(),
		linger: opts.linger,
	}
	seq, err := shutdown.New(shutdown.DefaultConfig(), e.log)
	if err != nil {
		return e, err
	}
	e.seq = seq

	if e.rank >= cfg.Run.Size {
		return e, fmt.Errorf("--rank %d out of range for size %d", e.rank, cfg.Run.Size)
	}
	if e.rank >= 0 && cfg.Bus.Backend != config.BackendNATS {
		return e, fmt.Errorf("--rank needs a shared bus; set --nats")
	}

	if err := e.openTelemetry(ctx); err != nil {
		return e, err
	}
	if err := e.openBus(); err != nil {
		return e, err
	}
	if err := e.openStore(ctx); err != nil {
		return e, err
	}
	if cfg.Status.Addr != "" {
		e.status = statusapi.New(e.log)
		if _, err := e.status.Start(cfg.Status.Addr); err != nil {
			return e, fmt.Errorf("status server: %w", err)
		}
		e.seq.RegisterFunc("status", shutdown.PhaseIntake, e.status.Shutdown)
	}
	return e, nil
}

func (e *env) openTelemetry(ctx context.Context) error {
	events, err := telemetry.NewExporter(e.cfg.Telemetry.Events)
	if err != nil {
		return err
	}
	e.events = events
	e.seq.RegisterWithPhase("events", shutdown.Closer(events.Close), shutdown.PhaseTelemetry)

	if e.cfg.Telemetry.Endpoint == "" {
		return nil
	}
	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    "ftcoll",
		ServiceVersion: version,
		Endpoint:       e.cfg.Telemetry.Endpoint,
		Protocol:       e.cfg.Telemetry.Protocol,
		Insecure:       e.cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	e.tracer = provider.Tracer()
	e.seq.RegisterFunc("tracing", shutdown.PhaseTelemetry, provider.Shutdown)
	return nil
}

func (e *env) openBus() error {
	switch e.cfg.Bus.Backend {
	case config.BackendNATS:
		nc := bus.DefaultNATSConfig()
		nc.URL = e.cfg.Bus.URL
		nc.Name = "ftcoll-" + e.run
		nc.Logger = e.log
		if e.cfg.Bus.BufferSize > 0 {
			nc.BufferSize = e.cfg.Bus.BufferSize
		}
		b, err := bus.NewNATSBus(nc)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		e.bus = b
	default:
		e.bus = bus.NewMemoryBus(bus.Config{BufferSize: e.cfg.Bus.BufferSize})
	}
	e.seq.RegisterWithPhase("bus", shutdown.Closer(e.bus.Close), shutdown.PhaseTransport)
	return nil
}

func (e *env) openStore(ctx context.Context) error {
	switch e.cfg.Store.Backend {
	case config.BackendMemory:
		e.store = state.NewMemoryStore()
	case config.BackendNATS:
		conn, err := nats.Connect(e.cfg.StoreURL(), nats.Name("ftcoll-store-"+e.run))
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		sc := state.DefaultNATSStoreConfig()
		sc.Conn = conn
		sc.Bucket = e.cfg.Store.Bucket
		store, err := state.NewNATSStore(sc)
		if err != nil {
			conn.Close()
			return fmt.Errorf("open store: %w", err)
		}
		e.store = store
		e.seq.RegisterFunc("store-conn", shutdown.PhaseTelemetry, func(context.Context) error {
			conn.Close()
			return nil
		})
	case config.BackendPostgres:
		store, err := state.NewPostgresStore(ctx, state.PostgresStoreConfig{
			URL:   e.cfg.Store.URL,
			Table: e.cfg.Store.Table,
		})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		e.store = store
	default:
		return nil
	}
	e.seq.RegisterWithPhase("store", shutdown.Closer(e.store.Close), shutdown.PhaseStorage)
	return nil
}

// comms returns the endpoints this process runs: every rank, or only
// the one named by --rank.
func (e *env) comms() ([]comm.Comm, error) {
	if e.rank >= 0 {
		c, err := comm.NewBusComm(e.bus, comm.Config{
			Run:    e.run,
			Rank:   e.rank,
			Size:   e.cfg.Run.Size,
			Logger: e.log,
		})
		if err != nil {
			return nil, err
		}
		e.seq.RegisterWithPhase("comm", shutdown.Closer(c.Close), shutdown.PhaseIntake)
		return []comm.Comm{c}, nil
	}

	group, err := comm.NewLocalGroup(e.bus, e.run, e.cfg.Run.Size, e.log)
	if err != nil {
		return nil, err
	}
	out := make([]comm.Comm, len(group))
	for i, c := range group {
		out[i] = c
	}
	e.seq.RegisterFunc("comms", shutdown.PhaseIntake, func(context.Context) error {
		for _, c := range group {
			c.Close()
		}
		return nil
	})
	return out, nil
}

// event records a run event and flushes it so a crash after the run
// does not lose it.
func (e *env) event(name string, data map[string]interface{}) {
	data["run"] = e.run
	e.events.LogEvent(name, data)
	if err := e.events.Flush(); err != nil {
		e.log.Warn("event_flush_failed", map[string]interface{}{"error": err.Error()})
	}
}

// close waits out --linger when a status server is up, then runs the
// shutdown phases.
func (e *env) close(ctx context.Context) {
	if e.status != nil && e.linger > 0 {
		e.log.Info("lingering", map[string]interface{}{"for": e.linger.String()})
		select {
		case <-time.After(e.linger):
		case <-ctx.Done():
		}
	}
	if e.seq != nil {
		_ = e.seq.ShutdownWithTimeout(0)
	}
}
