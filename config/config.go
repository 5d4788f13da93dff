// Package config loads ftcoll run configuration from TOML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/ftcoll/fault"
	"github.com/vinayprograms/ftcoll/reduce"
	"github.com/vinayprograms/ftcoll/scheduler"
)

// Backends accepted in [bus] and [store].
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

// Duration decodes TOML strings such as "250ms" or "2s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the contents of an ftcoll.toml file.
type Config struct {
	Run       RunConfig       `toml:"run"`
	Bus       BusConfig       `toml:"bus"`
	Store     StoreConfig     `toml:"store"`
	Reduce    ReduceConfig    `toml:"reduce"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Status    StatusConfig    `toml:"status"`
}

// RunConfig identifies a run.
type RunConfig struct {
	// ID scopes bus subjects and checkpoint keys. Empty means a fresh uuid.
	ID string `toml:"id"`

	// Size is the number of ranks, coordinator included.
	Size int `toml:"size"`

	LogLevel string `toml:"log_level"`
}

// BusConfig selects the message bus.
type BusConfig struct {
	Backend    string `toml:"backend"`
	URL        string `toml:"url"`
	BufferSize int    `toml:"buffer_size"`
}

// StoreConfig selects where task checkpoints and reduction sums go.
type StoreConfig struct {
	Backend string `toml:"backend"`

	// URL is the NATS server for "nats" or the database URL for "postgres".
	URL    string `toml:"url"`
	Bucket string `toml:"bucket"`
	Table  string `toml:"table"`
}

// ReduceConfig holds timings for the reduction.
type ReduceConfig struct {
	Timeout           Duration `toml:"timeout"`
	PollInterval      Duration `toml:"poll_interval"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	Warmup            Duration `toml:"warmup"`

	// FaultTimeout excludes a peer silent this long. Needs heartbeat_interval.
	FaultTimeout Duration `toml:"fault_timeout"`

	// Faults uses the "rank[:step],..." form of fault.ParseStatic.
	Faults string `toml:"faults"`
}

// ScheduleConfig holds the bag of tasks and scheduler timings.
type ScheduleConfig struct {
	Tasks             int      `toml:"tasks"`
	TaskDelay         Duration `toml:"task_delay"`
	Timeout           Duration `toml:"timeout"`
	PollInterval      Duration `toml:"poll_interval"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	MinWorkers        int      `toml:"min_workers"`
	Deadline          Duration `toml:"deadline"`
	Faults            string   `toml:"faults"`
}

// TelemetryConfig configures trace and event export.
type TelemetryConfig struct {
	// Endpoint is the OTLP collector. Empty disables tracing.
	Endpoint string `toml:"endpoint"`
	Protocol string `toml:"protocol"`
	Insecure bool   `toml:"insecure"`

	// Events is a file path or http(s) URL for run events.
	Events string `toml:"events"`
}

// StatusConfig configures the coordinator's HTTP status endpoint.
type StatusConfig struct {
	// Addr such as ":8080". Empty disables the server.
	Addr string `toml:"addr"`
}

// DefaultConfig returns a single-process configuration: eight ranks on
// an in-memory bus with no checkpoint store.
func DefaultConfig() Config {
	return Config{
		Run: RunConfig{Size: 8, LogLevel: "warn"},
		Bus: BusConfig{Backend: BackendMemory, BufferSize: 4096},
		Store: StoreConfig{
			Backend: BackendNone,
			Bucket:  "ftcoll-checkpoints",
			Table:   "ftcoll_checkpoints",
		},
		Reduce: ReduceConfig{
			Timeout:      Duration{30 * time.Second},
			PollInterval: Duration{10 * time.Millisecond},
		},
		Schedule: ScheduleConfig{
			Tasks:      32,
			Timeout:    Duration{2 * time.Second},
			MinWorkers: 1,
		},
		Telemetry: TelemetryConfig{Protocol: "grpc"},
	}
}

// Load reads path on top of DefaultConfig. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes TOML content on top of DefaultConfig. Unknown keys are
// rejected.
func Parse(content string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(content, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("parse config: unknown keys %s", strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

// Validate checks backends, sizes and the fault lists.
func (c Config) Validate() error {
	if c.Run.Size < 2 {
		return fmt.Errorf("run.size must be at least 2, got %d", c.Run.Size)
	}
	if strings.ContainsAny(c.Run.ID, ".*> ") {
		return fmt.Errorf("run.id %q must not contain '.', '*', '>' or spaces", c.Run.ID)
	}
	switch c.Bus.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("unknown bus.backend %q", c.Bus.Backend)
	}
	switch c.Store.Backend {
	case BackendNone, BackendMemory:
	case BackendNATS:
		if c.Store.URL == "" && c.Bus.URL == "" {
			return fmt.Errorf("store.url or bus.url is required for the nats store")
		}
	case BackendPostgres:
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("unknown telemetry.protocol %q", c.Telemetry.Protocol)
	}
	if c.Schedule.Tasks < 0 {
		return fmt.Errorf("schedule.tasks must not be negative")
	}
	if _, err := c.ReduceOptions(); err != nil {
		return err
	}
	if _, err := c.ScheduleOptions(); err != nil {
		return err
	}
	return nil
}

// StoreURL is the NATS server for the checkpoint store, falling back to
// the bus URL.
func (c Config) StoreURL() string {
	if c.Store.URL != "" {
		return c.Store.URL
	}
	return c.Bus.URL
}

// ReduceOptions converts the [reduce] section. Clock, logger and tracer
// are left for the caller.
func (c Config) ReduceOptions() (reduce.Config, error) {
	faults, err := fault.ParseStatic(c.Reduce.Faults)
	if err != nil {
		return reduce.Config{}, fmt.Errorf("reduce.faults: %w", err)
	}
	rc := reduce.DefaultConfig()
	rc.Timeout = c.Reduce.Timeout.Duration
	rc.PollInterval = c.Reduce.PollInterval.Duration
	rc.HeartbeatInterval = c.Reduce.HeartbeatInterval.Duration
	rc.Warmup = c.Reduce.Warmup.Duration
	rc.FaultTimeout = c.Reduce.FaultTimeout.Duration
	rc.Faults = faults
	if err := rc.Validate(); err != nil {
		return reduce.Config{}, fmt.Errorf("reduce: %w", err)
	}
	return rc, nil
}

// ScheduleOptions converts the [schedule] section.
func (c Config) ScheduleOptions() (scheduler.Config, error) {
	faults, err := fault.ParseStatic(c.Schedule.Faults)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("schedule.faults: %w", err)
	}
	sc := scheduler.DefaultConfig()
	sc.Timeout = c.Schedule.Timeout.Duration
	sc.PollInterval = c.Schedule.PollInterval.Duration
	sc.HeartbeatInterval = c.Schedule.HeartbeatInterval.Duration
	sc.MinWorkers = c.Schedule.MinWorkers
	sc.Deadline = c.Schedule.Deadline.Duration
	sc.Faults = faults
	if err := sc.Validate(); err != nil {
		return scheduler.Config{}, fmt.Errorf("schedule: %w", err)
	}
	return sc, nil
}
