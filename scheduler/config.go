package scheduler

import (
	"time"

	"github.com/vinayprograms/ftcoll/clock"
	"github.com/vinayprograms/ftcoll/errors"
	"github.com/vinayprograms/ftcoll/fault"
	"github.com/vinayprograms/ftcoll/heartbeat"
	"github.com/vinayprograms/ftcoll/logging"
	"github.com/vinayprograms/ftcoll/results"
	"github.com/vinayprograms/ftcoll/state"
	"github.com/vinayprograms/ftcoll/telemetry"
)

// Config configures the coordinator and its workers.
type Config struct {
	// Timeout is how long a worker may stay silent before its task is
	// requeued. Default: 2s
	Timeout time.Duration

	// PollInterval is how often the coordinator scans in-flight tasks and
	// a worker re-checks its inbox. Default: Timeout/10
	PollInterval time.Duration

	// HeartbeatInterval is how often a worker tells the coordinator it is
	// alive. Default: Timeout/4
	HeartbeatInterval time.Duration

	// MinWorkers is the fewest live workers the coordinator keeps going
	// with while work remains. Default: 1
	MinWorkers int

	// Deadline bounds a coordinator run; 0 means only ctx bounds it.
	Deadline time.Duration

	// Faults marks ranks faulted. Workers use it to inject their own hang;
	// the coordinator treats a faulted worker's task as lost. Default: fault.None
	Faults fault.Oracle

	// Tracker, if set, replaces the coordinator's own liveness records.
	Tracker *heartbeat.Tracker

	// Store, if set, receives a checkpoint per DONE task and is consulted
	// on start to skip tasks already done under the same run id.
	Store state.StateStore

	// Results receives each accepted result. Default: a MemoryPublisher
	Results results.ResultPublisher

	Clock  clock.Clock
	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    2 * time.Second,
		MinWorkers: 1,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = DefaultConfig().Timeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = c.Timeout / 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.Timeout / 4
	}
	if c.Faults == nil {
		c.Faults = fault.None{}
	}
	c.Clock = clock.Or(c.Clock)
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.GetTracer()
	}
	return c
}

// Validate checks the configuration after defaults are applied. A worker
// must get at least three heartbeats out per timeout window, and the
// coordinator must scan at least five times per window.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Timeout < 0 || c.PollInterval < 0 || c.HeartbeatInterval < 0 || c.Deadline < 0 {
		return errors.InvalidInput("durations must not be negative")
	}
	if c.HeartbeatInterval*3 > c.Timeout {
		return errors.InvalidInput("heartbeat interval must be at most a third of the timeout",
			errors.WithMetadata("heartbeat_interval", c.HeartbeatInterval.String()),
			errors.WithMetadata("timeout", c.Timeout.String()))
	}
	if c.PollInterval*5 > c.Timeout {
		return errors.InvalidInput("poll interval must be at most a fifth of the timeout",
			errors.WithMetadata("poll_interval", c.PollInterval.String()),
			errors.WithMetadata("timeout", c.Timeout.String()))
	}
	if c.MinWorkers < 0 {
		return errors.InvalidInput("min workers must not be negative")
	}
	return nil
}
