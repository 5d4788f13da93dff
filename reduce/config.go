package reduce

import (
	"time"

	"github.com/vinayprograms/ftcoll/clock"
	"github.com/vinayprograms/ftcoll/errors"
	"github.com/vinayprograms/ftcoll/fault"
	"github.com/vinayprograms/ftcoll/heartbeat"
	"github.com/vinayprograms/ftcoll/logging"
	"github.com/vinayprograms/ftcoll/telemetry"
)

// Config configures one rank's participation in a reduction.
type Config struct {
	// Timeout bounds the whole run. Default: 30s
	Timeout time.Duration

	// PollInterval is how long a rank waits for messages before
	// re-checking failure indicators. Default: 10ms
	PollInterval time.Duration

	// MaxRounds caps logical rounds; 0 means no cap. A round ends when
	// PollInterval elapses or DATA, ACK or STOP arrives. Default: 4000
	MaxRounds uint64

	// Warmup keeps a rank from forwarding for this long after start. It
	// still folds and acknowledges DATA meanwhile.
	Warmup time.Duration

	// HeartbeatInterval, when positive, sends HEARTBEAT to parent,
	// children and the root at this interval.
	HeartbeatInterval time.Duration

	// FaultTimeout, when positive, reports a watched peer faulted once it
	// has been silent this long. It needs HeartbeatInterval and combines
	// with Faults.
	FaultTimeout time.Duration

	// Faults is the failure indicator. Default: fault.None
	Faults fault.Oracle

	// Tracker, if set, is touched with the source of every inbound message.
	// NewNode creates one when FaultTimeout is set and Tracker is nil.
	Tracker *heartbeat.Tracker

	Clock  clock.Clock
	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		PollInterval: 10 * time.Millisecond,
		MaxRounds:    4000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout < 0 || c.PollInterval < 0 || c.Warmup < 0 || c.HeartbeatInterval < 0 {
		return errors.InvalidInput("durations must not be negative")
	}
	if c.Timeout > 0 && c.PollInterval > c.Timeout {
		return errors.InvalidInput("poll interval exceeds timeout")
	}
	if c.FaultTimeout < 0 {
		return errors.InvalidInput("fault timeout must not be negative")
	}
	if c.FaultTimeout > 0 {
		if c.HeartbeatInterval == 0 {
			return errors.InvalidInput("fault timeout needs a heartbeat interval")
		}
		if c.FaultTimeout <= c.HeartbeatInterval {
			return errors.InvalidInput("fault timeout must exceed heartbeat interval")
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
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
