package heartbeat

import (
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/ftcoll/comm"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Comm is the endpoint heartbeats are sent from (required).
	Comm comm.Comm

	// Targets are the ranks that receive each heartbeat.
	Targets []int

	// Interval between heartbeats.
	// Default: 500ms
	Interval time.Duration
}

// DefaultSenderConfig returns sender configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 500 * time.Millisecond,
	}
}

// Validate checks the sender configuration.
func (c SenderConfig) Validate() error {
	if c.Comm == nil {
		return fmt.Errorf("%w: comm is required", ErrInvalidConfig)
	}
	if c.Interval < 0 {
		return fmt.Errorf("%w: negative interval", ErrInvalidConfig)
	}
	for _, r := range c.Targets {
		if r < 0 || r >= c.Comm.Size() {
			return fmt.Errorf("%w: target rank %d", ErrInvalidConfig, r)
		}
	}
	return nil
}
