package shutdown

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyShutdown is returned by a second call to Shutdown.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout means the context ended before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed means at least one handler returned an error.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases used by the ftcoll command. Lower phases close first, so intake
// stops before transport and transport before the stores it feeds.
const (
	PhaseIntake    = 10
	PhaseTransport = 20
	PhaseStorage   = 30
	PhaseTelemetry = 40
)

// Handler is implemented by resources released at shutdown. The context
// is canceled when the shutdown timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer style method, which ignores the context.
func Closer(close func() error) Handler {
	return HandlerFunc(func(context.Context) error { return close() })
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil when every handler succeeded.
	Err error
}

// Failed reports whether any handler failed or the shutdown timed out.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Sequencer.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0). Default: 10 seconds.
	Timeout time.Duration

	// DefaultPhase is used by Register. Default: PhaseStorage.
	DefaultPhase int

	// StopOnError skips later phases once a handler fails.
	StopOnError bool

	// OnProgress is called after each handler returns.
	OnProgress func(HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 || c.DefaultPhase < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns the configuration used by the ftcoll command.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		DefaultPhase: PhaseStorage,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
