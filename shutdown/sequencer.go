package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/ftcoll/logging"
)

// Sequencer releases registered resources phase by phase. Handlers that
// share a phase run concurrently; phases run in ascending order.
type Sequencer struct {
	config Config
	log    *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool
	done     chan struct{}
	result   *Result
}

// New creates a Sequencer. A nil logger disables logging.
func New(config Config, logger *logging.Logger) (*Sequencer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = def.DefaultPhase
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Sequencer{
		config: config,
		log:    logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}, nil
}

// Register adds a handler at the default phase.
func (s *Sequencer) Register(name string, h Handler) {
	s.RegisterWithPhase(name, h, s.config.DefaultPhase)
}

// RegisterWithPhase adds a handler at phase. Registrations after
// Shutdown has started are ignored.
func (s *Sequencer) RegisterWithPhase(name string, h Handler, phase int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warn("late_registration", map[string]interface{}{"handler": name})
		return
	}
	s.handlers = append(s.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc registers fn at phase.
func (s *Sequencer) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	s.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown runs every phase once. Later calls return ErrAlreadyShutdown
// without waiting.
func (s *Sequencer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyShutdown
	}
	s.started = true
	handlers := make([]registration, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	result := s.run(ctx, handlers)

	s.mu.Lock()
	s.result = result
	s.mu.Unlock()
	close(s.done)
	return result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the
// configured Timeout when timeout is zero.
func (s *Sequencer) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = s.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// HandleSignals returns a context that is canceled on SIGINT or SIGTERM.
// The caller runs its work under that context and calls Shutdown once
// the work returns.
func (s *Sequencer) HandleSignals(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
			if parent.Err() == nil {
				s.log.Info("signal_received")
			}
		case <-s.done:
		}
	}()
	return ctx, stop
}

// Done is closed once Shutdown has finished.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Result returns the shutdown outcome, or nil before Done is closed.
func (s *Sequencer) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Sequencer) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			result.Err = ErrTimeout
			break
		}

		for _, hr := range s.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil && result.Err == nil {
				result.Err = ErrHandlerFailed
			}
		}
		if result.Err != nil && s.config.StopOnError {
			break
		}
	}
	result.TotalDuration = time.Since(start)

	fields := map[string]interface{}{
		"handlers": len(result.Results),
		"duration": result.TotalDuration.String(),
	}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
		fields["failed"] = result.FailedHandlers()
		s.log.Warn("shutdown_complete", fields)
	} else {
		s.log.Info("shutdown_complete", fields)
	}
	return result
}

func (s *Sequencer) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()
			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			hr := HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}
			results[i] = hr
			if err != nil {
				s.log.Warn("handler_failed", map[string]interface{}{"handler": r.name, "phase": r.phase, "error": err.Error()})
			}
			if s.config.OnProgress != nil {
				s.config.OnProgress(hr)
			}
		}(i, reg)
	}
	wg.Wait()
	return results
}

// groupByPhase splits handlers, already sorted by phase, into runs of
// equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
