package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/ftcoll/comm"
)

// Sender sends HEARTBEAT messages to fixed targets at a fixed interval.
type Sender struct {
	comm     comm.Comm
	targets  []int
	interval time.Duration

	sent    atomic.Uint64
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a new heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}

	targets := make([]int, len(cfg.Targets))
	copy(targets, cfg.Targets)

	return &Sender{
		comm:     cfg.Comm,
		targets:  targets,
		interval: interval,
	}, nil
}

// Start begins sending heartbeats at the configured interval.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.beat()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beat()
		}
	}
}

func (s *Sender) beat() {
	for _, r := range s.targets {
		if r == s.comm.Rank() {
			continue
		}
		if err := s.comm.Send(r, comm.Message{Kind: comm.KindHeartbeat}); err == nil {
			s.sent.Add(1)
		}
	}
}

// Stop stops sending heartbeats and waits for the loop to exit.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Sent returns how many heartbeat messages have been sent.
func (s *Sender) Sent() uint64 {
	return s.sent.Load()
}
