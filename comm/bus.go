package comm

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/ftcoll/bus"
	"github.com/vinayprograms/ftcoll/logging"
)

// DefaultPrefix is the first subject token of every rank subject.
const DefaultPrefix = "ftcoll"

// Config configures a BusComm.
type Config struct {
	// Run scopes subjects so concurrent runs on one bus never mix.
	Run string

	Rank int
	Size int

	// Prefix defaults to DefaultPrefix.
	Prefix string

	// BufferSize of the decoded inbound queue. Default: 1024
	BufferSize int

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("%w: size %d", ErrInvalidRank, c.Size)
	}
	if c.Rank < 0 || c.Rank >= c.Size {
		return fmt.Errorf("%w: rank %d of %d", ErrInvalidRank, c.Rank, c.Size)
	}
	if c.Run == "" || strings.ContainsAny(c.Run, ".*> ") {
		return fmt.Errorf("invalid run id %q", c.Run)
	}
	return nil
}

// Subject returns the bus subject rank r of a run listens on.
func Subject(prefix, run string, r int) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s.%s.rank.%d", prefix, run, r)
}

// BusComm implements Comm over a bus.MessageBus. Each rank subscribes to
// its own subject; Send publishes to the destination's subject.
type BusComm struct {
	bus    bus.MessageBus
	cfg    Config
	sub    bus.Subscription
	in     chan Message
	logger *logging.Logger

	malformed atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewBusComm subscribes rank cfg.Rank and starts decoding its inbound messages.
func NewBusComm(b bus.MessageBus, cfg Config) (*BusComm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = bus.DefaultConfig().BufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	sub, err := b.Subscribe(Subject(cfg.Prefix, cfg.Run, cfg.Rank))
	if err != nil {
		return nil, fmt.Errorf("subscribe rank %d: %w", cfg.Rank, err)
	}

	c := &BusComm{
		bus:    b,
		cfg:    cfg,
		sub:    sub,
		in:     make(chan Message, cfg.BufferSize),
		logger: logger.WithComponent("comm"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

// NewLocalGroup creates size endpoints of one run on a shared bus.
func NewLocalGroup(b bus.MessageBus, run string, size int, logger *logging.Logger) ([]*BusComm, error) {
	group := make([]*BusComm, 0, size)
	for r := 0; r < size; r++ {
		c, err := NewBusComm(b, Config{Run: run, Rank: r, Size: size, Logger: logger})
		if err != nil {
			for _, prev := range group {
				prev.Close()
			}
			return nil, err
		}
		group = append(group, c)
	}
	return group, nil
}

func (c *BusComm) pump() {
	defer close(c.doneCh)
	defer close(c.in)

	for {
		select {
		case <-c.stopCh:
			return
		case raw, ok := <-c.sub.Messages():
			if !ok {
				return
			}
			msg, err := Unmarshal(raw.Data)
			if err != nil {
				c.malformed.Add(1)
				c.logger.Warn("malformed_message", map[string]interface{}{
					"rank":  c.cfg.Rank,
					"error": err.Error(),
				})
				continue
			}
			if msg.Run != c.cfg.Run || msg.Source >= c.cfg.Size {
				c.malformed.Add(1)
				continue
			}
			select {
			case c.in <- msg:
			case <-c.stopCh:
				return
			}
		}
	}
}

func (c *BusComm) Rank() int { return c.cfg.Rank }

func (c *BusComm) Size() int { return c.cfg.Size }

// Run returns the run id this endpoint belongs to.
func (c *BusComm) Run() string { return c.cfg.Run }

// Send publishes msg to dest's subject.
func (c *BusComm) Send(dest int, msg Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if dest < 0 || dest >= c.cfg.Size {
		return fmt.Errorf("%w: dest %d of %d", ErrInvalidRank, dest, c.cfg.Size)
	}
	msg.Run = c.cfg.Run
	msg.Source = c.cfg.Rank
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	return c.bus.Publish(Subject(c.cfg.Prefix, c.cfg.Run, dest), data)
}

func (c *BusComm) TryReceive() (Message, bool) {
	select {
	case msg, ok := <-c.in:
		return msg, ok
	default:
		return Message{}, false
	}
}

func (c *BusComm) Incoming() <-chan Message {
	return c.in
}

// Dropped returns how many inbound messages were lost to a full buffer
// or failed to decode.
func (c *BusComm) Dropped() uint64 {
	return c.sub.Dropped() + c.malformed.Load()
}

// Close unsubscribes and stops decoding. Pending inbound messages are discarded.
func (c *BusComm) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		err = c.sub.Unsubscribe()
		<-c.doneCh
	})
	return err
}

var _ Comm = (*BusComm)(nil)
