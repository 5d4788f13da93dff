package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/ftcoll/logging"
)

// NATSBus carries rank traffic between processes over core NATS.
// Delivery is at most once, like the in-memory bus.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	log    *logging.Logger

	// closed is closed by the connection's ClosedHandler.
	closed chan struct{}
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name identifies the client in server monitoring.
	Name string

	Token    string
	User     string
	Password string

	ReconnectWait time.Duration

	// MaxReconnects: -1 = unlimited
	MaxReconnects int

	ConnectTimeout time.Duration

	// DrainTimeout bounds Close, which delivers pending publishes (a STOP
	// broadcast, typically) before disconnecting. Default: 5s
	DrainTimeout time.Duration

	// Logger receives disconnect, reconnect and slow-consumer events.
	Logger *logging.Logger
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		DrainTimeout:   5 * time.Second,
	}
}

// NewNATSBus connects to a NATS server.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultNATSConfig().DrainTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	b := &NATSBus{config: cfg, log: log.WithComponent("bus.nats"), closed: make(chan struct{})}
	conn, err := nats.Connect(cfg.URL, b.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b.conn = conn
	return b, nil
}

func (b *NATSBus) options() []nats.Option {
	cfg := b.config
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.log.Warn("disconnected", map[string]interface{}{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.log.Info("reconnected", map[string]interface{}{"url": c.ConnectedUrl()})
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := map[string]interface{}{"error": err.Error()}
			if sub != nil {
				fields["subject"] = sub.Subject
			}
			b.log.Warn("async_error", fields)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(b.closed)
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Publish sends data to subject without waiting for the server.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() || b.conn.IsDraining() {
		return ErrClosed
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe creates a subscription to a subject.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() || b.conn.IsDraining() {
		return nil, ErrClosed
	}

	s := &natsSub{ch: make(chan *Message, b.config.BufferSize)}
	ns, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		s.deliver(&Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		close(s.ch)
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	s.sub = ns
	return s, nil
}

// Flush blocks until the server has processed everything published so far.
func (b *NATSBus) Flush() error {
	return b.conn.Flush()
}

// Close drains the connection: pending publishes go out, subscriptions
// stop, then the connection closes. It waits at most DrainTimeout plus
// a second.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return nil
	}
	select {
	case <-b.closed:
	case <-time.After(b.config.DrainTimeout + time.Second):
		b.conn.Close()
	}
	return nil
}

// Conn returns the underlying NATS connection.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

type natsSub struct {
	sub     *nats.Subscription
	ch      chan *Message
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func (s *natsSub) deliver(msg *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
	}
}

func (s *natsSub) Messages() <-chan *Message {
	return s.ch
}

func (s *natsSub) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe cancels the subscription and closes its channel.
func (s *natsSub) Unsubscribe() error {
	var err error
	if s.sub.IsValid() {
		err = s.sub.Unsubscribe()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return err
}
