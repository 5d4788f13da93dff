package bus

import (
	"os"
	"testing"
	"time"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	bus.Close()
	return url
}

// --- Unit Tests ---

func TestNATSOptions(t *testing.T) {
	b := &NATSBus{config: DefaultNATSConfig()}
	if got := len(b.options()); got != 8 {
		t.Errorf("default options = %d, want 8", got)
	}

	b.config.Name = "rank-0"
	b.config.Token = "tok"
	b.config.User = "u"
	if got := len(b.options()); got != 11 {
		t.Errorf("options = %d, want 11", got)
	}
}

func TestNATSBus_CloseDeliversPending(t *testing.T) {
	url := getNATSURL(t)
	cfg := DefaultNATSConfig()
	cfg.URL = url

	recv, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	defer recv.Close()
	sub, err := recv.Subscribe("ftcoll.drain.rank.1")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if err := recv.Flush(); err != nil {
		t.Fatal(err)
	}

	send, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	for i := 0; i < 50; i++ {
		send.Publish("ftcoll.drain.rank.1", []byte("stop"))
	}
	send.Close()
	if err := send.Publish("ftcoll.drain.rank.1", []byte("late")); err != ErrClosed {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}

	got := 0
	deadline := time.After(2 * time.Second)
	for got < 50 {
		select {
		case <-sub.Messages():
			got++
		case <-deadline:
			t.Fatalf("received %d of 50 messages published before Close", got)
		}
	}
}

// --- Integration Tests ---

func TestNATSBus_PubSub(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	defer bus.Close()

	sub, err := bus.Subscribe("ftcoll.test.rank.0")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish("ftcoll.test.rank.0", []byte("hello nats")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello nats" {
			t.Errorf("got %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestNATSBus_InvalidSubject(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	defer bus.Close()

	if _, err := bus.Subscribe("a.*"); err != ErrInvalidSubject {
		t.Errorf("Subscribe wildcard = %v, want ErrInvalidSubject", err)
	}
}
