// Package telemetry exports run telemetry: OpenTelemetry spans through an
// OTLP provider, and one summary event per finished run through an
// Exporter (JSON lines to a file or stream, an HTTP endpoint, or nothing).
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Exporter receives run events.
type Exporter interface {
	// LogEvent records an event with the given name and data.
	LogEvent(name string, data map[string]interface{})
	// Flush sends any buffered data.
	Flush() error
	// Close flushes and releases the exporter.
	Close() error
}

// Event is a single exported event.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewExporter creates an exporter from a target:
//
//	"" or "noop"         discard
//	"stdout", "stderr"   JSON lines on the stream
//	"file://path"        JSON lines appended to path
//	"http(s)://..."      batches POSTed as a JSON array
func NewExporter(target string) (Exporter, error) {
	switch {
	case target == "" || target == "noop":
		return NewNoopExporter(), nil
	case target == "stdout":
		return NewStreamExporter(nopCloser{os.Stdout}), nil
	case target == "stderr":
		return NewStreamExporter(nopCloser{os.Stderr}), nil
	case strings.HasPrefix(target, "file://"):
		return NewFileExporter(strings.TrimPrefix(target, "file://"))
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		return NewHTTPExporter(target), nil
	default:
		return nil, fmt.Errorf("unknown event target: %s", target)
	}
}

// --- HTTP Exporter ---

// DefaultBatchSize is how many events HTTPExporter buffers before it
// posts on its own.
const DefaultBatchSize = 64

// HTTPExporter posts batches of events as a JSON array. A failed post
// keeps the batch for the next Flush, up to maxBuffered events.
type HTTPExporter struct {
	endpoint  string
	client    *http.Client
	batchSize int

	mu     sync.Mutex
	buffer []Event
}

// HTTPOption configures an HTTPExporter.
type HTTPOption func(*HTTPExporter)

// WithBatchSize sets the automatic flush threshold.
func WithBatchSize(n int) HTTPOption {
	return func(e *HTTPExporter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPExporter) { e.client = c }
}

// NewHTTPExporter creates an exporter posting to endpoint.
func NewHTTPExporter(endpoint string, opts ...HTTPOption) *HTTPExporter {
	e := &HTTPExporter{
		endpoint:  endpoint,
		client:    &http.Client{Timeout: 10 * time.Second},
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *HTTPExporter) maxBuffered() int { return e.batchSize * 8 }

func (e *HTTPExporter) LogEvent(name string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, Event{Name: name, Timestamp: time.Now(), Data: data})
	if over := len(e.buffer) - e.maxBuffered(); over > 0 {
		e.buffer = e.buffer[over:]
	}
	if len(e.buffer) >= e.batchSize {
		_ = e.flush()
	}
}

func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flush()
}

func (e *HTTPExporter) flush() error {
	if len(e.buffer) == 0 {
		return nil
	}
	data, err := json.Marshal(e.buffer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout+time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("event endpoint returned %d", resp.StatusCode)
	}

	e.buffer = e.buffer[:0]
	return nil
}

// Buffered returns the number of events waiting to be posted.
func (e *HTTPExporter) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer)
}

func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// --- Stream Exporter ---

// StreamExporter writes one JSON line per event.
type StreamExporter struct {
	mu  sync.Mutex
	w   io.WriteCloser
	enc *json.Encoder
}

// NewStreamExporter writes events to w and closes it on Close.
func NewStreamExporter(w io.WriteCloser) *StreamExporter {
	return &StreamExporter{w: w, enc: json.NewEncoder(w)}
}

// NewFileExporter appends events to path, creating it if needed.
func NewFileExporter(path string) (*StreamExporter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	return NewStreamExporter(file), nil
}

func (e *StreamExporter) LogEvent(name string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(Event{Name: name, Timestamp: time.Now(), Data: data})
}

// Flush syncs files; other writers are unbuffered.
func (e *StreamExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.w.(*os.File); ok {
		return f.Sync()
	}
	return nil
}

func (e *StreamExporter) Close() error {
	e.Flush()
	return e.w.Close()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// --- Noop Exporter ---

// NoopExporter discards events.
type NoopExporter struct{}

func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) LogEvent(name string, data map[string]interface{}) {}
func (e *NoopExporter) Flush() error                                      { return nil }
func (e *NoopExporter) Close() error                                      { return nil }
