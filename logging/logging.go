// Package logging provides leveled console output for collective runs.
// Every line reads LEVEL TIMESTAMP [component] message key=value ...
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes leveled lines to an io.Writer. Loggers derived with
// WithComponent or WithRun share the parent's writer and lock.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	runID     string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a case-insensitive name to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// New creates a new Logger writing INFO and above to stderr.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stderr,
		minLevel: LevelInfo,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		runID:     l.runID,
	}
}

// WithRun returns a new logger that tags every line with run=<id>.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		runID:     runID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// SetOutput sets the output writer (default: stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.runID != "" {
		fieldStr += " run=" + l.runID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}
	l.output.Write([]byte(line))
}

// --- Collective event helpers ---

// Folded logs newly folded contributions.
func (l *Logger) Folded(rank, from int, contributors []int, sum float64) {
	l.Debug("fold", map[string]interface{}{
		"rank":         rank,
		"from":         from,
		"contributors": joinInts(contributors),
		"sum":          sum,
	})
}

// Forwarded logs an upward DATA send.
func (l *Logger) Forwarded(rank, to int, contributors int, reroute bool) {
	msg := "forward"
	if reroute {
		msg = "reroute"
	}
	l.Info(msg, map[string]interface{}{
		"rank":         rank,
		"to":           to,
		"contributors": contributors,
	})
}

// PeerFaulted logs a peer newly excluded from a run.
func (l *Logger) PeerFaulted(rank, peer int, step uint64) {
	l.Warn("peer_faulted", map[string]interface{}{
		"rank": rank,
		"peer": peer,
		"step": step,
	})
}

// Dropped logs a message that was discarded.
func (l *Logger) Dropped(rank int, err error) {
	l.Debug("dropped", map[string]interface{}{
		"rank":  rank,
		"error": err.Error(),
	})
}

// TaskRequeued logs a task returned to the front of the pending queue.
func (l *Logger) TaskRequeued(task, worker int, silence time.Duration) {
	l.Warn("task_requeued", map[string]interface{}{
		"task":    task,
		"worker":  worker,
		"silence": silence.String(),
	})
}

// TaskDone logs an accepted task result.
func (l *Logger) TaskDone(task, worker int, duration time.Duration) {
	l.Info("task_done", map[string]interface{}{
		"task":     task,
		"worker":   worker,
		"duration": duration.String(),
	})
}

// RunComplete logs the end of a collective run.
func (l *Logger) RunComplete(kind string, duration time.Duration, status string) {
	l.Info("run_complete", map[string]interface{}{
		"kind":     kind,
		"duration": duration.String(),
		"status":   status,
	})
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ",")
}
