package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/ftcoll/fault"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse(`
[run]
id = "nightly"
size = 5
log_level = "debug"

[bus]
backend = "nats"
url = "nats://localhost:4222"

[store]
backend = "nats"
bucket = "ckpt"

[reduce]
timeout = "5s"
warmup = "100ms"
heartbeat_interval = "50ms"
fault_timeout = "500ms"
faults = "3,4:2"

[schedule]
tasks = 12
timeout = "1s"
poll_interval = "50ms"
min_workers = 2
faults = "2:1"

[status]
addr = ":9090"
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Run.ID != "nightly" || cfg.Run.Size != 5 {
		t.Errorf("unexpected run section: %+v", cfg.Run)
	}
	if cfg.Reduce.Timeout.Duration != 5*time.Second || cfg.Reduce.Warmup.Duration != 100*time.Millisecond {
		t.Errorf("unexpected reduce durations: %+v", cfg.Reduce)
	}
	// untouched keys keep their defaults
	if cfg.Reduce.PollInterval.Duration != 10*time.Millisecond {
		t.Errorf("poll interval default lost: %v", cfg.Reduce.PollInterval)
	}
	if cfg.Store.Table != "ftcoll_checkpoints" {
		t.Errorf("table default lost: %q", cfg.Store.Table)
	}
	if cfg.StoreURL() != "nats://localhost:4222" {
		t.Errorf("store should fall back to the bus url, got %q", cfg.StoreURL())
	}
	if cfg.Status.Addr != ":9090" {
		t.Errorf("status addr = %q", cfg.Status.Addr)
	}

	rc, err := cfg.ReduceOptions()
	if err != nil {
		t.Fatalf("ReduceOptions: %v", err)
	}
	if rc.Timeout != 5*time.Second {
		t.Errorf("reduce timeout = %v", rc.Timeout)
	}
	if rc.HeartbeatInterval != 50*time.Millisecond || rc.FaultTimeout != 500*time.Millisecond {
		t.Errorf("reduce heartbeat = %v fault timeout = %v", rc.HeartbeatInterval, rc.FaultTimeout)
	}
	if !rc.Faults.IsFaulted(3, 0) || rc.Faults.IsFaulted(4, 1) || !rc.Faults.IsFaulted(4, 2) {
		t.Errorf("unexpected reduce faults: %v", rc.Faults)
	}

	sc, err := cfg.ScheduleOptions()
	if err != nil {
		t.Fatalf("ScheduleOptions: %v", err)
	}
	if sc.Timeout != time.Second || sc.MinWorkers != 2 {
		t.Errorf("unexpected scheduler config: %+v", sc)
	}
	if s, ok := sc.Faults.(fault.Static); !ok || s[2] != 1 {
		t.Errorf("unexpected scheduler faults: %v", sc.Faults)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", `[run`, "parse config"},
		{"unknown key", "[run]\nsize = 4\ncolour = \"red\"", "unknown keys"},
		{"bad duration", "[reduce]\ntimeout = \"soon\"", "parse config"},
		{"size too small", "[run]\nsize = 1", "run.size"},
		{"bad run id", "[run]\nid = \"a.b\"", "run.id"},
		{"unknown bus", "[bus]\nbackend = \"kafka\"", "bus.backend"},
		{"nats bus without url", "[bus]\nbackend = \"nats\"", "bus.url"},
		{"postgres without url", "[store]\nbackend = \"postgres\"", "store.url"},
		{"unknown store", "[store]\nbackend = \"redis\"", "store.backend"},
		{"bad faults", "[reduce]\nfaults = \"x\"", "reduce.faults"},
		{"bad protocol", "[telemetry]\nprotocol = \"udp\"", "telemetry.protocol"},
		{"fault timeout without heartbeat", "[reduce]\nfault_timeout = \"1s\"", "reduce"},
		{"heartbeat too slow", "[schedule]\ntimeout = \"1s\"\nheartbeat_interval = \"500ms\"", "schedule"},
		{"negative tasks", "[schedule]\ntasks = -1", "schedule.tasks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	if err != nil || cfg.Run.Size != DefaultConfig().Run.Size {
		t.Fatalf("empty path should give defaults: %+v %v", cfg, err)
	}

	path := filepath.Join(t.TempDir(), "ftcoll.toml")
	if err := os.WriteFile(path, []byte("[run]\nsize = 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Run.Size != 3 {
		t.Errorf("size = %d, want 3", cfg.Run.Size)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("got %v", d.Duration)
	}
	out, _ := d.MarshalText()
	if string(out) != "1m30s" {
		t.Errorf("MarshalText = %q", out)
	}
}
