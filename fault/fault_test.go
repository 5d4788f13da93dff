package fault

import (
	"testing"
	"time"

	"github.com/vinayprograms/ftcoll/clock"
	"github.com/vinayprograms/ftcoll/heartbeat"
)

func TestStatic(t *testing.T) {
	s := Static{3: 0, 5: 2}

	tests := []struct {
		rank int
		step uint64
		want bool
	}{
		{3, 0, true},
		{3, 10, true},
		{5, 1, false},
		{5, 2, true},
		{1, 100, false},
	}
	for _, tt := range tests {
		if got := s.IsFaulted(tt.rank, tt.step); got != tt.want {
			t.Errorf("IsFaulted(%d, %d) = %v, want %v", tt.rank, tt.step, got, tt.want)
		}
	}
}

func TestParseStatic(t *testing.T) {
	s, err := ParseStatic(" 3, 5:2 ")
	if err != nil {
		t.Fatalf("ParseStatic: %v", err)
	}
	if s.String() != "3:0,5:2" {
		t.Errorf("String() = %q", s.String())
	}

	empty, err := ParseStatic("")
	if err != nil || len(empty) != 0 {
		t.Errorf("empty list = %v, %v", empty, err)
	}

	for _, bad := range []string{"x", "-1", "3:y", "3,"} {
		if _, err := ParseStatic(bad); err == nil {
			t.Errorf("ParseStatic(%q) should fail", bad)
		}
	}
}

func TestAny(t *testing.T) {
	o := Any(None{}, nil, Func(func(r int, _ uint64) bool { return r == 2 }), Static{4: 1})
	if !o.IsFaulted(2, 0) {
		t.Error("rank 2 should be faulted via Func")
	}
	if !o.IsFaulted(4, 1) {
		t.Error("rank 4 should be faulted via Static")
	}
	if o.IsFaulted(1, 9) {
		t.Error("rank 1 should not be faulted")
	}
}

func TestHeartbeatOracle(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := heartbeat.NewTracker(clk, 0, 1, 2)
	o := Heartbeat{Tracker: tr, Timeout: time.Second, Self: 0}

	clk.Advance(1500 * time.Millisecond)
	tr.Touch(2)

	if !o.IsFaulted(1, 0) {
		t.Error("silent rank should be faulted")
	}
	if o.IsFaulted(2, 0) {
		t.Error("recently seen rank should not be faulted")
	}
	if o.IsFaulted(0, 0) {
		t.Error("self is never faulted")
	}
}
