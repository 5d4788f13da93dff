// Package fault provides the failure indicator the collectives consult:
// an Oracle that answers whether a rank is considered faulted at a given
// logical step.
//
// The reduction treats a positive answer as sticky for the rest of a run.
// The scheduler only uses it to suspect a worker for its current task.
package fault

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/ftcoll/heartbeat"
)

// Oracle reports whether rank is faulted at step.
type Oracle interface {
	IsFaulted(rank int, step uint64) bool
}

// Func adapts a function to an Oracle.
type Func func(rank int, step uint64) bool

func (f Func) IsFaulted(rank int, step uint64) bool { return f(rank, step) }

// None never reports a fault.
type None struct{}

func (None) IsFaulted(int, uint64) bool { return false }

// Static injects faults: rank r is faulted from step s[r] onward.
type Static map[int]uint64

func (s Static) IsFaulted(rank int, step uint64) bool {
	from, ok := s[rank]
	return ok && step >= from
}

// Ranks returns the ranks with an injected fault, in ascending order.
func (s Static) Ranks() []int {
	out := make([]int, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

// String renders s in the form ParseStatic accepts.
func (s Static) String() string {
	parts := make([]string, 0, len(s))
	for _, r := range s.Ranks() {
		parts = append(parts, fmt.Sprintf("%d:%d", r, s[r]))
	}
	return strings.Join(parts, ",")
}

// ParseStatic parses "rank[:step],..." such as "3,5:2". A missing step
// means faulted from step 0.
func ParseStatic(list string) (Static, error) {
	s := Static{}
	list = strings.TrimSpace(list)
	if list == "" {
		return s, nil
	}
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		rankStr, stepStr, hasStep := strings.Cut(item, ":")
		rank, err := strconv.Atoi(rankStr)
		if err != nil || rank < 0 {
			return nil, fmt.Errorf("invalid fault rank %q", rankStr)
		}
		var step uint64
		if hasStep {
			step, err = strconv.ParseUint(stepStr, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid fault step %q", stepStr)
			}
		}
		s[rank] = step
	}
	return s, nil
}

// Any reports a fault when any of the oracles does.
func Any(oracles ...Oracle) Oracle {
	return anyOracle(oracles)
}

type anyOracle []Oracle

func (a anyOracle) IsFaulted(rank int, step uint64) bool {
	for _, o := range a {
		if o != nil && o.IsFaulted(rank, step) {
			return true
		}
	}
	return false
}

// Heartbeat reports a rank faulted when it has been silent on a tracker
// for longer than Timeout. Self is never reported.
type Heartbeat struct {
	Tracker *heartbeat.Tracker
	Timeout time.Duration
	Self    int
}

func (h Heartbeat) IsFaulted(rank int, _ uint64) bool {
	if rank == h.Self || h.Tracker == nil {
		return false
	}
	return h.Tracker.Silence(rank) > h.Timeout
}
