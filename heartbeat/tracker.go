package heartbeat

import (
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/ftcoll/clock"
)

// Tracker records when each rank was last heard from.
type Tracker struct {
	clock clock.Clock
	start time.Time

	mu       sync.RWMutex
	lastSeen map[int]time.Time
	reported map[int]bool
	deadCBs  []func(int)
}

// NewTracker tracks ranks, treating each as heard from at creation time.
func NewTracker(clk clock.Clock, ranks ...int) *Tracker {
	clk = clock.Or(clk)
	now := clk.Now()
	t := &Tracker{
		clock:    clk,
		start:    now,
		lastSeen: make(map[int]time.Time, len(ranks)),
		reported: make(map[int]bool),
	}
	for _, r := range ranks {
		t.lastSeen[r] = now
	}
	return t
}

// Touch marks rank as heard from now. A rank previously reported dead
// becomes eligible to be reported again.
func (t *Tracker) Touch(rank int) {
	now := t.clock.Now()
	t.mu.Lock()
	t.lastSeen[rank] = now
	delete(t.reported, rank)
	t.mu.Unlock()
}

// LastSeen returns when rank was last heard from.
func (t *Tracker) LastSeen(rank int) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.lastSeen[rank]
	return ts, ok
}

// Silence returns how long rank has been silent. Untracked ranks are
// measured from tracker creation.
func (t *Tracker) Silence(rank int) time.Duration {
	t.mu.RLock()
	ts, ok := t.lastSeen[rank]
	t.mu.RUnlock()
	if !ok {
		ts = t.start
	}
	return t.clock.Since(ts)
}

// Alive returns tracked ranks silent for at most timeout, in ascending order.
func (t *Tracker) Alive(timeout time.Duration) []int {
	now := t.clock.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []int
	for r, ts := range t.lastSeen {
		if now.Sub(ts) <= timeout {
			out = append(out, r)
		}
	}
	sort.Ints(out)
	return out
}

// OnDead registers a callback invoked once per rank each time it is newly
// found silent by CheckDead.
func (t *Tracker) OnDead(fn func(rank int)) {
	t.mu.Lock()
	t.deadCBs = append(t.deadCBs, fn)
	t.mu.Unlock()
}

// CheckDead returns ranks silent longer than timeout that have not been
// reported since they were last heard from, and invokes OnDead callbacks.
func (t *Tracker) CheckDead(timeout time.Duration) []int {
	now := t.clock.Now()

	t.mu.Lock()
	var dead []int
	for r, ts := range t.lastSeen {
		if now.Sub(ts) > timeout && !t.reported[r] {
			dead = append(dead, r)
			t.reported[r] = true
		}
	}
	callbacks := make([]func(int), len(t.deadCBs))
	copy(callbacks, t.deadCBs)
	t.mu.Unlock()

	sort.Ints(dead)
	for _, r := range dead {
		for _, cb := range callbacks {
			cb(r)
		}
	}
	return dead
}
