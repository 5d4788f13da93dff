package reduce

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/ftcoll/clock"
	"github.com/vinayprograms/ftcoll/comm"
	"github.com/vinayprograms/ftcoll/errors"
	"github.com/vinayprograms/ftcoll/fault"
	"github.com/vinayprograms/ftcoll/logging"
)

// recorder is a Comm that captures sends and never receives.
type recorder struct {
	rank, size int
	sent       []sent
}

type sent struct {
	to  int
	msg comm.Message
}

func (r *recorder) Rank() int { return r.rank }
func (r *recorder) Size() int { return r.size }
func (r *recorder) Send(dest int, msg comm.Message) error {
	msg.Source = r.rank
	r.sent = append(r.sent, sent{dest, msg})
	return nil
}
func (r *recorder) TryReceive() (comm.Message, bool) { return comm.Message{}, false }
func (r *recorder) Incoming() <-chan comm.Message    { return nil }
func (r *recorder) Close() error                     { return nil }

func (r *recorder) take() []sent {
	out := r.sent
	r.sent = nil
	return out
}

func newTestNode(t *testing.T, rank, size int, faults fault.Oracle) (*Node, *recorder) {
	t.Helper()
	rec := &recorder{rank: rank, size: size}
	cfg := DefaultConfig()
	cfg.Faults = faults
	n, err := NewNode(rec, float64(rank), cfg)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	return n, rec
}

func data(from int, contributions map[int]float64) comm.Message {
	return comm.Message{Kind: comm.KindData, Source: from, Contributions: contributions}
}

func mustTick(t *testing.T, n *Node) {
	t.Helper()
	if err := n.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

// --- Unit Tests ---

func TestNode_LeafForwardsOwnValue(t *testing.T) {
	n, rec := newTestNode(t, 3, 4, nil)
	mustTick(t, n)

	out := rec.take()
	if len(out) != 1 || out[0].to != 1 || out[0].msg.Kind != comm.KindData {
		t.Fatalf("sent %+v, want one DATA to parent 1", out)
	}
	if !reflect.DeepEqual(out[0].msg.Contributions, map[int]float64{3: 3}) {
		t.Errorf("Contributions = %v", out[0].msg.Contributions)
	}
	if !n.AwaitingAck() || n.Upstream() != 1 {
		t.Errorf("awaitingAck=%v upstream=%d", n.AwaitingAck(), n.Upstream())
	}

	// Forwarding happens once.
	mustTick(t, n)
	if out := rec.take(); len(out) != 0 {
		t.Errorf("second tick sent %+v", out)
	}

	n.Handle(comm.Message{Kind: comm.KindAck, Source: 1})
	if n.AwaitingAck() {
		t.Error("ACK from upstream should clear awaitingAck")
	}
}

func TestNode_WaitsForChildren(t *testing.T) {
	n, rec := newTestNode(t, 1, 4, nil)

	mustTick(t, n)
	if out := rec.take(); len(out) != 0 {
		t.Fatalf("forwarded before child 3 reported: %+v", out)
	}

	n.Handle(data(3, map[int]float64{3: 3}))
	out := rec.take()
	if len(out) != 1 || out[0].to != 3 || out[0].msg.Kind != comm.KindAck {
		t.Fatalf("expected ACK to 3, got %+v", out)
	}

	mustTick(t, n)
	out = rec.take()
	if len(out) != 1 || out[0].to != 0 {
		t.Fatalf("expected DATA to 0, got %+v", out)
	}
	if !reflect.DeepEqual(out[0].msg.Contributions, map[int]float64{1: 1, 3: 3}) {
		t.Errorf("Contributions = %v", out[0].msg.Contributions)
	}
}

func TestNode_FaultedChildDroppedFromExpectation(t *testing.T) {
	n, rec := newTestNode(t, 1, 4, fault.Static{3: 0})

	mustTick(t, n)
	out := rec.take()
	if len(out) != 1 || out[0].to != 0 {
		t.Fatalf("expected DATA to 0 without child 3, got %+v", out)
	}
	if !reflect.DeepEqual(out[0].msg.Contributions, map[int]float64{1: 1}) {
		t.Errorf("Contributions = %v", out[0].msg.Contributions)
	}
}

func TestNode_RootFoldsByContributorIdentity(t *testing.T) {
	n, rec := newTestNode(t, 0, 7, nil)

	n.Handle(data(1, map[int]float64{1: 1, 3: 3, 4: 4}))
	// Rank 3 rerouted after its parent looked faulted; its value
	// arrives a second time by another path.
	n.Handle(data(3, map[int]float64{3: 3}))
	n.Handle(data(2, map[int]float64{2: 2, 5: 5, 6: 6}))
	// Exact duplicate delivery.
	n.Handle(data(2, map[int]float64{2: 2, 5: 5, 6: 6}))

	acks := 0
	for _, s := range rec.take() {
		if s.msg.Kind == comm.KindAck {
			acks++
		}
	}
	if acks != 4 {
		t.Errorf("acks = %d, want one per DATA", acks)
	}

	mustTick(t, n)
	if !n.Finished() {
		t.Fatal("root should be finished")
	}
	res := n.Result()
	if res.Sum != 21 {
		t.Errorf("Sum = %v, want 21", res.Sum)
	}
	if !res.Complete || len(res.Missing) != 0 {
		t.Errorf("Complete=%v Missing=%v", res.Complete, res.Missing)
	}
}

func TestNode_RootWaitsForOrphans(t *testing.T) {
	n, _ := newTestNode(t, 0, 7, fault.Static{1: 0})

	mustTick(t, n)
	n.Handle(data(2, map[int]float64{2: 2, 5: 5, 6: 6}))
	mustTick(t, n)
	if n.Finished() {
		t.Fatal("root finished before orphans 3 and 4 reported")
	}

	n.Handle(data(3, map[int]float64{3: 3}))
	n.Handle(data(4, map[int]float64{4: 4}))
	mustTick(t, n)
	if !n.Finished() {
		t.Fatal("root should be finished")
	}

	res := n.Result()
	if res.Sum != 20 {
		t.Errorf("Sum = %v, want 20", res.Sum)
	}
	if !reflect.DeepEqual(res.Missing, []int{1}) || !reflect.DeepEqual(res.Faulted, []int{1}) {
		t.Errorf("Missing=%v Faulted=%v", res.Missing, res.Faulted)
	}
}

func TestNode_ReroutesWhenParentFaultsAfterAck(t *testing.T) {
	down := map[int]bool{}
	oracle := fault.Func(func(r int, _ uint64) bool { return down[r] })
	n, rec := newTestNode(t, 3, 7, oracle)

	mustTick(t, n)
	rec.take()
	n.Handle(comm.Message{Kind: comm.KindAck, Source: 1})

	down[1] = true
	mustTick(t, n)
	out := rec.take()
	if len(out) != 1 || out[0].to != 0 || out[0].msg.Kind != comm.KindData {
		t.Fatalf("expected reroute DATA to root, got %+v", out)
	}
	if n.Upstream() != 0 || !n.AwaitingAck() {
		t.Errorf("upstream=%d awaitingAck=%v", n.Upstream(), n.AwaitingAck())
	}

	mustTick(t, n)
	if out := rec.take(); len(out) != 0 {
		t.Errorf("rerouted twice: %+v", out)
	}

	n.Handle(comm.Message{Kind: comm.KindStop, Source: 0})
	if !n.Stopped() {
		t.Error("STOP from root should stop the node")
	}
}

func TestNode_SendsToRootWhenParentAlreadyFaulted(t *testing.T) {
	n, rec := newTestNode(t, 4, 7, fault.Static{1: 0})
	mustTick(t, n)

	out := rec.take()
	if len(out) != 1 || out[0].to != 0 {
		t.Fatalf("expected DATA straight to root, got %+v", out)
	}
}

func TestNode_RelaysLateContributions(t *testing.T) {
	down := map[int]bool{3: true}
	n, rec := newTestNode(t, 1, 4, fault.Func(func(r int, _ uint64) bool { return down[r] }))

	mustTick(t, n)
	rec.take()

	// Rank 3 was only slow.
	n.Handle(data(3, map[int]float64{3: 3}))
	out := rec.take()
	if len(out) != 2 {
		t.Fatalf("expected ACK and relay, got %+v", out)
	}
	if out[0].to != 3 || out[0].msg.Kind != comm.KindAck {
		t.Errorf("first send = %+v, want ACK to 3", out[0])
	}
	if out[1].to != 0 || !reflect.DeepEqual(out[1].msg.Contributions, map[int]float64{3: 3}) {
		t.Errorf("relay = %+v", out[1])
	}
}

func TestNode_AcceptsRootAckForRelay(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New()
	log.SetOutput(&buf)
	log.SetLevel(logging.LevelDebug)

	down := map[int]bool{3: true}
	rec := &recorder{rank: 1, size: 4}
	cfg := DefaultConfig()
	cfg.Faults = fault.Func(func(r int, _ uint64) bool { return down[r] })
	cfg.Logger = log
	n, err := NewNode(rec, 1, cfg)
	if err != nil {
		t.Fatal(err)
	}

	mustTick(t, n) // forwards to parent 0
	n.Handle(comm.Message{Kind: comm.KindAck, Source: 0})
	n.Handle(data(3, map[int]float64{3: 3}))
	n.Handle(comm.Message{Kind: comm.KindAck, Source: 0})

	if strings.Contains(buf.String(), "dropped") {
		t.Errorf("ACK for a relay logged as dropped:\n%s", buf.String())
	}

	// A third ACK answers nothing.
	n.Handle(comm.Message{Kind: comm.KindAck, Source: 0})
	if !strings.Contains(buf.String(), "dropped") {
		t.Error("unsolicited ACK should be logged as dropped")
	}
}

func TestNode_DropsDataFromNonChild(t *testing.T) {
	n, rec := newTestNode(t, 1, 7, nil)
	n.Handle(data(2, map[int]float64{2: 2}))

	if out := rec.take(); len(out) != 0 {
		t.Errorf("non-child DATA should be dropped without ACK, got %+v", out)
	}
	if n.Result().Sum != 1 {
		t.Errorf("Sum = %v, want 1", n.Result().Sum)
	}
}

func TestNode_IgnoresStrayAckAndStop(t *testing.T) {
	n, _ := newTestNode(t, 3, 7, nil)
	n.Handle(comm.Message{Kind: comm.KindAck, Source: 0})
	n.Handle(comm.Message{Kind: comm.KindStop, Source: 1})
	if n.Stopped() {
		t.Error("STOP from a non-root must be ignored")
	}
}

func TestNode_SelfFaultCrashes(t *testing.T) {
	n, rec := newTestNode(t, 2, 4, fault.Static{2: 1})

	mustTick(t, n) // step 0: alive, leaf forwards
	rec.take()

	err := n.Tick()
	if !errors.Is(err, errors.ErrCodeCrashed) {
		t.Fatalf("Tick = %v, want CRASHED", err)
	}
	n.Handle(data(5, map[int]float64{5: 5}))
	if out := rec.take(); len(out) != 0 {
		t.Errorf("crashed node sent %+v", out)
	}
}

func TestNode_RootIgnoresOwnFault(t *testing.T) {
	n, _ := newTestNode(t, 0, 1, fault.Static{0: 0})
	mustTick(t, n)
	if !n.Finished() {
		t.Error("a single-rank root finishes immediately")
	}
	if n.Result().Sum != 0 || !n.Result().Complete {
		t.Errorf("Result = %+v", n.Result())
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	cfg.PollInterval = cfg.Timeout * 2
	if err := cfg.Validate(); err == nil {
		t.Error("poll interval above timeout should be invalid")
	}
	cfg = DefaultConfig()
	cfg.Warmup = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative warmup should be invalid")
	}
	cfg = DefaultConfig()
	cfg.FaultTimeout = time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("fault timeout without heartbeats should be invalid")
	}
	cfg.HeartbeatInterval = 2 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("fault timeout at or below the heartbeat interval should be invalid")
	}
	if _, err := NewNode(nil, 0, DefaultConfig()); err == nil {
		t.Error("nil comm should be rejected")
	}
}

func TestNode_FaultTimeoutExcludesSilentChild(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rec := &recorder{rank: 1, size: 4}
	cfg := DefaultConfig()
	cfg.Clock = clk
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.FaultTimeout = 100 * time.Millisecond
	cfg.Faults = fault.Static{}
	n, err := NewNode(rec, 1, cfg)
	if err != nil {
		t.Fatal(err)
	}

	mustTick(t, n)
	if len(rec.take()) != 0 {
		t.Fatal("rank 1 must wait for child 3")
	}

	clk.Advance(150 * time.Millisecond)
	mustTick(t, n)
	out := rec.take()
	if len(out) != 1 || out[0].to != 0 || out[0].msg.Kind != comm.KindData {
		t.Fatalf("expected DATA to parent after child went silent, got %+v", out)
	}
	if !reflect.DeepEqual(n.Result().Faulted, []int{3}) {
		t.Errorf("Faulted = %v, want [3]", n.Result().Faulted)
	}
}
