package reduce

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/vinayprograms/ftcoll/comm"
	"github.com/vinayprograms/ftcoll/errors"
	"github.com/vinayprograms/ftcoll/fault"
	"github.com/vinayprograms/ftcoll/heartbeat"
	"github.com/vinayprograms/ftcoll/logging"
	"github.com/vinayprograms/ftcoll/mailbox"
	"github.com/vinayprograms/ftcoll/telemetry"
)

var errMaxRounds = stderrors.New("round limit reached")

// Result is the outcome of a reduction at one rank.
type Result struct {
	// Sum of every folded contribution. Only meaningful at the root.
	Sum float64

	// Contributors are the ranks whose value is included in Sum.
	Contributors []int

	// Missing are the ranks whose value is not included in Sum.
	Missing []int

	// Faulted are the ranks this rank excluded as faulted.
	Faulted []int

	// Complete is set at the root when every non-faulted rank contributed.
	Complete bool

	// Stopped is set at a non-root that terminated on STOP.
	Stopped bool

	Rounds   uint64
	Duration time.Duration
}

// Node is one rank's state for a single reduction run. It is not safe for
// concurrent use; Run owns it until it returns.
type Node struct {
	cfg      Config
	comm     comm.Comm
	rank     int
	size     int
	parent   int
	children []int
	log      *logging.Logger

	contrib map[int]float64
	sum     float64
	folded  *bitset.BitSet
	faulted *bitset.BitSet

	forwarded   bool
	upstream    int
	awaitingAck bool
	relays      int
	stopped     bool
	finished    bool
	crashed     bool
	step        uint64
	start       time.Time
}

// NewNode prepares rank c.Rank() to contribute value.
func NewNode(c comm.Comm, value float64, cfg Config) (*Node, error) {
	if c == nil {
		return nil, errors.InvalidInput("comm is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	rank, size := c.Rank(), c.Size()
	parent, ok := Parent(rank)
	if !ok {
		parent = -1
	}

	n := &Node{
		cfg:      cfg,
		comm:     c,
		rank:     rank,
		size:     size,
		parent:   parent,
		children: Children(rank, size),
		log:      cfg.Logger.WithComponent(fmt.Sprintf("reduce.%d", rank)),
		contrib:  make(map[int]float64),
		folded:   bitset.New(uint(size)),
		faulted:  bitset.New(uint(size)),
		upstream: -1,
		start:    cfg.Clock.Now(),
	}
	n.fold(rank, value)
	n.watchHeartbeats()
	return n, nil
}

// watchHeartbeats adds silence-based detection on top of cfg.Faults.
func (n *Node) watchHeartbeats() {
	if n.cfg.FaultTimeout <= 0 {
		return
	}
	if n.cfg.Tracker == nil {
		n.cfg.Tracker = heartbeat.NewTracker(n.cfg.Clock, n.watched()...)
	}
	tr := n.cfg.Tracker
	n.cfg.Faults = fault.Any(n.cfg.Faults, fault.Heartbeat{
		Tracker: tr,
		Timeout: n.cfg.FaultTimeout,
		Self:    n.rank,
	})
	tr.OnDead(func(peer int) {
		fields := map[string]interface{}{"rank": n.rank, "peer": peer}
		if ts, ok := tr.LastSeen(peer); ok {
			fields["silent_for"] = n.cfg.Clock.Since(ts).String()
		}
		n.log.Warn("peer_silent", fields)
	})
}

func (n *Node) fold(contributor int, value float64) {
	n.contrib[contributor] = value
	n.sum += value
	n.folded.Set(uint(contributor))
}

func (n *Node) isChild(r int) bool {
	for _, c := range n.children {
		if c == r {
			return true
		}
	}
	return false
}

func (n *Node) send(dest int, msg comm.Message) {
	if err := n.comm.Send(dest, msg); err != nil {
		n.log.Warn("send_failed", map[string]interface{}{
			"rank":  n.rank,
			"to":    dest,
			"kind":  msg.Kind,
			"error": err.Error(),
		})
	}
}

// Handle applies one inbound message.
func (n *Node) Handle(msg comm.Message) {
	if n.stopped || n.crashed {
		return
	}
	switch msg.Kind {
	case comm.KindData:
		n.onData(msg)
	case comm.KindAck:
		n.onAck(msg)
	case comm.KindStop:
		n.onStop(msg)
	case comm.KindHeartbeat:
	default:
		n.log.Dropped(n.rank, errors.UnexpectedMessage(string(msg.Kind), msg.Source))
	}
}

func (n *Node) onData(msg comm.Message) {
	if n.rank != 0 && !n.isChild(msg.Source) {
		n.log.Dropped(n.rank, errors.UnexpectedMessage(string(msg.Kind), msg.Source))
		return
	}

	var fresh []int
	for _, r := range msg.Contributors() {
		if r < 0 || r >= n.size {
			n.log.Dropped(n.rank, errors.UnexpectedMessage("DATA contributor "+strconv.Itoa(r), msg.Source))
			continue
		}
		if n.folded.Test(uint(r)) {
			n.log.Dropped(n.rank, errors.DuplicateContribution(r, msg.Source))
			continue
		}
		n.fold(r, msg.Contributions[r])
		fresh = append(fresh, r)
	}
	n.send(msg.Source, comm.Message{Kind: comm.KindAck})

	if len(fresh) == 0 {
		return
	}
	n.log.Folded(n.rank, msg.Source, fresh, n.sum)

	// Contributions arriving after this rank already forwarded go
	// straight to the root, which folds by contributor identity.
	if n.rank != 0 && n.forwarded {
		relay := make(map[int]float64, len(fresh))
		for _, r := range fresh {
			relay[r] = n.contrib[r]
		}
		n.send(0, comm.Message{Kind: comm.KindData, Contributions: relay})
		n.relays++
		n.log.Forwarded(n.rank, 0, len(relay), true)
	}
}

func (n *Node) onAck(msg comm.Message) {
	switch {
	case msg.Source == n.upstream && n.awaitingAck:
		n.awaitingAck = false
	case msg.Source == 0 && n.relays > 0:
		// The root acknowledges every relayed contribution.
		n.relays--
	default:
		n.log.Dropped(n.rank, errors.UnexpectedMessage(string(msg.Kind), msg.Source))
	}
}

func (n *Node) onStop(msg comm.Message) {
	if n.rank == 0 || msg.Source != 0 {
		n.log.Dropped(n.rank, errors.UnexpectedMessage(string(msg.Kind), msg.Source))
		return
	}
	n.stopped = true
}

func (n *Node) checkSelf() error {
	if n.crashed {
		return errors.Crashed(n.rank, n.step)
	}
	// Rank 0 is never faulted.
	if n.rank != 0 && n.cfg.Faults.IsFaulted(n.rank, n.step) {
		n.crashed = true
		return errors.Crashed(n.rank, n.step)
	}
	return nil
}

// Tick ends one round: it re-reads failure indicators, sends whatever the
// state now calls for, and advances the logical step. It returns a CRASHED
// error once this rank is itself reported faulted.
func (n *Node) Tick() error {
	if err := n.checkSelf(); err != nil {
		return err
	}
	if n.stopped {
		return nil
	}
	n.refreshFaults()
	n.advance()
	n.step++
	return nil
}

func (n *Node) watched() []int {
	if n.rank == 0 {
		out := make([]int, 0, n.size-1)
		for r := 1; r < n.size; r++ {
			out = append(out, r)
		}
		return out
	}
	out := append([]int(nil), n.children...)
	if n.parent > 0 {
		out = append(out, n.parent)
	}
	return out
}

func (n *Node) refreshFaults() {
	if n.cfg.FaultTimeout > 0 {
		n.cfg.Tracker.CheckDead(n.cfg.FaultTimeout)
	}
	for _, r := range n.watched() {
		if r == 0 || r == n.rank || n.faulted.Test(uint(r)) {
			continue
		}
		if n.cfg.Faults.IsFaulted(r, n.step) {
			n.faulted.Set(uint(r))
			n.log.PeerFaulted(n.rank, r, n.step)
		}
	}
}

// pending returns the ranks this rank still waits for. A non-root waits
// for its non-faulted children; the root waits for every non-faulted rank.
func (n *Node) pending() []int {
	var candidates []int
	if n.rank == 0 {
		candidates = n.watched()
	} else {
		candidates = n.children
	}
	var out []int
	for _, r := range candidates {
		if !n.folded.Test(uint(r)) && !n.faulted.Test(uint(r)) {
			out = append(out, r)
		}
	}
	return out
}

func (n *Node) advance() {
	if n.rank == 0 {
		if !n.finished && len(n.pending()) == 0 {
			n.finished = true
		}
		return
	}

	if !n.forwarded {
		if n.cfg.Clock.Since(n.start) < n.cfg.Warmup || len(n.pending()) > 0 {
			return
		}
		target := n.parent
		if n.faulted.Test(uint(n.parent)) {
			target = 0
		}
		n.forward(target)
		return
	}

	// The upstream may have died with our contributions still unsent,
	// acknowledged or not.
	if n.upstream != 0 && n.faulted.Test(uint(n.upstream)) {
		n.forward(0)
	}
}

func (n *Node) forward(target int) {
	payload := make(map[int]float64, len(n.contrib))
	for r, v := range n.contrib {
		payload[r] = v
	}
	n.send(target, comm.Message{Kind: comm.KindData, Contributions: payload})
	n.log.Forwarded(n.rank, target, len(payload), target != n.parent)

	n.forwarded = true
	n.upstream = target
	n.awaitingAck = true
}

// Finished reports whether the root has every non-faulted contribution.
func (n *Node) Finished() bool { return n.finished }

// Stopped reports whether a non-root has seen STOP.
func (n *Node) Stopped() bool { return n.stopped }

// AwaitingAck reports whether the last upward DATA is unacknowledged.
func (n *Node) AwaitingAck() bool { return n.awaitingAck }

// Upstream returns the rank the last upward DATA went to, or -1.
func (n *Node) Upstream() int { return n.upstream }

// Result snapshots the node's current state.
func (n *Node) Result() Result {
	res := Result{
		Sum:      n.sum,
		Complete: n.finished,
		Stopped:  n.stopped,
		Rounds:   n.step,
		Duration: n.cfg.Clock.Since(n.start),
	}
	for r := 0; r < n.size; r++ {
		if n.folded.Test(uint(r)) {
			res.Contributors = append(res.Contributors, r)
		} else {
			res.Missing = append(res.Missing, r)
		}
		if n.faulted.Test(uint(r)) {
			res.Faulted = append(res.Faulted, r)
		}
	}
	return res
}

func (n *Node) touch(msg comm.Message) {
	if n.cfg.Tracker != nil {
		n.cfg.Tracker.Touch(msg.Source)
	}
}

func (n *Node) heartbeatTargets() []int {
	seen := map[int]bool{n.rank: true}
	var out []int
	for _, r := range append([]int{n.parent, 0}, n.children...) {
		if r >= 0 && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Ints(out)
	return out
}

// Run takes part in the reduction until the root finishes (root), STOP
// arrives (non-root), this rank is reported faulted, or the run's
// deadline passes. At the root the returned Result carries the sum even
// when an INCOMPLETE error is returned.
func (n *Node) Run(ctx context.Context) (res Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	run := ""
	if r, ok := n.comm.(interface{ Run() string }); ok {
		run = r.Run()
	}
	ctx, span := n.cfg.Tracer.StartReduceSpan(ctx, run, n.rank, n.size)
	defer func() {
		n.cfg.Tracer.EndReduceSpan(span, telemetry.ReduceSpanOptions{
			Sum:          res.Sum,
			Contributors: len(res.Contributors),
			Missing:      res.Missing,
			Faulted:      res.Faulted,
			Rounds:       res.Rounds,
		}, err)
	}()

	if n.cfg.HeartbeatInterval > 0 {
		hb, herr := heartbeat.NewSender(heartbeat.SenderConfig{
			Comm:     n.comm,
			Targets:  n.heartbeatTargets(),
			Interval: n.cfg.HeartbeatInterval,
		})
		if herr != nil {
			return n.Result(), errors.Wrap(herr, "heartbeat sender")
		}
		hb.Start(ctx)
		defer hb.Stop()
	}

	inbox := mailbox.New(n.comm, []comm.Kind{comm.KindData, comm.KindAck, comm.KindStop}, n.touch)
	roundEnd := time.Now()
	for {
		if err := n.checkSelf(); err != nil {
			return n.Result(), err
		}

		inbox.Drain()
		handled := 0
		for !n.stopped {
			msg, ok := inbox.Next()
			if !ok {
				break
			}
			if msg.Kind != comm.KindHeartbeat {
				handled++
			}
			n.Handle(msg)
		}
		if n.stopped {
			return n.Result(), nil
		}

		// A round ends when the poll interval runs out or protocol traffic
		// arrives. Heartbeats alone only refresh the tracker.
		if handled > 0 || !time.Now().Before(roundEnd) {
			if err := n.Tick(); err != nil {
				return n.Result(), err
			}
			if n.finished {
				if err := comm.Broadcast(n.comm, comm.Message{Kind: comm.KindStop}); err != nil {
					n.log.Warn("stop_broadcast_failed", map[string]interface{}{"error": err.Error()})
				}
				return n.Result(), nil
			}
			if n.cfg.MaxRounds > 0 && n.step >= n.cfg.MaxRounds {
				return n.expire(errMaxRounds)
			}
			roundEnd = time.Now().Add(n.cfg.PollInterval)
		}

		if err := inbox.Wait(ctx, time.Until(roundEnd)); err != nil {
			return n.expire(err)
		}
	}
}

func (n *Node) expire(cause error) (Result, error) {
	res := n.Result()

	if n.rank == 0 {
		comm.Broadcast(n.comm, comm.Message{Kind: comm.KindStop})
		if stderrors.Is(cause, context.Canceled) {
			return res, errors.Wrap(cause, "reduction canceled", errors.WithRank(0))
		}
		opts := []errors.Option{
			errors.WithRank(0),
			errors.WithMetadata("missing", joinInts(res.Missing)),
			errors.WithCause(cause),
		}
		if n.cfg.FaultTimeout > 0 {
			opts = append(opts, errors.WithMetadata("alive", joinInts(n.cfg.Tracker.Alive(n.cfg.FaultTimeout))))
		}
		return res, errors.New(errors.ErrCodeIncomplete,
			fmt.Sprintf("reduction ended with %d of %d contributions", len(res.Contributors), n.size), opts...)
	}

	if stderrors.Is(cause, context.Canceled) || stderrors.Is(cause, comm.ErrClosed) {
		return res, errors.Wrap(cause, "reduction interrupted", errors.WithRank(n.rank))
	}
	peer := 0
	if p := n.pending(); !n.forwarded && len(p) > 0 {
		peer = p[0]
	}
	return res, errors.PeerUnresponsive(peer, errors.WithCause(cause))
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
