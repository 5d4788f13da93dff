// Package mailbox drains a comm endpoint without blocking and hands
// messages back out in a fixed kind priority.
package mailbox

import (
	"context"
	"time"

	"github.com/vinayprograms/ftcoll/comm"
)

// Inbox buffers inbound messages per kind. It is owned by a single goroutine.
type Inbox struct {
	comm      comm.Comm
	priority  []comm.Kind
	queues    map[comm.Kind][]comm.Message
	other     []comm.Message
	onReceive func(comm.Message)
	closed    bool
}

// New creates an Inbox over c. Kinds earlier in priority are returned
// first by Next; kinds not listed come last in arrival order. onReceive,
// if set, sees every message as it is drained.
func New(c comm.Comm, priority []comm.Kind, onReceive func(comm.Message)) *Inbox {
	return &Inbox{
		comm:      c,
		priority:  priority,
		queues:    make(map[comm.Kind][]comm.Message, len(priority)),
		onReceive: onReceive,
	}
}

func (in *Inbox) push(msg comm.Message) {
	if in.onReceive != nil {
		in.onReceive(msg)
	}
	for _, k := range in.priority {
		if k == msg.Kind {
			in.queues[k] = append(in.queues[k], msg)
			return
		}
	}
	in.other = append(in.other, msg)
}

// Drain moves every immediately available message into the inbox and
// returns how many were moved.
func (in *Inbox) Drain() int {
	n := 0
	for {
		msg, ok := in.comm.TryReceive()
		if !ok {
			return n
		}
		in.push(msg)
		n++
	}
}

// Next pops the highest-priority buffered message.
func (in *Inbox) Next() (comm.Message, bool) {
	for _, k := range in.priority {
		if q := in.queues[k]; len(q) > 0 {
			msg := q[0]
			in.queues[k] = q[1:]
			return msg, true
		}
	}
	if len(in.other) > 0 {
		msg := in.other[0]
		in.other = in.other[1:]
		return msg, true
	}
	return comm.Message{}, false
}

// Len returns the number of buffered messages.
func (in *Inbox) Len() int {
	n := len(in.other)
	for _, q := range in.queues {
		n += len(q)
	}
	return n
}

// Closed reports whether the underlying endpoint's inbound queue has closed.
func (in *Inbox) Closed() bool {
	return in.closed
}

// Wait blocks until a message arrives, d elapses, or ctx is done, then
// drains whatever else is available. It returns ctx.Err() when ctx ends
// and comm.ErrClosed when the endpoint closed.
func (in *Inbox) Wait(ctx context.Context, d time.Duration) error {
	if in.closed {
		return comm.ErrClosed
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case msg, ok := <-in.comm.Incoming():
		if !ok {
			in.closed = true
			return comm.ErrClosed
		}
		in.push(msg)
		in.Drain()
		return nil
	}
}
