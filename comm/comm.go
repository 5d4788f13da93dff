// Package comm is the messaging substrate the collectives run on: a fixed
// group of ranks that exchange asynchronous point-to-point messages.
//
// A Comm never blocks on Send. A message to a crashed or hung peer is
// simply never answered; detecting that is the caller's job.
package comm

import (
	"errors"
)

var (
	ErrClosed      = errors.New("comm closed")
	ErrInvalidRank = errors.New("invalid rank")
	ErrUnknownKind = errors.New("unknown message kind")
)

// Comm is one rank's endpoint in a group of Size ranks.
type Comm interface {
	// Rank returns this endpoint's rank in [0, Size).
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// Send delivers msg to dest without blocking. Source and Run are set
	// by the Comm.
	Send(dest int, msg Message) error

	// TryReceive returns the next inbound message if one is available.
	TryReceive() (Message, bool)

	// Incoming exposes the inbound queue for select loops.
	// It is closed when the Comm is closed.
	Incoming() <-chan Message

	// Close releases the endpoint.
	Close() error
}

// Broadcast sends msg to every rank except the sender and returns the
// first error encountered after attempting all of them.
func Broadcast(c Comm, msg Message) error {
	var first error
	for r := 0; r < c.Size(); r++ {
		if r == c.Rank() {
			continue
		}
		if err := c.Send(r, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}
