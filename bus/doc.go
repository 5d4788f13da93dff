// Package bus provides the publish/subscribe transport that carries
// collective messages between ranks.
//
// # Available Implementations
//
//   - NATSBus: ranks in separate processes or hosts, over a NATS server
//   - MemoryBus: ranks as goroutines in one process, for tests and simulations
//
// Each rank subscribes to one concrete subject and peers publish to it:
//
//	sub, _ := b.Subscribe("ftcoll.run1.rank.3")
//	for msg := range sub.Messages() {
//	    // decode msg.Data
//	}
//
// Delivery into a subscription is buffered. When a subscriber falls
// BufferSize messages behind, further messages to it are dropped and
// counted; size the buffer for the fan-in a rank can see.
package bus
