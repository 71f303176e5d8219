package domain

import "context"

// Signaler is the duplex channel transporting negotiation messages between
// peers. Implementations own the transport's durability; the engine performs
// no retries.
type Signaler interface {
	// Receive blocks until a message arrives, the context is cancelled, or
	// the channel closes. A closed channel yields ErrChannelClosed.
	Receive(ctx context.Context) (SignalMessage, error)

	// Send transmits a message. It is safe for concurrent use.
	Send(msg SignalMessage) error

	// Close releases the transport. Safe to call more than once.
	Close() error
}
