package correlation

import "context"

// Link is a duplex channel that carries frames in both directions.
// A raw socket (SocketLink) and a hub stream are both Links.
type Link interface {
	// Send transmits one frame. It must be safe for concurrent use.
	Send(ctx context.Context, f Frame) error
	// Bind registers the receiver of inbound frames and loss notifications.
	Bind(s Sink)
}

// Sink receives what a Link reads. Channel implements it.
type Sink interface {
	// Deliver is called for every inbound frame. It must not block.
	Deliver(f Frame)
	// Lost is called when the underlying connection went away.
	Lost(err error)
}
