package duplex

import "time"

// Message is one inbound chunk: exactly the bytes a single socket read returned.
// No framing is applied, so a logical message of the peer's protocol may span
// several Messages or share one with its neighbour.
type Message struct {
	// Payload is owned by the receiver; the read buffer is never aliased.
	Payload []byte
	// ReceivedAt is when the read completed.
	ReceivedAt time.Time
}

// Length returns the payload size.
func (m Message) Length() int {
	return len(m.Payload)
}

// Body returns the raw payload.
func (m Message) Body() []byte {
	return m.Payload
}

// MessageHandler is invoked by the receive loop for every Message. A non-nil
// error is passed to the connection's error callback.
type MessageHandler func(Message) error

// StateHandler observes state transitions of a client.
type StateHandler func(State)
