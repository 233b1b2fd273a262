package correlation

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/Zereker/duplex"
)

// DefaultMaxFrameSize bounds the bytes a SocketLink buffers for one frame.
const DefaultMaxFrameSize = 1 << 20

// SocketLink carries frames over a duplex socket. The transport delivers
// whatever one read returned, so inbound bytes are accumulated until a
// complete CBOR frame is available.
type SocketLink struct {
	send         func([]byte) error
	maxFrameSize int

	mu   sync.Mutex
	buf  []byte
	sink Sink
}

// SocketLinkOption configures a SocketLink.
type SocketLinkOption func(*SocketLink)

// MaxFrameSizeOption changes DefaultMaxFrameSize.
func MaxFrameSizeOption(n int) SocketLinkOption {
	return func(l *SocketLink) {
		if n > 0 {
			l.maxFrameSize = n
		}
	}
}

func newSocketLink(send func([]byte) error, opt ...SocketLinkOption) *SocketLink {
	l := &SocketLink{send: send, maxFrameSize: DefaultMaxFrameSize}
	for _, o := range opt {
		o(l)
	}
	return l
}

// ClientLink links a Channel to a client. Loss is detected from the client's
// state transitions, so pending requests fail as soon as the connection drops
// and new requests work again once it reconnects.
func ClientLink(c *duplex.Client, opt ...SocketLinkOption) *SocketLink {
	l := newSocketLink(func(b []byte) error {
		if !c.Connected() {
			return ErrNotConnected
		}
		c.Send(b)
		return nil
	}, opt...)

	c.OnMessage(l.receive)
	c.OnStateChange(func(s duplex.State) {
		if s == duplex.Disconnected {
			l.lost(duplex.ErrConnectionClosed)
		}
	})
	return l
}

// ConnLink links a Channel to one server-side connection.
func ConnLink(conn *duplex.Conn, opt ...SocketLinkOption) *SocketLink {
	l := newSocketLink(conn.Send, opt...)

	conn.OnMessage(l.receive)
	conn.OnClose(func(_ *duplex.Conn, err error) {
		if err == nil {
			err = duplex.ErrConnectionClosed
		}
		l.lost(err)
	})
	return l
}

// Send implements Link.
func (l *SocketLink) Send(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := Marshal(f)
	if err != nil {
		return err
	}
	if err := l.send(b); err != nil {
		if errors.Is(err, duplex.ErrConnectionClosed) {
			return errors.Wrap(ErrNotConnected, err.Error())
		}
		return err
	}
	return nil
}

// Bind implements Link.
func (l *SocketLink) Bind(s Sink) {
	l.mu.Lock()
	l.sink = s
	l.mu.Unlock()
}

// receive is the socket's message handler. An error ends the connection,
// since a corrupt or oversized stream cannot be resynchronized.
func (l *SocketLink) receive(m duplex.Message) error {
	l.mu.Lock()
	l.buf = append(l.buf, m.Payload...)

	var frames []Frame
	for len(l.buf) > 0 {
		f, rest, err := decodeFirst(l.buf)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			l.buf = nil
			l.mu.Unlock()
			return errors.Wrap(err, "decode frame")
		}
		frames = append(frames, f)
		l.buf = rest
	}

	if len(l.buf) > l.maxFrameSize {
		size := len(l.buf)
		l.buf = nil
		l.mu.Unlock()
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes buffered", size)
	}
	if len(l.buf) == 0 {
		l.buf = nil
	} else if len(frames) > 0 {
		l.buf = append([]byte(nil), l.buf...)
	}

	sink := l.sink
	l.mu.Unlock()

	if sink == nil {
		return nil
	}
	for _, f := range frames {
		sink.Deliver(f)
	}
	return nil
}

// lost drops any partial frame and tells the sink.
func (l *SocketLink) lost(err error) {
	l.mu.Lock()
	l.buf = nil
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink.Lost(err)
	}
}
