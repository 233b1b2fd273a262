package hub

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Zereker/duplex/correlation"
)

// stream is the part of grpc.ClientStream and grpc.ServerStream a link needs.
type stream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// streamLink adapts a gRPC stream to correlation.Link. gRPC forbids
// concurrent SendMsg calls, so sends are serialized.
type streamLink struct {
	stream stream

	sendMu sync.Mutex
	ended  atomic.Bool

	mu   sync.Mutex
	sink correlation.Sink
}

func newStreamLink(s stream) *streamLink {
	return &streamLink{stream: s}
}

// Send implements correlation.Link.
func (l *streamLink) Send(ctx context.Context, f correlation.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if l.ended.Load() {
		return correlation.ErrNotConnected
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if err := l.stream.SendMsg(&f); err != nil {
		return errors.Wrap(correlation.ErrNotConnected, err.Error())
	}
	return nil
}

// Bind implements correlation.Link.
func (l *streamLink) Bind(s correlation.Sink) {
	l.mu.Lock()
	l.sink = s
	l.mu.Unlock()
}

// closeSend half-closes a client stream. Further sends fail.
func (l *streamLink) closeSend(cs interface{ CloseSend() error }) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if l.ended.Swap(true) {
		return nil
	}
	return cs.CloseSend()
}

// recvLoop delivers inbound frames until the stream ends, then reports the
// loss. io.EOF (the peer finished cleanly) is returned as nil.
func (l *streamLink) recvLoop() error {
	for {
		var f correlation.Frame
		if err := l.stream.RecvMsg(&f); err != nil {
			l.ended.Store(true)
			if sink := l.currentSink(); sink != nil {
				sink.Lost(err)
			}

			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if sink := l.currentSink(); sink != nil {
			sink.Deliver(f)
		}
	}
}

func (l *streamLink) currentSink() correlation.Sink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink
}
