package correlation

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/duplex"
)

// sinkRecorder is a Sink that keeps everything it is given.
type sinkRecorder struct {
	mu     sync.Mutex
	frames []Frame
	lost   []error
}

func (s *sinkRecorder) Deliver(f Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

func (s *sinkRecorder) Lost(err error) {
	s.mu.Lock()
	s.lost = append(s.lost, err)
	s.mu.Unlock()
}

func (s *sinkRecorder) delivered() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

func TestSocketLink_ReassemblesSplitFrames(t *testing.T) {
	link := newSocketLink(func([]byte) error { return nil })
	sink := &sinkRecorder{}
	link.Bind(sink)

	first, err := Marshal(Frame{Kind: KindMessage, Type: 1, SessionID: "a", Data: strings.Repeat("x", 300)})
	require.NoError(t, err)
	second, err := Marshal(Frame{Kind: KindResponse, Type: 2, SessionID: "b", Data: "y"})
	require.NoError(t, err)
	stream := append(append([]byte(nil), first...), second...)

	// Feed the stream in awkward chunks: a frame split across reads and two
	// frames sharing one read.
	cuts := []int{1, 100, len(first) + 3, len(stream)}
	prev := 0
	for _, cut := range cuts {
		require.NoError(t, link.receive(duplex.Message{Payload: stream[prev:cut]}))
		prev = cut
	}

	frames := sink.delivered()
	require.Len(t, frames, 2)
	assert.Equal(t, "a", frames[0].SessionID)
	assert.Len(t, frames[0].Data, 300)
	assert.Equal(t, "b", frames[1].SessionID)
	assert.Equal(t, KindResponse, frames[1].Kind)
}

func TestSocketLink_RejectsOversizedFrame(t *testing.T) {
	link := newSocketLink(func([]byte) error { return nil }, MaxFrameSizeOption(64))
	link.Bind(&sinkRecorder{})

	b, err := Marshal(Frame{Kind: KindMessage, Data: strings.Repeat("z", 500)})
	require.NoError(t, err)

	err = link.receive(duplex.Message{Payload: b[:200]})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestSocketLink_RejectsGarbage(t *testing.T) {
	link := newSocketLink(func([]byte) error { return nil })
	link.Bind(&sinkRecorder{})

	err := link.receive(duplex.Message{Payload: []byte{0xff, 0xff, 0xff}})
	assert.Error(t, err)
}

func TestSocketLink_LostDropsPartialFrame(t *testing.T) {
	link := newSocketLink(func([]byte) error { return nil })
	sink := &sinkRecorder{}
	link.Bind(sink)

	b, err := Marshal(Frame{Kind: KindMessage, Type: 1, Data: "partial"})
	require.NoError(t, err)
	require.NoError(t, link.receive(duplex.Message{Payload: b[:3]}))

	link.lost(duplex.ErrConnectionClosed)

	whole, err := Marshal(Frame{Kind: KindMessage, Type: 2, Data: "fresh"})
	require.NoError(t, err)
	require.NoError(t, link.receive(duplex.Message{Payload: whole}))

	frames := sink.delivered()
	require.Len(t, frames, 1)
	assert.Equal(t, "fresh", frames[0].Data)
	assert.Len(t, sink.lost, 1)
}

// correlatedPair starts a server whose connections answer requests with an
// upper-cased echo, and a client channel connected to it.
func correlatedPair(t *testing.T) (*duplex.Client, *Channel) {
	t.Helper()

	var (
		mu       sync.Mutex
		channels []*Channel
	)
	srv := duplex.NewServer(
		duplex.ServerLoggerOption(duplex.NopLogger()),
		duplex.ServerHostOption("127.0.0.1"),
		duplex.OnConnectOption(func(conn *duplex.Conn) {
			ch := New(ConnLink(conn), LoggerOption(duplex.NopLogger()),
				HandlerOption(func(_ context.Context, msg Message) (*Message, error) {
					if msg.Type == 0 {
						return nil, nil
					}
					return &Message{Type: msg.Type, Data: strings.ToUpper(msg.Data)}, nil
				}))
			mu.Lock()
			channels = append(channels, ch)
			mu.Unlock()
		}),
	)
	require.NoError(t, srv.Start(context.Background(), 0, duplex.DefaultBufferSize))
	t.Cleanup(func() {
		_ = srv.Stop()
		mu.Lock()
		defer mu.Unlock()
		for _, ch := range channels {
			_ = ch.Close()
		}
	})

	client := duplex.NewClient(duplex.LoggerOption(duplex.NopLogger()))
	ch := New(ClientLink(client), LoggerOption(duplex.NopLogger()))
	t.Cleanup(func() {
		_ = ch.Close()
	})

	port := uint16(srv.Addr().(*net.TCPAddr).Port)
	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port, duplex.DefaultBufferSize))
	t.Cleanup(client.Disconnect)

	return client, ch
}

func TestSocketLink_RequestOverLoopback(t *testing.T) {
	_, ch := correlatedPair(t)

	got, err := ch.Send(context.Background(), Message{Type: 1, Data: "ping"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Message{Type: 1, Data: "PING"}, got)
}

func TestSocketLink_ConcurrentRequestsOverSmallReads(t *testing.T) {
	_, ch := correlatedPair(t)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Frames up to a few hundred bytes, so concatenated frames still
			// straddle the 1KB reads.
			data := strings.Repeat("ab", i*4)
			got, err := ch.Send(context.Background(), Message{Type: i, Data: data}, 15*time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, strings.ToUpper(data), got.Data)
				assert.Equal(t, i, got.Type)
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, ch.Pending())
}

func TestSocketLink_NoReplyTimesOut(t *testing.T) {
	_, ch := correlatedPair(t)

	_, err := ch.Send(context.Background(), Message{Type: 0, Data: "ignored"}, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSocketLink_DisconnectFailsPending(t *testing.T) {
	client, ch := correlatedPair(t)

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Send(context.Background(), Message{Type: 0, Data: "never answered"}, time.Minute)
		errs <- err
	}()
	assert.Eventually(t, func() bool { return ch.Pending() == 1 }, time.Second, 5*time.Millisecond)

	client.Disconnect()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request survived disconnect")
	}

	_, err := ch.Send(context.Background(), Message{Type: 1}, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSocketLink_CorruptStreamReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var (
		accepts atomic.Int32
		mu      sync.Mutex
		conns   []net.Conn
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			accepts.Add(1)
			_, _ = c.Write([]byte{0xff, 0xff, 0xff})
		}
	}()

	client := duplex.NewClient(
		duplex.LoggerOption(duplex.NopLogger()),
		duplex.ReconnectOption(true),
		duplex.ReconnectDelayOption(20*time.Millisecond),
	)
	ch := New(ClientLink(client), LoggerOption(duplex.NopLogger()))
	t.Cleanup(func() { _ = ch.Close() })

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port, duplex.DefaultBufferSize))
	t.Cleanup(client.Disconnect)

	assert.Eventually(t, func() bool { return accepts.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}
