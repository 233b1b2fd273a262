package hub

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/Zereker/duplex"
	"github.com/Zereker/duplex/correlation"
)

const bufSize = 1024 * 1024

func upper(_ context.Context, msg correlation.Message) (*correlation.Message, error) {
	return &correlation.Message{Type: msg.Type, Data: strings.ToUpper(msg.Data)}, nil
}

// startHub serves a hub on an in-memory listener and returns a dial option for it.
func startHub(t *testing.T, opt ...Option) (*Server, Option) {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	srv := NewServer(append([]Option{LoggerOption(duplex.NopLogger())}, opt...)...)
	go func() {
		if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			t.Logf("hub serve: %v", err)
		}
	}()
	t.Cleanup(srv.Stop)

	dialer := DialOption(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	return srv, dialer
}

func dial(t *testing.T, dialer Option, opt ...Option) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, "passthrough:///bufnet", append([]Option{LoggerOption(duplex.NopLogger()), dialer}, opt...)...)
	require.NoError(t, err)
	return c
}

func TestHub_ClientRequest(t *testing.T) {
	srv, dialer := startHub(t, ChannelOption(correlation.HandlerOption(upper)))

	client := dial(t, dialer)
	defer client.Close()

	got, err := client.Channel().Send(context.Background(), correlation.Message{Type: 2, Data: "hub"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, correlation.Message{Type: 2, Data: "HUB"}, got)
	assert.Equal(t, 1, srv.Len())
}

func TestHub_ServerRequest(t *testing.T) {
	sessions := make(chan *Session, 1)
	_, dialer := startHub(t, OnSessionOption(func(s *Session) { sessions <- s }))

	client := dial(t, dialer, ChannelOption(correlation.HandlerOption(upper)))
	defer client.Close()

	var sess *Session
	select {
	case sess = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("no session registered")
	}
	assert.NotEmpty(t, sess.ID())

	got, err := sess.Channel().Send(context.Background(), correlation.Message{Type: 5, Data: "from server"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "FROM SERVER", got.Data)
}

func TestHub_DataBuffer(t *testing.T) {
	_, dialer := startHub(t, ChannelOption(correlation.DataBufferHandlerOption(
		func(_ context.Context, msg correlation.Message, buf []byte) (*correlation.Message, error) {
			return &correlation.Message{Type: msg.Type, Data: string(buf)}, nil
		})))

	client := dial(t, dialer)
	defer client.Close()

	got, err := client.Channel().SendDataBuffer(context.Background(), correlation.Message{Type: 1}, []byte("raw"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "raw", got.Data)
}

func TestHub_ConcurrentRequests(t *testing.T) {
	_, dialer := startHub(t, ChannelOption(correlation.HandlerOption(upper)))

	client := dial(t, dialer)
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := strings.Repeat("x", i)
			got, err := client.Channel().Send(context.Background(), correlation.Message{Type: i, Data: data}, 5*time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, strings.ToUpper(data), got.Data)
			}
		}(i)
	}
	wg.Wait()
}

func TestHub_SessionRemovedOnClose(t *testing.T) {
	ended := make(chan string, 1)
	srv, dialer := startHub(t,
		SessionIDOption(func() string { return "fixed" }),
		OnSessionEndOption(func(s *Session, _ error) { ended <- s.ID() }),
	)

	client := dial(t, dialer)
	assert.Eventually(t, func() bool { return srv.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, ok := srv.Session("fixed")
	assert.True(t, ok)
	assert.Len(t, srv.Sessions(), 1)

	require.NoError(t, client.Close())

	select {
	case id := <-ended:
		assert.Equal(t, "fixed", id)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Zero(t, srv.Len())
	assert.NoError(t, client.Err())
}

func TestHub_ServerStopFailsPending(t *testing.T) {
	srv, dialer := startHub(t)

	client := dial(t, dialer)
	defer client.Close()

	errs := make(chan error, 1)
	go func() {
		// No handler on the server: the request is never answered.
		_, err := client.Channel().Send(context.Background(), correlation.Message{Type: 1}, time.Minute)
		errs <- err
	}()
	assert.Eventually(t, func() bool { return client.Channel().Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	srv.Stop()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, correlation.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request survived server stop")
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client stream did not end")
	}
	_, err := client.Channel().Send(context.Background(), correlation.Message{Type: 1}, time.Second)
	assert.ErrorIs(t, err, correlation.ErrNotConnected)
}

func TestTryDial_Unreachable(t *testing.T) {
	lis := bufconn.Listen(bufSize)
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	c, ok := TryDial(ctx, "passthrough:///bufnet",
		LoggerOption(duplex.NopLogger()),
		DialOption(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)
	assert.False(t, ok)
	assert.Nil(t, c)
}

func TestFrameCodec(t *testing.T) {
	codec := frameCodec{}
	assert.Equal(t, "cbor", codec.Name())

	in := &correlation.Frame{Kind: correlation.KindResponse, Type: 3, SessionID: "s", Data: "d", Buffer: []byte{1}}
	b, err := codec.Marshal(in)
	require.NoError(t, err)

	var out correlation.Frame
	require.NoError(t, codec.Unmarshal(b, &out))
	assert.Equal(t, *in, out)

	_, err = codec.Marshal("not a frame")
	assert.Error(t, err)
	assert.Error(t, codec.Unmarshal(b, new(string)))
}
