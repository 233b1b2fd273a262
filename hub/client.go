package hub

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"github.com/Zereker/duplex"
	"github.com/Zereker/duplex/correlation"
)

// closeGrace is how long Close waits for the server to end the stream.
const closeGrace = 5 * time.Second

// Client is the dialing end of a hub stream.
type Client struct {
	logger  duplex.Logger
	conn    *grpc.ClientConn
	stream  grpc.ClientStream
	link    *streamLink
	channel *correlation.Channel

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Dial connects to a hub server at target and opens the stream. ctx bounds
// only the connection attempt; the stream lives until Close or until the
// server ends it.
func Dial(ctx context.Context, target string, opt ...Option) (*Client, error) {
	opts := newOptions(opt...)

	conn, err := grpc.NewClient(target, opts.dialOptions()...)
	if err != nil {
		return nil, errors.Wrapf(err, "hub: dial %s", target)
	}

	if err := waitReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "hub: connect %s", target)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], connectMethod,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, errors.Wrapf(err, "hub: open stream to %s", target)
	}

	link := newStreamLink(stream)
	c := &Client{
		logger:  opts.logger,
		conn:    conn,
		stream:  stream,
		link:    link,
		channel: correlation.New(link, opts.channelOptions()...),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(c.done)
		c.err = link.recvLoop()
		if c.err != nil {
			c.logger.Warn("hub stream ended", "target", target, "error", c.err)
		}
	}()

	c.logger.Info("hub connected", "target", target)
	return c, nil
}

// TryDial is Dial for callers that only need to know whether it worked.
func TryDial(ctx context.Context, target string, opt ...Option) (*Client, bool) {
	c, err := Dial(ctx, target, opt...)
	if err != nil {
		newOptions(opt...).logger.Warn("hub connect failed", "target", target, "error", err)
		return nil, false
	}
	return c, true
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("connection shut down")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// Channel returns the correlation channel to the server.
func (c *Client) Channel() *correlation.Channel {
	return c.channel
}

// Done is closed when the stream has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the stream ended; nil for a clean end. Valid after Done.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close half-closes the stream, waits for the server to finish it and
// releases the connection. Pending requests fail.
func (c *Client) Close() error {
	_ = c.link.closeSend(c.stream)

	timer := time.NewTimer(closeGrace)
	select {
	case <-c.done:
	case <-timer.C:
		c.cancel()
		<-c.done
	}
	timer.Stop()
	c.cancel()
	_ = c.channel.Close()
	return c.conn.Close()
}
