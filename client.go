package duplex

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Client is a persistent TCP client. It dials a host, runs one Conn at a
// time and, when reconnect is enabled, re-dials after connectivity failures
// until Disconnect is called.
type Client struct {
	opts     options
	logger   Logger
	messages *handlerList[MessageHandler]
	states   handlerList[StateHandler]

	state          stateMachine
	reconnect      atomic.Bool
	reconnectDelay atomic.Int64

	// mu serializes transitions that race with Disconnect.
	mu         sync.Mutex
	conn       *Conn
	cancel     context.CancelFunc
	addr       string
	host       string
	bufferSize int

	wg sync.WaitGroup
}

// NewClient creates a disconnected client.
func NewClient(opt ...Option) *Client {
	opts := newOptions(opt...)

	c := &Client{
		opts:     opts,
		logger:   opts.logger,
		messages: &handlerList[MessageHandler]{},
	}
	for _, h := range opts.onMessage {
		c.messages.add(h)
	}
	for _, h := range opts.onStateChange {
		c.states.add(h)
	}
	c.reconnect.Store(opts.reconnect)
	c.reconnectDelay.Store(int64(opts.reconnectDelay))
	return c
}

// Connect dials host:port and starts the loops. bufferSize sizes the receive
// buffer and the OS socket buffers; zero selects DefaultBufferSize.
//
// On a connectivity failure with reconnect enabled, Connect keeps retrying
// after ReconnectDelay until it succeeds, ctx is canceled or Disconnect is
// called. With reconnect disabled the failure is returned immediately.
func (c *Client) Connect(ctx context.Context, host string, port uint16, bufferSize int) error {
	if bufferSize == 0 {
		bufferSize = DefaultBufferSize
	}
	if bufferSize < 0 {
		return errors.Wrapf(ErrInvalidBufferSize, "%d", bufferSize)
	}

	c.mu.Lock()
	if !c.state.transition(Disconnected, Connecting) {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.cancel != nil {
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.host = host
	c.addr = net.JoinHostPort(host, strconv.Itoa(int(port)))
	c.bufferSize = bufferSize
	c.mu.Unlock()
	c.notify(Connecting)

	conn, err := c.connect(runCtx, false)
	if err != nil {
		c.abandon()
		return err
	}
	return c.start(runCtx, conn)
}

// Disconnect cancels any connect attempt or reconnect wait, closes the socket
// and waits for the loops to exit. The client ends Disconnected and may be
// connected again. Must not be called from a MessageHandler.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.cancel = nil
	c.conn = nil
	prev := c.state.reset()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()

	if prev != Disconnected {
		c.logger.Info("disconnected", "addr", c.Addr())
		c.notify(Disconnected)
	}
}

// Send queues data on the current connection. While the client is not
// Connected the payload is dropped.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || c.state.load() != Connected {
		c.logger.Debug("dropping send while disconnected", "addr", c.Addr(), "bytes", len(data))
		return
	}
	if err := conn.Send(data); err != nil {
		c.logger.Debug("dropping send on closed connection", "addr", c.Addr(), "bytes", len(data))
	}
}

// SendString encodes s with the configured encoding and sends it.
// Only an encoding failure is reported; delivery follows Send.
func (c *Client) SendString(s string) error {
	b, err := encodeString(c.opts.encoding, s)
	if err != nil {
		return err
	}
	c.Send(b)
	return nil
}

// Connected reports whether the client is in the Connected state.
func (c *Client) Connected() bool {
	return c.state.load() == Connected
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return c.state.load()
}

// Addr returns the host:port of the last Connect call.
func (c *Client) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Reconnect reports whether automatic reconnection is enabled.
func (c *Client) Reconnect() bool {
	return c.reconnect.Load()
}

// SetReconnect toggles automatic reconnection. Takes effect at the next failure.
func (c *Client) SetReconnect(enabled bool) {
	c.reconnect.Store(enabled)
}

// ReconnectDelay returns the pause between reconnect attempts.
func (c *Client) ReconnectDelay() time.Duration {
	return time.Duration(c.reconnectDelay.Load())
}

// SetReconnectDelay changes the pause between reconnect attempts.
func (c *Client) SetReconnectDelay(d time.Duration) {
	if d <= 0 {
		d = DefaultReconnectDelay
	}
	c.reconnectDelay.Store(int64(d))
}

// OnMessage adds a handler for inbound messages. It applies to the current
// connection and every later one.
func (c *Client) OnMessage(h MessageHandler) {
	if h != nil {
		c.messages.add(h)
	}
}

// OnStateChange adds an observer for state transitions.
func (c *Client) OnStateChange(h StateHandler) {
	if h != nil {
		c.states.add(h)
	}
}

func (c *Client) notify(s State) {
	for _, h := range c.states.snapshot() {
		h(s)
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	if c.opts.newBackOff != nil {
		return c.opts.newBackOff()
	}
	return backoff.NewConstantBackOff(c.ReconnectDelay())
}

// connect runs the dial sequence under the reconnect policy. When wait is set
// the first attempt is preceded by one backoff delay.
func (c *Client) connect(ctx context.Context, wait bool) (*Conn, error) {
	var policy backoff.BackOff
	next := func() (time.Duration, bool) {
		if policy == nil {
			policy = backoff.WithContext(c.newBackOff(), ctx)
		}
		d := policy.NextBackOff()
		return d, d != backoff.Stop
	}

	for attempt := 1; ; attempt++ {
		if wait {
			d, ok := next()
			if !ok {
				if ctx.Err() != nil {
					return nil, c.canceled(ctx)
				}
				return nil, errors.New("reconnect policy exhausted")
			}
			c.logger.Info("reconnecting", "addr", c.Addr(), "attempt", attempt, "delay", d)
			if err := sleep(ctx, d); err != nil {
				return nil, c.canceled(ctx)
			}
		}
		wait = true

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, c.canceled(ctx)
		}
		if !isConnectivityError(err) {
			c.logger.Error("connect failed", "addr", c.Addr(), "error", err)
			return nil, err
		}
		if !c.reconnect.Load() {
			c.logger.Warn("connect failed", "addr", c.Addr(), "error", err)
			return nil, err
		}
		c.logger.Warn("connect attempt failed", "addr", c.Addr(), "attempt", attempt, "error", err)
	}
}

func (c *Client) canceled(ctx context.Context) error {
	if c.cancelCleared() {
		return ErrClientClosed
	}
	return errors.Wrap(ctx.Err(), "connect")
}

// cancelCleared reports whether Disconnect took ownership of the run context.
func (c *Client) cancelCleared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel == nil
}

// dial performs one attempt: TCP dial, socket tuning, then the handshake.
func (c *Client) dial(ctx context.Context) (*Conn, error) {
	c.mu.Lock()
	addr, host, bufferSize := c.addr, c.host, c.bufferSize
	c.mu.Unlock()

	if c.opts.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.dialTimeout)
		defer cancel()
	}

	c.logger.Debug("dialing", "addr", addr)
	dialer := net.Dialer{KeepAliveConfig: c.opts.keepAlive.config()}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	if tcp, ok := raw.(*net.TCPConn); ok {
		if err := tuneTCP(tcp, bufferSize, c.opts.keepAlive); err != nil {
			_ = raw.Close()
			return nil, errors.Wrap(err, "configure socket")
		}
	}

	stream, err := c.opts.handshaker.Handshake(ctx, raw, host)
	if err != nil {
		_ = raw.Close()
		return nil, errors.Wrapf(err, "handshake with %s", addr)
	}

	return newConn(stream, "", bufferSize, c.opts, c.messages), nil
}

// abandon moves a failed connect sequence back to Disconnected.
func (c *Client) abandon() {
	c.mu.Lock()
	moved := c.state.transition(Connecting, Disconnected)
	c.mu.Unlock()
	if moved {
		c.notify(Disconnected)
	}
}

// start publishes conn as the current connection and launches its loops,
// unless Disconnect won the race.
func (c *Client) start(ctx context.Context, conn *Conn) error {
	c.mu.Lock()
	if ctx.Err() != nil || !c.state.transition(Connecting, Connected) {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("connected", "addr", c.Addr())
	c.notify(Connected)

	go c.serve(ctx, conn)
	return nil
}

// serve runs connections until the run context ends or a loss is not
// followed by a successful reconnect. Every loss, whichever loop detected
// it, goes through connectionLost exactly once.
func (c *Client) serve(ctx context.Context, conn *Conn) {
	defer c.wg.Done()

	for {
		err := conn.Run(ctx)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if !c.connectionLost(ctx, err) {
			return
		}

		next, err := c.connect(ctx, true)
		if err != nil {
			c.logger.Warn("reconnect abandoned", "addr", c.Addr(), "error", err)
			c.abandon()
			return
		}

		c.mu.Lock()
		if ctx.Err() != nil || !c.state.transition(Connecting, Connected) {
			c.mu.Unlock()
			_ = next.Close()
			return
		}
		c.conn = next
		c.mu.Unlock()

		c.logger.Info("reconnected", "addr", c.Addr())
		c.notify(Connected)
		conn = next
	}
}

// connectionLost moves Connected to Disconnected and reports whether a
// reconnect sequence should start, in which case the state is already Connecting.
func (c *Client) connectionLost(ctx context.Context, err error) bool {
	c.mu.Lock()
	lost := c.state.transition(Connected, Disconnected)
	c.mu.Unlock()
	if !lost {
		// Disconnect already reset the state.
		return false
	}

	c.logger.Warn("connection lost", "addr", c.Addr(), "error", err)
	c.notify(Disconnected)

	if ctx.Err() != nil || !c.reconnect.Load() || !isRecoverableLoss(err) {
		return false
	}

	c.mu.Lock()
	restart := ctx.Err() == nil && c.state.transition(Disconnected, Connecting)
	c.mu.Unlock()
	if restart {
		c.notify(Connecting)
	}
	return restart
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
