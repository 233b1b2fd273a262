// Package duplex moves raw byte messages between a client and a server over TCP.
// Every socket runs a receive loop and a send loop; clients reconnect on
// connectivity failures and servers keep a registry of accepted connections.
package duplex

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// handlerList is an event: handlers may be added at any time and every
// dispatch sees a consistent snapshot.
type handlerList[T any] struct {
	mu sync.RWMutex
	hs []T
}

func (l *handlerList[T]) add(h T) {
	l.mu.Lock()
	l.hs = append(l.hs, h)
	l.mu.Unlock()
}

func (l *handlerList[T]) snapshot() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hs
}

// Conn is one established socket together with its receive and send loops.
// Clients create one per successful connect; servers create one per accepted socket.
type Conn struct {
	id         string
	rawConn    net.Conn
	bufferSize int
	logger     Logger
	opts       options

	messages *handlerList[MessageHandler]
	onClose  handlerList[func(*Conn, error)]

	queue  *sendQueue
	closed atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// newConn wraps an established (and, for TLS, already handshaken) stream.
// messages is shared with the owner so handlers added later are seen.
func newConn(raw net.Conn, id string, bufferSize int, opts options, messages *handlerList[MessageHandler]) *Conn {
	if messages == nil {
		messages = &handlerList[MessageHandler]{}
	}
	return &Conn{
		id:         id,
		rawConn:    raw,
		bufferSize: bufferSize,
		logger:     opts.logger,
		opts:       opts,
		messages:   messages,
		queue:      newSendQueue(),
	}
}

// Run starts the connection's receive and send loops and blocks until either
// fails or ctx is canceled. Whichever loop ends first ends the other, so every
// terminal failure surfaces through the single returned error. The connection
// is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "id", c.id, "addr", c.Addr())
	c.logger.Debug("connection options", "id", c.id, "buffer_size", c.bufferSize)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.closed.Load() {
		cancel()
	}

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// A blocked Read does not observe ctx; expiring the deadline unblocks it.
	group.Go(func() error {
		<-child.Done()
		_ = c.rawConn.SetDeadline(time.Now())
		return nil
	})

	err := group.Wait()
	cancel()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "id", c.id, "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "id", c.id, "addr", c.Addr())
	}

	for _, fn := range c.onClose.snapshot() {
		fn(c, err)
	}

	return err
}

// Send queues data for the send loop. The bytes are copied, so the caller
// may reuse the slice. Queued payloads are written in the order they were sent.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if !c.queue.push(data) {
		return ErrConnectionClosed
	}
	return nil
}

// SendString encodes s with the configured text encoding and queues it.
func (c *Conn) SendString(s string) error {
	b, err := encodeString(c.opts.encoding, s)
	if err != nil {
		return err
	}
	return c.Send(b)
}

// OnMessage adds a handler for inbound messages on this connection.
func (c *Conn) OnMessage(h MessageHandler) {
	if h != nil {
		c.messages.add(h)
	}
}

// OnClose adds a callback invoked once after both loops have exited.
func (c *Conn) OnClose(fn func(*Conn, error)) {
	if fn != nil {
		c.onClose.add(fn)
	}
}

// Close gracefully closes the connection.
// It cancels the loops and closes the underlying socket.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.queue.close()
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Connected reports whether the connection still accepts sends.
func (c *Conn) Connected() bool {
	return !c.closed.Load()
}

// ID returns the identifier assigned by the server; empty for client connections.
func (c *Conn) ID() string {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.rawConn.LocalAddr()
}

// Queued returns the number of payloads waiting for the send loop.
func (c *Conn) Queued() int {
	return c.queue.len()
}

// readLoop reads into a fixed buffer and dispatches a fresh copy of every
// non-empty read. Returns when ctx is canceled, the socket fails, or a
// handler error is escalated by the error callback.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, c.bufferSize)

	for {
		n, err := c.rawConn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])

			if herr := c.dispatch(Message{Payload: payload, ReceivedAt: time.Now()}); herr != nil {
				return herr
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("read error", "id", c.id, "addr", c.Addr(), "error", err)
			return errors.Wrap(err, "read")
		}
	}
}

func (c *Conn) dispatch(m Message) error {
	for _, h := range c.messages.snapshot() {
		err := h(m)
		if err == nil {
			continue
		}
		c.logger.Debug("message handler error", "id", c.id, "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return errors.Wrap(err, "message handler")
		}
	}
	return nil
}

// writeLoop drains the send queue in FIFO order, blocking on the queue's
// ready signal when it is empty.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		buf, ok := c.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.queue.ready:
			}
			continue
		}

		err := c.write(buf.B)
		release(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// write sends one payload. Partial writes are reported as errors by net.Conn,
// so a nil error means every byte was handed to the kernel.
func (c *Conn) write(data []byte) error {
	c.logger.Debug("sending", "id", c.id, "addr", c.Addr(), "bytes", len(data))

	if _, err := c.rawConn.Write(data); err != nil {
		c.logger.Debug("write error", "id", c.id, "addr", c.Addr(), "error", err)
		return errors.Wrap(err, "write")
	}
	return nil
}

// closeConn marks the connection as closed and closes the underlying socket.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	if dropped := c.queue.close(); dropped > 0 {
		c.logger.Debug("discarded queued payloads", "id", c.id, "count", dropped)
	}
	_ = c.rawConn.Close()
}
