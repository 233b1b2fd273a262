package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/duplex"
)

// sweepEvery limits how often expired suppression markers are scanned for.
const sweepEvery = time.Second

type result struct {
	msg Message
	err error
}

// waiter is one caller blocked in a request.
// done receives exactly one result from whichever path removed the waiter
// from the pending map.
type waiter struct {
	msgType int
	done    chan result
}

// marker suppresses a late response for a session that already gave up.
type marker struct {
	msgType int
	expires time.Time
}

// Channel provides request/response semantics over a Link.
//
// Every request gets a fresh session id and an entry in the pending map. The
// entry is removed exactly once, under one mutex, by either the response, the
// deadline, a link loss or Close; the other paths find it gone and do nothing.
// A request that gave up leaves a marker so its late response is discarded.
type Channel struct {
	link   Link
	opts   options
	logger duplex.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   map[string]*waiter
	timedOut  map[string]marker
	nextSweep time.Time
	closed    bool

	handlers sync.WaitGroup
}

// New creates a Channel and binds it to link.
func New(link Link, opt ...Option) *Channel {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		link:     link,
		opts:     opts,
		logger:   opts.logger,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*waiter),
		timedOut: make(map[string]marker),
	}
	link.Bind(c)
	return c
}

// Send transmits msg and waits for the matching response. A timeout of zero
// uses the channel default (30s unless configured). The wait ends with the
// response, a *TimeoutError, an error wrapping ErrDisconnected or ErrClosed,
// or ctx's error, whichever comes first.
func (c *Channel) Send(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	return c.request(ctx, Frame{Kind: KindMessage, Type: msg.Type, Data: msg.Data}, timeout)
}

// SendDataBuffer is Send for a message that carries a raw buffer alongside it.
func (c *Channel) SendDataBuffer(ctx context.Context, msg Message, buf []byte, timeout time.Duration) (Message, error) {
	return c.request(ctx, Frame{Kind: KindDataBuffer, Type: msg.Type, Data: msg.Data, Buffer: buf}, timeout)
}

// SendNoResponse transmits msg without creating a pending request.
func (c *Channel) SendNoResponse(ctx context.Context, msg Message) error {
	return c.post(ctx, Frame{Kind: KindMessage, Type: msg.Type, Data: msg.Data})
}

// SendDataBufferNoResponse transmits msg and buf without creating a pending request.
func (c *Channel) SendDataBufferNoResponse(ctx context.Context, msg Message, buf []byte) error {
	return c.post(ctx, Frame{Kind: KindDataBuffer, Type: msg.Type, Data: msg.Data, Buffer: buf})
}

// Pending returns the number of requests waiting for a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// TimedOut returns the number of sessions whose late response would be discarded.
func (c *Channel) TimedOut() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timedOut)
}

// Close fails every pending request with ErrClosed, rejects further sends
// and waits for running handlers. It does not close the link.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	waiters := c.pending
	c.pending = make(map[string]*waiter)
	c.timedOut = make(map[string]marker)
	c.mu.Unlock()

	c.cancel()
	for _, w := range waiters {
		w.done <- result{err: ErrClosed}
	}
	c.handlers.Wait()
	return nil
}

// Deliver implements Sink.
func (c *Channel) Deliver(f Frame) {
	switch f.Kind {
	case KindResponse:
		c.resolve(f)
	case KindMessage, KindDataBuffer:
		c.dispatch(f)
	default:
		c.logger.Warn("dropping frame of unknown kind", "kind", f.Kind, "session", f.SessionID)
	}
}

// Lost implements Sink. Pending requests fail at once instead of waiting for
// their deadlines; the channel stays usable for the next connection.
func (c *Channel) Lost(err error) {
	c.mu.Lock()
	waiters := c.pending
	c.pending = make(map[string]*waiter)
	c.mu.Unlock()

	if len(waiters) == 0 {
		return
	}
	c.logger.Warn("link lost, failing pending requests", "count", len(waiters), "error", err)

	cause := ErrDisconnected
	if err != nil {
		cause = errors.Wrap(ErrDisconnected, err.Error())
	}
	for _, w := range waiters {
		w.done <- result{err: cause}
	}
}

func (c *Channel) post(ctx context.Context, f Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := c.link.Send(ctx, f); err != nil {
		return errors.Wrapf(err, "send message type %d", f.Type)
	}
	return nil
}

func (c *Channel) request(ctx context.Context, f Frame, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = c.opts.timeout
	}

	id := c.opts.newSessionID()
	f.SessionID = id
	w := &waiter{msgType: f.Type, done: make(chan result, 1)}
	start := c.opts.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, ErrClosed
	}
	c.sweepLocked(start)
	c.pending[id] = w
	c.mu.Unlock()

	if err := c.link.Send(ctx, f); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Message{}, errors.Wrapf(err, "send message type %d", f.Type)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-w.done:
		return r.msg, r.err
	case <-timer.C:
		return c.giveUp(id, w, start, timeout, nil)
	case <-ctx.Done():
		return c.giveUp(id, w, start, timeout, ctx.Err())
	}
}

// giveUp removes the waiter on deadline or cancellation. If another path
// removed it first, that path's result is the answer.
func (c *Channel) giveUp(id string, w *waiter, start time.Time, timeout time.Duration, cause error) (Message, error) {
	c.mu.Lock()
	if _, live := c.pending[id]; !live {
		c.mu.Unlock()
		r := <-w.done
		return r.msg, r.err
	}
	delete(c.pending, id)
	c.timedOut[id] = marker{msgType: w.msgType, expires: start.Add(2 * timeout)}
	c.mu.Unlock()

	if cause != nil {
		return Message{}, errors.Wrapf(cause, "await response to message type %d", w.msgType)
	}
	c.logger.Debug("request timed out", "session", id, "type", w.msgType, "timeout", timeout)
	return Message{}, &TimeoutError{SessionID: id, MessageType: w.msgType, Timeout: timeout}
}

func (c *Channel) resolve(f Frame) {
	c.mu.Lock()
	c.sweepLocked(c.opts.now())

	if m, late := c.timedOut[f.SessionID]; late {
		delete(c.timedOut, f.SessionID)
		c.mu.Unlock()
		c.logger.Debug("discarding late response", "session", f.SessionID, "type", m.msgType)
		return
	}

	w, ok := c.pending[f.SessionID]
	if ok {
		delete(c.pending, f.SessionID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("discarding response for unknown session", "session", f.SessionID)
		return
	}
	w.done <- result{msg: f.Message()}
}

// dispatch runs the handler for a remote-originated message on its own
// goroutine so a handler that issues requests cannot stall the link's reader.
func (c *Channel) dispatch(f Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.handlers.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.handlers.Done()

		reply, err := c.handle(f)
		if err != nil {
			c.logger.Error("message handler failed", "type", f.Type, "session", f.SessionID, "error", err)
			return
		}
		if reply == nil || f.SessionID == "" {
			return
		}

		resp := Frame{Kind: KindResponse, Type: reply.Type, SessionID: f.SessionID, Data: reply.Data}
		if err := c.link.Send(c.ctx, resp); err != nil {
			c.logger.Warn("failed to send reply", "type", reply.Type, "session", f.SessionID, "error", err)
		}
	}()
}

func (c *Channel) handle(f Frame) (*Message, error) {
	if f.Kind == KindDataBuffer {
		if c.opts.bufferHandler == nil {
			c.logger.Warn("no data buffer handler, dropping message", "type", f.Type)
			return nil, nil
		}
		return c.opts.bufferHandler(c.ctx, f.Message(), f.Buffer)
	}

	if c.opts.handler == nil {
		c.logger.Warn("no message handler, dropping message", "type", f.Type)
		return nil, nil
	}
	return c.opts.handler(c.ctx, f.Message())
}

// sweepLocked drops suppression markers past their expiry. c.mu must be held.
func (c *Channel) sweepLocked(now time.Time) {
	if len(c.timedOut) == 0 || now.Before(c.nextSweep) {
		return
	}
	c.nextSweep = now.Add(sweepEvery)

	for id, m := range c.timedOut {
		if now.After(m.expires) {
			delete(c.timedOut, id)
		}
	}
}
