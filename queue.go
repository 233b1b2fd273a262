package duplex

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

// sendQueue is the outbound FIFO of a connection. Any goroutine may push;
// the write loop is the single consumer. Payloads are copied into pooled
// buffers so the caller may reuse its slice as soon as push returns.
type sendQueue struct {
	mu     sync.Mutex
	items  []*bytebufferpool.ByteBuffer
	closed bool

	// ready holds at most one token; it is signalled on every push so the
	// consumer can block instead of polling.
	ready chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{ready: make(chan struct{}, 1)}
}

// push appends a copy of data. It reports false if the queue was closed.
func (q *sendQueue) push(data []byte) bool {
	buf := bytebufferpool.Get()
	_, _ = buf.Write(data)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		bytebufferpool.Put(buf)
		return false
	}
	q.items = append(q.items, buf)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest payload. The caller must release it.
func (q *sendQueue) pop() (*bytebufferpool.ByteBuffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	buf := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return buf, true
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close rejects further pushes and drops whatever is still queued.
func (q *sendQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	dropped := len(q.items)
	for _, buf := range q.items {
		bytebufferpool.Put(buf)
	}
	q.items = nil
	return dropped
}

func release(buf *bytebufferpool.ByteBuffer) {
	bytebufferpool.Put(buf)
}
