package correlation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Zereker/duplex"
)

// DefaultTimeout bounds Send and SendDataBuffer when no timeout is given.
const DefaultTimeout = 30 * time.Second

// Handler answers a message originated by the remote party. A non-nil reply
// is sent back with the original session id.
type Handler func(ctx context.Context, msg Message) (*Message, error)

// DataBufferHandler is Handler for messages that carry a raw buffer.
type DataBufferHandler func(ctx context.Context, msg Message, buf []byte) (*Message, error)

type options struct {
	logger        duplex.Logger
	timeout       time.Duration
	handler       Handler
	bufferHandler DataBufferHandler
	newSessionID  func() string
	now           func() time.Time
}

// Option configures a Channel.
type Option func(*options)

// HandlerOption sets the handler for inbound messages.
func HandlerOption(h Handler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// DataBufferHandlerOption sets the handler for inbound data-buffer messages.
func DataBufferHandlerOption(h DataBufferHandler) Option {
	return func(o *options) {
		o.bufferHandler = h
	}
}

// LoggerOption sets the logger.
func LoggerOption(logger duplex.Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = duplex.NopLogger()
		}
		o.logger = logger
	}
}

// TimeoutOption changes the default request timeout.
func TimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// SessionIDOption replaces the session id generator. Ids must be unique
// for the lifetime of the Channel.
func SessionIDOption(fn func() string) Option {
	return func(o *options) {
		o.newSessionID = fn
	}
}

func checkOptions(o *options) {
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	if o.newSessionID == nil {
		o.newSessionID = uuid.NewString
	}
	if o.now == nil {
		o.now = time.Now
	}
}
