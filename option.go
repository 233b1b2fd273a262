package duplex

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/text/encoding"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// Default configuration values.
const (
	// DefaultBufferSize is the receive buffer size, and the largest chunk a single read delivers.
	DefaultBufferSize = 1024
	// DefaultReconnectDelay is the pause before each reconnect attempt.
	DefaultReconnectDelay = 2 * time.Second
)

// options holds the configuration for a client or a single connection.
type options struct {
	logger   Logger
	encoding encoding.Encoding

	onMessage []MessageHandler
	// onError is called when a read, write or handler error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError       func(error) ErrorAction
	onStateChange []StateHandler

	keepAlive  KeepAlive
	handshaker Handshaker

	reconnect      bool
	reconnectDelay time.Duration
	newBackOff     func() backoff.BackOff
	dialTimeout    time.Duration
}

// Option is a function that configures client and connection options.
type Option func(*options)

// OnMessageOption adds a handler for inbound messages. Handlers run on the
// receive loop in registration order.
func OnMessageOption(cb MessageHandler) Option {
	return func(o *options) {
		if cb != nil {
			o.onMessage = append(o.onMessage, cb)
		}
	}
}

// OnErrorOption returns an Option that sets the error callback.
// Return Disconnect to close the connection, or Continue to suppress the error.
// I/O errors always end the connection regardless of the returned action.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnStateChangeOption adds an observer for client state transitions.
func OnStateChangeOption(cb StateHandler) Option {
	return func(o *options) {
		if cb != nil {
			o.onStateChange = append(o.onStateChange, cb)
		}
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NopLogger()
		}
		o.logger = logger
	}
}

// EncodingOption sets the text encoding used by SendString. Default UTF-8.
func EncodingOption(enc encoding.Encoding) Option {
	return func(o *options) {
		o.encoding = enc
	}
}

// KeepAliveOption overrides the TCP keep-alive tuning.
func KeepAliveOption(ka KeepAlive) Option {
	return func(o *options) {
		o.keepAlive = ka
	}
}

// ReconnectOption enables or disables automatic reconnection after a
// connectivity failure. Disabled by default.
func ReconnectOption(enabled bool) Option {
	return func(o *options) {
		o.reconnect = enabled
	}
}

// ReconnectDelayOption sets a constant delay between reconnect attempts.
func ReconnectDelayOption(delay time.Duration) Option {
	return func(o *options) {
		o.reconnectDelay = delay
	}
}

// BackOffOption replaces the constant reconnect delay with a custom policy.
// The factory is called once per reconnect sequence. A policy returning
// backoff.Stop ends the sequence and leaves the client disconnected.
func BackOffOption(factory func() backoff.BackOff) Option {
	return func(o *options) {
		o.newBackOff = factory
	}
}

// DialTimeoutOption bounds a single dial plus handshake attempt.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// HandshakerOption sets the per-socket stream setup. The default is plaintext.
func HandshakerOption(h Handshaker) Option {
	return func(o *options) {
		o.handshaker = h
	}
}

// checkOptions validates and sets default values for options.
func checkOptions(opts *options) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.encoding == nil {
		opts.encoding = UTF8
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.keepAlive == (KeepAlive{}) {
		opts.keepAlive = DefaultClientKeepAlive
	}

	if opts.handshaker == nil {
		opts.handshaker = plainHandshaker{}
	}

	if opts.reconnectDelay <= 0 {
		opts.reconnectDelay = DefaultReconnectDelay
	}
}

func newOptions(opt ...Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}
