package hub

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Zereker/duplex"
	"github.com/Zereker/duplex/correlation"
)

type options struct {
	logger       duplex.Logger
	channel      []correlation.Option
	dial         []grpc.DialOption
	server       []grpc.ServerOption
	newID        func() string
	onSession    func(*Session)
	onSessionEnd func(*Session, error)
}

// Option configures a Server or a Client.
type Option func(*options)

// LoggerOption sets the logger for the hub and its channels.
func LoggerOption(logger duplex.Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = duplex.NopLogger()
		}
		o.logger = logger
	}
}

// ChannelOption configures the correlation channel of every stream,
// typically with correlation.HandlerOption.
func ChannelOption(opt ...correlation.Option) Option {
	return func(o *options) {
		o.channel = append(o.channel, opt...)
	}
}

// DialOption adds gRPC dial options. Insecure transport credentials are
// used unless credentials are given here.
func DialOption(opt ...grpc.DialOption) Option {
	return func(o *options) {
		o.dial = append(o.dial, opt...)
	}
}

// GRPCServerOption adds options for the underlying gRPC server.
func GRPCServerOption(opt ...grpc.ServerOption) Option {
	return func(o *options) {
		o.server = append(o.server, opt...)
	}
}

// SessionIDOption replaces the session id generator. Default is a random UUID.
func SessionIDOption(fn func() string) Option {
	return func(o *options) {
		o.newID = fn
	}
}

// OnSessionOption is called when a client stream is registered, before any
// of its frames are read.
func OnSessionOption(cb func(*Session)) Option {
	return func(o *options) {
		o.onSession = cb
	}
}

// OnSessionEndOption is called after a stream ended and its session was removed.
func OnSessionEndOption(cb func(*Session, error)) Option {
	return func(o *options) {
		o.onSessionEnd = cb
	}
}

func newOptions(opt ...Option) options {
	var o options
	for _, fn := range opt {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

func (o options) channelOptions() []correlation.Option {
	return append([]correlation.Option{correlation.LoggerOption(o.logger)}, o.channel...)
}

func (o options) dialOptions() []grpc.DialOption {
	return append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, o.dial...)
}
