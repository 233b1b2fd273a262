// Package hub is a hub-style duplex channel: a gRPC bidirectional stream
// that carries correlation frames, so each end gets a correlation.Channel.
package hub

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/Zereker/duplex/correlation"
)

// codecName is the gRPC content-subtype for frames.
const codecName = "cbor"

// frameCodec lets gRPC carry correlation.Frame values without protobuf.
type frameCodec struct{}

func (frameCodec) Name() string { return codecName }

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*correlation.Frame)
	if !ok {
		return nil, errors.Errorf("hub: cannot marshal %T", v)
	}
	return correlation.Marshal(*f)
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*correlation.Frame)
	if !ok {
		return errors.Errorf("hub: cannot unmarshal into %T", v)
	}
	return correlation.Unmarshal(data, f)
}

func init() {
	encoding.RegisterCodec(frameCodec{})
}

const (
	serviceName   = "duplex.hub.Hub"
	connectMethod = "/" + serviceName + "/Connect"
)

// hubService is implemented by the server-side stream handler.
type hubService interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(hubService).Connect(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*hubService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "duplex/hub",
}
