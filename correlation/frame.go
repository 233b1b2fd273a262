// Package correlation turns fire-and-forget messages over a duplex link into
// awaitable request/response pairs matched by session id.
package correlation

import (
	cbor "github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Message is the typed payload carried by a frame.
type Message struct {
	Type int
	Data string
}

// Kind tells the receiving Channel how to route a frame.
type Kind uint8

const (
	// KindMessage is a message originated by the sender. A non-empty session
	// id means the sender waits for a KindResponse.
	KindMessage Kind = iota + 1
	// KindDataBuffer is a KindMessage that also carries a raw buffer.
	KindDataBuffer
	// KindResponse answers an earlier message with the same session id.
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindDataBuffer:
		return "data-buffer"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Frame is the unit exchanged over a Link.
type Frame struct {
	Kind      Kind   `cbor:"1,keyasint"`
	Type      int    `cbor:"2,keyasint"`
	SessionID string `cbor:"3,keyasint,omitempty"`
	Data      string `cbor:"4,keyasint,omitempty"`
	Buffer    []byte `cbor:"5,keyasint,omitempty"`
}

// Message returns the typed part of the frame.
func (f Frame) Message() Message {
	return Message{Type: f.Type, Data: f.Data}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Marshal encodes f as a single CBOR item. Items are self-delimiting, so
// encoded frames can be written back to back on a byte stream.
func Marshal(f Frame) ([]byte, error) {
	b, err := encMode.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	return b, nil
}

// Unmarshal decodes exactly one frame from b.
func Unmarshal(b []byte, f *Frame) error {
	if err := decMode.Unmarshal(b, f); err != nil {
		return errors.Wrap(err, "decode frame")
	}
	return nil
}

// decodeFirst decodes the first complete frame in b and returns the bytes
// that follow it. It returns io.ErrUnexpectedEOF when b holds only part of a frame.
func decodeFirst(b []byte) (Frame, []byte, error) {
	var f Frame
	rest, err := decMode.UnmarshalFirst(b, &f)
	return f, rest, err
}
