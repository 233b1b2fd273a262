package correlation

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("correlation: response timeout")
	// ErrClosed is returned by sends on a closed Channel and fails requests pending at Close.
	ErrClosed = errors.New("correlation: channel closed")
	// ErrDisconnected fails requests pending when the link reports loss.
	ErrDisconnected = errors.New("correlation: link disconnected")
	// ErrNotConnected is returned by a link that cannot transmit right now.
	ErrNotConnected = errors.New("correlation: link not connected")
	// ErrFrameTooLarge is returned when an inbound frame exceeds the link's limit.
	ErrFrameTooLarge = errors.New("correlation: frame too large")
)

// TimeoutError reports a request that got no response before its deadline.
// The connection may be healthy; the remote simply did not answer in time.
type TimeoutError struct {
	SessionID   string
	MessageType int
	Timeout     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("correlation: no response to message type %d (session %s) within %s",
		e.MessageType, e.SessionID, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
