package duplex

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// Errors returned by client and server operations.
var (
	// ErrAlreadyConnected is returned by Connect when the client is not in the Disconnected state.
	ErrAlreadyConnected = errors.New("client already connected or connecting")
	// ErrClientClosed is returned when a connect attempt is abandoned because Disconnect was called.
	ErrClientClosed = errors.New("client disconnected")
	// ErrInvalidBufferSize is returned for a non-positive receive buffer size.
	ErrInvalidBufferSize = errors.New("invalid buffer size")
	// ErrPeerRejected is returned when the peer validation callback refuses the remote certificate.
	ErrPeerRejected = errors.New("peer certificate rejected")
	// ErrServerStarted is returned by Start on a server that is already listening.
	ErrServerStarted = errors.New("server already started")
	// ErrServerStopped is returned by operations on a server that is not running.
	ErrServerStopped = errors.New("server not running")
	// ErrTooManyAcceptFailures ends the accept loop once MaxAcceptFailuresOption is exceeded.
	ErrTooManyAcceptFailures = errors.New("too many consecutive accept failures")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// isConnectivityError reports whether err came from the network or the
// handshake and is therefore worth a reconnect attempt. Cancellation and
// configuration errors are not; timeouts are.
func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrClientClosed) || errors.Is(err, ErrInvalidBufferSize) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrPeerRejected) {
		return true
	}

	var (
		netErr    net.Error
		errno     syscall.Errno
		recordErr tls.RecordHeaderError
		alertErr  tls.AlertError
		verifyErr *tls.CertificateVerificationError
		unknownCA x509.UnknownAuthorityError
		invalid   x509.CertificateInvalidError
		hostErr   x509.HostnameError
	)
	switch {
	case errors.As(err, &netErr),
		errors.As(err, &errno),
		errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &verifyErr),
		errors.As(err, &unknownCA),
		errors.As(err, &invalid),
		errors.As(err, &hostErr):
		return true
	}
	return false
}

// isRecoverableLoss reports whether a connection that ended with err should
// be re-established. Any failure of either loop qualifies; only cancellation
// and Disconnect end the client for good.
func isRecoverableLoss(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClientClosed)
}
