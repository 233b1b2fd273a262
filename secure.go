package duplex

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"

	"github.com/pkg/errors"
)

// Handshaker turns a freshly dialed TCP socket into the stream the loops run on.
// The plaintext client returns the socket unchanged; the secure client
// performs a TLS client handshake.
type Handshaker interface {
	Handshake(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error)
}

// HandshakerFunc adapts a function to Handshaker.
type HandshakerFunc func(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error)

func (fn HandshakerFunc) Handshake(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	return fn(ctx, conn, serverName)
}

type plainHandshaker struct{}

func (plainHandshaker) Handshake(_ context.Context, conn net.Conn, _ string) (net.Conn, error) {
	return conn, nil
}

// PeerValidator decides whether the server's certificate is trusted.
// remote is the certificate presented by the peer, expected is the local
// client certificate (nil when none is configured) and policyErr is the
// result of standard chain and hostname verification.
type PeerValidator func(remote, expected *x509.Certificate, policyErr error) bool

// DefaultPeerValidator trusts a peer only when standard verification succeeded.
func DefaultPeerValidator(_, _ *x509.Certificate, policyErr error) bool {
	return policyErr == nil
}

// PinnedPeerValidator additionally trusts a peer presenting the expected
// certificate itself, or one signed by it. Useful for deployments that share
// a self-signed certificate between both ends.
func PinnedPeerValidator(remote, expected *x509.Certificate, policyErr error) bool {
	if policyErr == nil {
		return true
	}
	if expected == nil || remote == nil {
		return false
	}
	return remote.Equal(expected) || remote.CheckSignatureFrom(expected) == nil
}

// TLSHandshaker runs a TLS client handshake with a client certificate and a
// caller-supplied trust decision.
type TLSHandshaker struct {
	// Certificate is presented to the server.
	Certificate tls.Certificate
	// Validate decides trust. Nil means DefaultPeerValidator.
	Validate PeerValidator
	// RootCAs used for the standard verification. Nil means the system pool.
	RootCAs *x509.CertPool
	// ServerName overrides the host used for SNI and hostname verification.
	ServerName string
}

// Handshake implements Handshaker.
func (h *TLSHandshaker) Handshake(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	if h.ServerName != "" {
		serverName = h.ServerName
	}

	tc := tls.Client(conn, h.config(serverName))
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, errors.Wrap(err, "tls handshake")
	}
	return tc, nil
}

func (h *TLSHandshaker) config(serverName string) *tls.Config {
	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
		// chain checks run in VerifyPeerCertificate
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return h.verify(rawCerts, serverName)
		},
	}
	if len(h.Certificate.Certificate) > 0 {
		cfg.Certificates = []tls.Certificate{h.Certificate}
	}
	return cfg
}

func (h *TLSHandshaker) verify(rawCerts [][]byte, serverName string) error {
	if len(rawCerts) == 0 {
		return errors.Wrap(ErrPeerRejected, "no certificate presented")
	}

	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return errors.Wrap(err, "parse peer certificate")
		}
		certs = append(certs, cert)
	}

	remote := certs[0]
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	_, policyErr := remote.Verify(x509.VerifyOptions{
		Roots:         h.RootCAs,
		Intermediates: intermediates,
		DNSName:       serverName,
	})

	validate := h.Validate
	if validate == nil {
		validate = DefaultPeerValidator
	}
	if !validate(remote, h.leaf(), policyErr) {
		return errors.Wrapf(ErrPeerRejected, "subject %q", remote.Subject.String())
	}
	return nil
}

func (h *TLSHandshaker) leaf() *x509.Certificate {
	if h.Certificate.Leaf != nil {
		return h.Certificate.Leaf
	}
	if len(h.Certificate.Certificate) == 0 {
		return nil
	}
	cert, err := x509.ParseCertificate(h.Certificate.Certificate[0])
	if err != nil {
		return nil
	}
	return cert
}

// NewSecureClient returns a Client whose sockets are wrapped in TLS before the
// loops start. cert is presented to the server and validate decides whether the
// server's certificate is trusted.
func NewSecureClient(cert tls.Certificate, validate PeerValidator, opt ...Option) *Client {
	opt = append(opt, HandshakerOption(&TLSHandshaker{
		Certificate: cert,
		Validate:    validate,
	}))
	return NewClient(opt...)
}
