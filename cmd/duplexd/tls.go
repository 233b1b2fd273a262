package main

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"

	"github.com/Zereker/duplex"
	"github.com/Zereker/duplex/internal/config"
)

// clientHandshaker presents the configured certificate and trusts a server
// that passes verification against ca_file, or that presents the same
// certificate or one signed by it.
func clientHandshaker(c config.TLSConfig) (*duplex.TLSHandshaker, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load client certificate")
	}
	pool, err := loadPool(c.CAFile)
	if err != nil {
		return nil, err
	}
	return &duplex.TLSHandshaker{
		Certificate: cert,
		Validate:    duplex.PinnedPeerValidator,
		RootCAs:     pool,
		ServerName:  c.ServerName,
	}, nil
}

// serverTLSConfig builds the listener side. With ca_file set, client
// certificates signed by it are verified when presented.
func serverTLSConfig(c config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load server certificate")
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	pool, err := loadPool(c.CAFile)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read ca file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no certificates in %s", path)
	}
	return pool, nil
}
