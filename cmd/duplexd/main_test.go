package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/duplex"
	"github.com/Zereker/duplex/internal/config"
)

// isolate keeps config discovery away from the developer's files.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("DUPLEX_CONFIG", "")
	t.Setenv("HOME", t.TempDir())
}

func testEnv(cfg *config.Config) *env {
	return &env{cfg: cfg, logger: duplex.NopLogger(), close: func() error { return nil }}
}

// startServer runs a server configured from cfg in the given mode.
func startServer(t *testing.T, cfg *config.Config, mode string) string {
	t.Helper()

	opts, err := testEnv(cfg).serverOptions(mode)
	require.NoError(t, err)

	srv := duplex.NewServer(append(opts, duplex.ServerHostOption("127.0.0.1"))...)
	require.NoError(t, srv.Start(context.Background(), 0, 0))
	t.Cleanup(func() { _ = srv.Stop() })

	return strconv.Itoa(srv.Addr().(*net.TCPAddr).Port)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := app.RunContext(ctx, append([]string{"duplexd", "--log-level", "error"}, args...))
	return out.String(), err
}

func TestSend_Echo(t *testing.T) {
	isolate(t)
	port := startServer(t, config.Default(), "echo")

	out, err := run(t, "send", "--host", "127.0.0.1", "--port", port, "--no-reconnect", "hello", "world")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)
}

func TestSend_NothingToSend(t *testing.T) {
	isolate(t)
	_, err := run(t, "send")
	assert.Error(t, err)
}

func TestRequest_Correlate(t *testing.T) {
	isolate(t)
	port := startServer(t, config.Default(), "correlate")

	out, err := run(t, "request", "--host", "127.0.0.1", "--port", port, "--type", "7", "--no-reconnect", "ping")
	require.NoError(t, err)
	assert.Equal(t, "7 PING\n", out)
}

func TestRequest_Refused(t *testing.T) {
	isolate(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	_, err = run(t, "request", "--host", "127.0.0.1", "--port", port, "--no-reconnect", "ping")
	assert.Error(t, err)
}

// writeTLSFiles writes a self-signed certificate usable by both ends and
// returns a config file enabling it.
func writeTLSFiles(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "duplexd-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	cfgFile := filepath.Join(dir, "duplexd.yaml")
	body := fmt.Sprintf("tls:\n  cert_file: %s\n  key_file: %s\n  ca_file: %s\n", certFile, keyFile, certFile)
	require.NoError(t, os.WriteFile(cfgFile, []byte(body), 0o600))
	return cfgFile
}

func TestRequest_TLS(t *testing.T) {
	isolate(t)
	cfgFile := writeTLSFiles(t)

	cfg, err := config.Load(cfgFile)
	require.NoError(t, err)
	port := startServer(t, cfg, "correlate")

	out, err := run(t, "--config", cfgFile, "request", "--host", "127.0.0.1", "--port", port, "--no-reconnect", "secure")
	require.NoError(t, err)
	assert.Equal(t, "1 SECURE\n", out)
}

func TestServerOptions_UnknownMode(t *testing.T) {
	_, err := testEnv(config.Default()).serverOptions("relay")
	assert.Error(t, err)
}

func TestClientOptions_Backoff(t *testing.T) {
	cfg := config.Default()
	withBackoff := len(testEnv(cfg).clientOptions())

	cfg.Client.MaxReconnectDelay = 0
	assert.Equal(t, withBackoff-1, len(testEnv(cfg).clientOptions()))
}

func TestLoadPool(t *testing.T) {
	pool, err := loadPool("")
	require.NoError(t, err)
	assert.Nil(t, pool)

	_, err = loadPool(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not pem"), 0o600))
	_, err = loadPool(empty)
	assert.Error(t, err)
}

func TestTLSLoad_MissingKey(t *testing.T) {
	tc := config.TLSConfig{CertFile: "nope.pem", KeyFile: "nope.key"}
	_, err := clientHandshaker(tc)
	assert.Error(t, err)
	_, err = serverTLSConfig(tc)
	assert.Error(t, err)
}
