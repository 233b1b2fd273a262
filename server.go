package duplex

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jbackoff "github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
)

// ErrUnknownConnection is returned by Server.Send for an id not in the registry.
var ErrUnknownConnection = errors.New("unknown connection id")

// Server accepts TCP connections, runs each one as a Conn and keeps them in
// a registry keyed by a generated id. A stopped server can be started again.
type Server struct {
	opts   serverOptions
	logger Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	running  bool

	conns    *registry
	failures atomic.Uint64
	wg       sync.WaitGroup
}

type serverOptions struct {
	logger    Logger
	encoding  encoding.Encoding
	keepAlive KeepAlive
	host      string

	newID        func() string
	onConnect    func(*Conn)
	onMessage    func(*Conn, Message) error
	onDisconnect func(*Conn, error)
	onError      func(error) ErrorAction

	tlsConfig        *tls.Config
	handshakeTimeout time.Duration

	maxAcceptFailures int
	acceptBackoff     jbackoff.Backoff
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// ServerLoggerOption sets the logger for the server and its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(o *serverOptions) {
		if logger == nil {
			logger = NopLogger()
		}
		o.logger = logger
	}
}

// ServerEncodingOption sets the text encoding used by Conn.SendString. Default UTF-8.
func ServerEncodingOption(enc encoding.Encoding) ServerOption {
	return func(o *serverOptions) {
		o.encoding = enc
	}
}

// ServerKeepAliveOption overrides the keep-alive tuning of accepted sockets.
func ServerKeepAliveOption(ka KeepAlive) ServerOption {
	return func(o *serverOptions) {
		o.keepAlive = ka
	}
}

// ServerHostOption binds the listener to one interface. Default is all interfaces.
func ServerHostOption(host string) ServerOption {
	return func(o *serverOptions) {
		o.host = host
	}
}

// ServerIDOption replaces the connection id generator. Default is a random UUID.
func ServerIDOption(fn func() string) ServerOption {
	return func(o *serverOptions) {
		o.newID = fn
	}
}

// OnConnectOption is called for every accepted connection after it is registered.
func OnConnectOption(cb func(*Conn)) ServerOption {
	return func(o *serverOptions) {
		o.onConnect = cb
	}
}

// OnConnMessageOption is called on the connection's receive loop for every
// inbound message.
func OnConnMessageOption(cb func(*Conn, Message) error) ServerOption {
	return func(o *serverOptions) {
		o.onMessage = cb
	}
}

// OnDisconnectOption is called after a connection's loops exited and it was
// removed from the registry.
func OnDisconnectOption(cb func(*Conn, error)) ServerOption {
	return func(o *serverOptions) {
		o.onDisconnect = cb
	}
}

// OnConnErrorOption decides what happens when a message handler fails.
func OnConnErrorOption(cb func(error) ErrorAction) ServerOption {
	return func(o *serverOptions) {
		o.onError = cb
	}
}

// ServerTLSOption wraps every accepted socket in a TLS server handshake.
func ServerTLSOption(cfg *tls.Config) ServerOption {
	return func(o *serverOptions) {
		o.tlsConfig = cfg
	}
}

// ServerHandshakeTimeoutOption bounds the TLS server handshake. Default 10s.
func ServerHandshakeTimeoutOption(timeout time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.handshakeTimeout = timeout
	}
}

// MaxAcceptFailuresOption stops the accept loop after n consecutive accept
// failures. Zero, the default, retries forever.
func MaxAcceptFailuresOption(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxAcceptFailures = n
	}
}

func checkServerOptions(o *serverOptions) {
	if o.logger == nil {
		o.logger = defaultLogger()
	}
	if o.encoding == nil {
		o.encoding = UTF8
	}
	if o.keepAlive == (KeepAlive{}) {
		o.keepAlive = DefaultServerKeepAlive
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.onError == nil {
		o.onError = func(error) ErrorAction { return Disconnect }
	}
	if o.handshakeTimeout <= 0 {
		o.handshakeTimeout = 10 * time.Second
	}
	o.acceptBackoff = jbackoff.Backoff{
		Factor: 2,
		Jitter: true,
		Min:    5 * time.Millisecond,
		Max:    time.Second,
	}
}

// NewServer creates a stopped server.
func NewServer(opt ...ServerOption) *Server {
	var opts serverOptions
	for _, o := range opt {
		o(&opts)
	}
	checkServerOptions(&opts)

	return &Server{
		opts:   opts,
		logger: opts.logger,
		conns:  newRegistry(),
	}
}

// Start binds port on the configured host and begins accepting in the
// background. Port 0 picks a free port; see Addr. Canceling ctx stops the
// server like Stop does, except that Stop also waits.
func (s *Server) Start(ctx context.Context, port uint16, bufferSize int) error {
	if bufferSize == 0 {
		bufferSize = DefaultBufferSize
	}
	if bufferSize < 0 {
		return errors.Wrapf(ErrInvalidBufferSize, "%d", bufferSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrServerStarted
	}

	lc := net.ListenConfig{KeepAliveConfig: s.opts.keepAlive.config()}
	addr := net.JoinHostPort(s.opts.host, strconv.Itoa(int(port)))
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.listener = listener
	s.cancel = cancel
	s.running = true
	s.failures.Store(0)

	s.logger.Info("server started", "addr", listener.Addr())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		<-runCtx.Done()
		// unblock Accept
		_ = listener.Close()
	}()
	go s.acceptLoop(runCtx, listener, bufferSize)

	return nil
}

// Stop closes the listener and every accepted connection, then waits for
// all loops to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServerStopped
	}
	s.running = false
	cancel := s.cancel
	listener := s.listener
	s.mu.Unlock()

	cancel()
	err := listener.Close()

	for _, conn := range s.conns.list() {
		_ = conn.Close()
	}
	s.wg.Wait()

	s.logger.Info("server stopped", "addr", listener.Addr())
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// abort shuts the server down from inside the accept loop: the listener is
// released and accepted connections are closed, without waiting for their
// loops. A later Start is allowed.
func (s *Server) abort(listener net.Listener) {
	s.mu.Lock()
	if !s.running || s.listener != listener {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	_ = listener.Close()
	for _, conn := range s.conns.list() {
		_ = conn.Close()
	}
}

// Running reports whether Start succeeded and the server has not stopped,
// either through Stop or because the accept loop gave up.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the listener's address, or nil when the server never started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Conn returns the registered connection with the given id.
func (s *Server) Conn(id string) (*Conn, bool) {
	return s.conns.get(id)
}

// Conns returns a snapshot of all registered connections.
func (s *Server) Conns() []*Conn {
	return s.conns.list()
}

// Len returns the number of registered connections.
func (s *Server) Len() int {
	return s.conns.len()
}

// Send queues data on the connection with the given id.
func (s *Server) Send(id string, data []byte) error {
	conn, ok := s.conns.get(id)
	if !ok {
		return errors.Wrap(ErrUnknownConnection, id)
	}
	return conn.Send(data)
}

// Broadcast queues data on every registered connection and returns how many accepted it.
func (s *Server) Broadcast(data []byte) int {
	sent := 0
	for _, conn := range s.conns.list() {
		if conn.Send(data) == nil {
			sent++
		}
	}
	return sent
}

// AcceptFailures returns the number of failed accepts since Start.
func (s *Server) AcceptFailures() uint64 {
	return s.failures.Load()
}

// acceptLoop logs and paces accept failures instead of returning on them.
// It ends when ctx is canceled or the consecutive failure bound is hit.
func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, bufferSize int) {
	defer s.wg.Done()

	pacing := s.opts.acceptBackoff
	consecutive := 0

	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			s.failures.Add(1)
			consecutive++
			if s.opts.maxAcceptFailures > 0 && consecutive > s.opts.maxAcceptFailures {
				s.logger.Error("accept loop stopped", "addr", listener.Addr(), "error",
					errors.Wrap(ErrTooManyAcceptFailures, err.Error()))
				s.abort(listener)
				return
			}

			delay := pacing.Duration()
			s.logger.Error("accept error", "error", err, "consecutive", consecutive, "retry_in", delay)
			if sleep(ctx, delay) != nil {
				return
			}
			continue
		}

		consecutive = 0
		pacing.Reset()

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		s.wg.Add(1)
		go s.handle(ctx, raw, bufferSize)
	}
}

// handle prepares one accepted socket, registers it and runs it to completion.
func (s *Server) handle(ctx context.Context, raw net.Conn, bufferSize int) {
	defer s.wg.Done()

	if tcp, ok := raw.(*net.TCPConn); ok {
		if err := tuneAccepted(tcp, s.opts.keepAlive); err != nil {
			s.logger.Warn("configure socket", "remote_addr", raw.RemoteAddr(), "error", err)
		}
	}

	stream := raw
	if s.opts.tlsConfig != nil {
		tc := tls.Server(raw, s.opts.tlsConfig)
		hctx, cancel := context.WithTimeout(ctx, s.opts.handshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			s.logger.Warn("tls handshake failed", "remote_addr", raw.RemoteAddr(), "error", err)
			_ = raw.Close()
			return
		}
		stream = tc
	}

	conn := newConn(stream, s.opts.newID(), bufferSize, options{
		logger:   s.logger,
		encoding: s.opts.encoding,
		onError:  s.opts.onError,
	}, nil)
	if s.opts.onMessage != nil {
		conn.OnMessage(func(m Message) error {
			return s.opts.onMessage(conn, m)
		})
	}

	s.conns.add(conn)
	if s.opts.onConnect != nil {
		s.opts.onConnect(conn)
	}

	err := conn.Run(ctx)

	s.conns.remove(conn)
	if s.opts.onDisconnect != nil {
		s.opts.onDisconnect(conn, err)
	}
}
