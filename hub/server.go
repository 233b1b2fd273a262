package hub

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"

	"github.com/Zereker/duplex"
	"github.com/Zereker/duplex/correlation"
)

// Session is one connected hub client as seen by the server.
type Session struct {
	id      string
	addr    net.Addr
	channel *correlation.Channel
	ctx     context.Context
}

// ID returns the server-assigned session id.
func (s *Session) ID() string { return s.id }

// Addr returns the peer address, if gRPC knows it.
func (s *Session) Addr() net.Addr { return s.addr }

// Channel returns the correlation channel to this client.
func (s *Session) Channel() *correlation.Channel { return s.channel }

// Context is canceled when the stream ends.
func (s *Session) Context() context.Context { return s.ctx }

// Server accepts hub streams and keeps one Session per stream.
type Server struct {
	opts   options
	logger duplex.Logger
	grpc   *grpc.Server

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewServer creates a hub server. Call Serve to start accepting streams.
func NewServer(opt ...Option) *Server {
	opts := newOptions(opt...)
	if opts.newID == nil {
		opts.newID = uuid.NewString
	}

	s := &Server{
		opts:     opts,
		logger:   opts.logger,
		grpc:     grpc.NewServer(opts.server...),
		sessions: make(map[string]*Session),
	}
	s.grpc.RegisterService(&serviceDesc, &service{s: s})
	return s
}

// Serve accepts connections on lis until Stop. It blocks.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("hub serving", "addr", lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop ends every stream and closes the listeners. Pending requests on the
// sessions fail with correlation.ErrDisconnected.
func (s *Server) Stop() {
	s.grpc.Stop()
	s.logger.Info("hub stopped")
}

// Session returns the session with the given id.
func (s *Server) Session(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns a snapshot of the connected sessions.
func (s *Server) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of connected sessions.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

type service struct {
	s *Server
}

// Connect serves one client stream for its whole lifetime.
func (svc *service) Connect(stream grpc.ServerStream) error {
	s := svc.s

	link := newStreamLink(stream)
	sess := &Session{
		id:      s.opts.newID(),
		channel: correlation.New(link, s.opts.channelOptions()...),
		ctx:     stream.Context(),
	}
	if p, ok := peer.FromContext(stream.Context()); ok {
		sess.addr = p.Addr
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Info("hub session started", "session", sess.id, "addr", sess.addr)
	if s.opts.onSession != nil {
		s.opts.onSession(sess)
	}

	err := link.recvLoop()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	_ = sess.channel.Close()

	if err != nil {
		s.logger.Info("hub session ended with error", "session", sess.id, "error", err)
	} else {
		s.logger.Info("hub session ended", "session", sess.id)
	}
	if s.opts.onSessionEnd != nil {
		s.opts.onSessionEnd(sess, err)
	}
	return err
}
