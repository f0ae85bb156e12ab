// Package peer is the accepting side of a framehub connection. Each accepted
// socket becomes a Session whose inbound frames go to a Handler.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/framehub/internal/logging"
	"github.com/danmuck/framehub/internal/observability"
	"github.com/danmuck/framehub/internal/protocol"
	"github.com/danmuck/framehub/internal/protocol/frame"
	"github.com/danmuck/framehub/internal/transport"
	"github.com/rs/zerolog"
)

var ErrServerClosed = errors.New("peer: server closed")

type Handler interface {
	ServeFrame(ctx context.Context, s *Session, f frame.Frame) error
}

type HandlerFunc func(ctx context.Context, s *Session, f frame.Frame) error

func (fn HandlerFunc) ServeFrame(ctx context.Context, s *Session, f frame.Frame) error {
	return fn(ctx, s, f)
}

// EchoHandler writes every frame back to the session it came from.
func EchoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, s *Session, f frame.Frame) error {
		return s.Send(ctx, f)
	})
}

type Session struct {
	conn   *transport.Conn
	opened time.Time
}

func (s *Session) ID() string {
	return s.conn.ID()
}

func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

func (s *Session) Opened() time.Time {
	return s.opened
}

func (s *Session) Send(ctx context.Context, f frame.Frame) error {
	return s.conn.WriteFrame(ctx, f)
}

func (s *Session) Close() error {
	return s.conn.Close()
}

type SessionInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	Opened     time.Time `json:"opened"`
}

type Server struct {
	cfg     transport.Config
	handler Handler
	log     zerolog.Logger

	mu       sync.RWMutex
	ln       net.Listener
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(cfg transport.Config, handler Handler) *Server {
	if handler == nil {
		handler = EchoHandler()
	}
	observability.RegisterMetrics()
	return &Server{
		cfg:      cfg.WithDefaults(),
		handler:  handler,
		log:      logging.Component("peer"),
		sessions: make(map[string]*Session),
	}
}

// Listen binds addr. Use Addr to read back an ephemeral port.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("peer: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = ln.Close()
		return ErrServerClosed
	}
	if s.ln != nil {
		_ = ln.Close()
		return fmt.Errorf("peer: already listening on %s", s.ln.Addr())
	}
	s.ln = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("peer listening")
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop until ctx ends or Close is called. Both return
// nil.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	ln := s.ln
	s.mu.RUnlock()
	if ln == nil {
		return fmt.Errorf("peer: serve before listen")
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		sess := &Session{conn: transport.NewConn(raw, s.cfg), opened: time.Now()}
		if !s.track(sess) {
			_ = sess.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			s.serveSession(ctx, sess)
		}()
	}
}

func (s *Server) serveSession(ctx context.Context, sess *Session) {
	log := s.log.With().Str("session", sess.ID()).Str("remote", sess.RemoteAddr()).Logger()
	log.Info().Msg("session opened")
	defer func() {
		s.untrack(sess)
		_ = sess.Close()
		log.Info().Msg("session closed")
	}()

	for {
		f, err := sess.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFraming) {
				observability.RecordDispatch(observability.DispatchFraming)
				log.Warn().Err(err).Msg("skipping malformed frame")
				continue
			}
			if !errors.Is(err, protocol.ErrConnectionClosed) {
				log.Warn().Err(err).Msg("session read ended")
			}
			return
		}
		if err := s.handler.ServeFrame(ctx, sess, f); err != nil {
			log.Warn().Str("command", f.Command).Err(err).Msg("frame handler failed")
			if errors.Is(err, protocol.ErrConnectionClosed) {
				return
			}
		}
	}
}

// Broadcast writes f to every open session and returns how many writes
// succeeded. Failures are joined.
func (s *Server) Broadcast(ctx context.Context, f frame.Frame) (int, error) {
	var errs []error
	sent := 0
	for _, sess := range s.snapshot() {
		if err := sess.Send(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID(), err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions lists open sessions ordered by open time.
func (s *Server) Sessions() []SessionInfo {
	list := s.snapshot()
	out := make([]SessionInfo, 0, len(list))
	for _, sess := range list {
		out = append(out, SessionInfo{ID: sess.ID(), RemoteAddr: sess.RemoteAddr(), Opened: sess.opened})
	}
	return out
}

// Close stops accepting, closes every session and waits for their loops.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	for _, sess := range s.snapshot() {
		_ = sess.Close()
	}
	s.wg.Wait()
	s.log.Info().Msg("peer server closed")
	return err
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// track registers sess and counts its loop on wg under the same lock Close
// takes, so Close never waits on a count that is about to grow.
func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	s.sessions[sess.ID()] = sess
	observability.AddPeerSessions(1)
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID()]; ok {
		delete(s.sessions, sess.ID())
		observability.AddPeerSessions(-1)
	}
}

func (s *Server) snapshot() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].opened.Before(out[j].opened)
	})
	return out
}
