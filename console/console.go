// Package console serves remote control sessions of the operator. Every
// session runs its own script interpreter, sessions are independent of
// each other and only share the state machine.
package console

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/bci/log"
	"pipelined.dev/bci/operator"
	"pipelined.dev/bci/script"
)

// shutdownTimeout bounds graceful shutdown of http servers.
const shutdownTimeout = time.Second

// Server runs console sessions against the state machine.
type Server struct {
	sm      *operator.StateMachine
	logger  *logrus.Entry
	host    string
	version string

	mu       sync.Mutex
	closed   bool
	sessions map[string]io.Closer
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets server logger.
func WithLogger(l log.Logger) Option {
	return func(s *Server) {
		s.logger = log.Module(l, "Console")
	}
}

// New returns console server.
func New(sm *operator.StateMachine, options ...Option) *Server {
	s := Server{
		sm:       sm,
		logger:   log.Module(nil, "Console"),
		version:  sm.Config().Version,
		sessions: make(map[string]io.Closer),
	}
	s.host, _ = os.Hostname()
	for _, option := range options {
		option(&s)
	}
	return &s
}

// interpreter returns a new session interpreter. Watch changes are passed
// to sink.
func (s *Server) interpreter(sink func(operator.Change)) *script.Interpreter {
	return script.New(s.sm, script.WithLogger(s.logger), script.WithWatchSink(sink))
}

// track registers the session connection so it's closed on shutdown.
// Sessions started after shutdown are rejected.
func (s *Server) track(id string, c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[id] = c
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// closeSessions terminates all running sessions.
func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, c := range s.sessions {
		if err := c.Close(); err != nil {
			s.logger.Debugf("close session %s: %v", id, err)
		}
		delete(s.sessions, id)
	}
}

// Serve listens on the console addresses of cfg until ctx is done. Empty
// address disables the console.
func (s *Server) Serve(ctx context.Context, cfg operator.Config) error {
	type endpoint struct {
		address string
		serve   func(context.Context, net.Listener) error
	}
	endpoints := []endpoint{
		{address: cfg.Telnet, serve: s.ServeTelnet},
		{address: cfg.Websocket, serve: func(ctx context.Context, ln net.Listener) error {
			return s.serveHTTP(ctx, ln, http.HandlerFunc(s.websocket))
		}},
		{address: cfg.HTTP, serve: func(ctx context.Context, ln net.Listener) error {
			return s.serveHTTP(ctx, ln, s.Handler())
		}},
	}
	var listeners []net.Listener
	for _, e := range endpoints {
		if e.address == "" {
			listeners = append(listeners, nil)
			continue
		}
		ln, err := net.Listen("tcp", e.address)
		if err != nil {
			for _, ln := range listeners {
				if ln != nil {
					ln.Close()
				}
			}
			return err
		}
		s.logger.Infof("console listening on %s", ln.Addr())
		listeners = append(listeners, ln)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, e := range endpoints {
		ln, serve := listeners[i], e.serve
		if ln == nil {
			continue
		}
		g.Go(func() error {
			return serve(ctx, ln)
		})
	}
	err := g.Wait()
	s.closeSessions()
	return err
}

// serveHTTP serves h until ctx is done.
func (s *Server) serveHTTP(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := http.Server{Handler: h}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	// hijacked websocket connections aren't closed by the http server
	s.closeSessions()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if serr := <-errc; !errors.Is(serr, http.ErrServerClosed) && err == nil {
		err = serr
	}
	return err
}
