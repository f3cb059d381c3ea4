// Package server owns the relay listener: it accepts inbound connections and
// hands each one to its own goroutine until a stop is requested.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ConnHandler handles one inbound connection and is responsible for closing it.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// State is the process-wide stop signal. It starts running, moves to stopped
// at most once and is never reset.
type State struct {
	once    sync.Once
	stopped atomic.Bool
	done    chan struct{}
}

// NewState creates a running State.
func NewState() *State {
	return &State{done: make(chan struct{})}
}

// Stop marks the state stopped. Safe to call more than once and from any goroutine.
func (s *State) Stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.done)
	})
}

// Stopped reports whether Stop has been called.
func (s *State) Stopped() bool {
	return s.stopped.Load()
}

// Done is closed once Stop has been called.
func (s *State) Done() <-chan struct{} {
	return s.done
}

// Server is the accept loop of the relay port.
type Server struct {
	handler ConnHandler
	state   *State
	logger  *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New creates a Server.
func New(h ConnHandler, state *State, logger *slog.Logger) *Server {
	return &Server{
		handler: h,
		state:   state,
		logger:  logger.With("component", "server"),
	}
}

// Listen binds addr. A bind failure is returned to the caller, which treats
// it as fatal.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until the state is stopped or ctx is canceled,
// spawning one goroutine per connection. It returns nil on a requested stop.
// Handlers still running when Serve returns are not waited for; use Wait.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("serve: Listen has not been called")
	}

	// Closing the listener is what unblocks Accept once a stop arrives.
	go func() {
		select {
		case <-s.state.Done():
		case <-ctx.Done():
			s.state.Stop()
		}
		_ = ln.Close()
	}()

	s.logger.Info("started", "addr", ln.Addr().String())

	var tempDelay time.Duration
	for !s.state.Stopped() {
		conn, err := ln.Accept()
		if err != nil {
			if s.state.Stopped() || errors.Is(err, net.ErrClosed) {
				break
			}
			// Resource errors such as EMFILE must not end the loop.
			tempDelay = backoff(tempDelay)
			s.logger.Warn("accept error; retrying", "err", err, "delay", tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}

	s.logger.Info("server was stopped")
	return nil
}

// Stop requests the accept loop to end. Further connection attempts fail
// once the listener is closed.
func (s *Server) Stop() {
	s.state.Stop()
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}

// Wait blocks until every spawned handler has returned or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serveConn isolates a handler: a panic is logged and the connection closed,
// the listener keeps running.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				"panic", r,
				"remote_addr", conn.RemoteAddr().String(),
				"stack", string(debug.Stack()),
			)
			_ = conn.Close()
		}
	}()
	s.handler.ServeConn(ctx, conn)
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
