package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// handlerFunc adapts a function to ConnHandler.
type handlerFunc func(ctx context.Context, conn net.Conn)

func (f handlerFunc) ServeConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer binds a loopback port and runs Serve in the background. The
// returned channel yields Serve's result.
func startServer(t *testing.T, ctx context.Context, h ConnHandler) (*Server, <-chan error) {
	t.Helper()
	srv := New(h, NewState(), discardLogger())
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()
	t.Cleanup(srv.Stop)
	return srv, errc
}

func waitServe(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after stop")
	}
}

func TestState_StopOnce(t *testing.T) {
	s := NewState()
	if s.Stopped() {
		t.Fatal("new State is stopped")
	}

	s.Stop()
	s.Stop()

	if !s.Stopped() {
		t.Error("Stopped() = false after Stop")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after Stop")
	}
}

func TestListen_BindError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = taken.Close() }()

	srv := New(handlerFunc(func(context.Context, net.Conn) {}), NewState(), discardLogger())
	if err := srv.Listen(taken.Addr().String()); err == nil {
		t.Fatal("Listen() expected error for a port already in use, got nil")
	}
}

func TestServe_WithoutListen(t *testing.T) {
	srv := New(handlerFunc(func(context.Context, net.Conn) {}), NewState(), discardLogger())
	if err := srv.Serve(context.Background()); err == nil {
		t.Fatal("Serve() expected error before Listen, got nil")
	}
}

func TestServe_ConcurrentHandlers(t *testing.T) {
	release := make(chan struct{})
	var active atomic.Int32
	bothActive := make(chan struct{})

	h := handlerFunc(func(_ context.Context, conn net.Conn) {
		defer func() { _ = conn.Close() }()
		if active.Add(1) == 2 {
			close(bothActive)
		}
		<-release
	})
	srv, _ := startServer(t, context.Background(), h)
	defer close(release)

	for range 2 {
		conn, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer func() { _ = conn.Close() }()
	}

	select {
	case <-bothActive:
	case <-time.After(2 * time.Second):
		t.Fatal("second connection was not handled while the first handler was blocked")
	}
}

func TestServe_StopEndsAcceptLoop(t *testing.T) {
	h := handlerFunc(func(_ context.Context, conn net.Conn) { _ = conn.Close() })
	srv, errc := startServer(t, context.Background(), h)
	addr := srv.Addr().String()

	srv.Stop()
	waitServe(t, errc)

	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		_ = conn.Close()
		t.Error("dial succeeded after stop, want connection refused")
	}
}

func TestServe_StateStopFromHandler(t *testing.T) {
	state := NewState()
	h := handlerFunc(func(_ context.Context, conn net.Conn) {
		_ = conn.Close()
		state.Stop()
	})
	srv := New(h, state, discardLogger())
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background()) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.Close()

	waitServe(t, errc)
}

func TestServe_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := handlerFunc(func(_ context.Context, conn net.Conn) { _ = conn.Close() })
	srv, errc := startServer(t, ctx, h)

	cancel()
	waitServe(t, errc)

	if !srv.state.Stopped() {
		t.Error("state not stopped after context cancel")
	}
}

func TestServe_PanicIsolated(t *testing.T) {
	var calls atomic.Int32
	served := make(chan struct{})

	h := handlerFunc(func(_ context.Context, conn net.Conn) {
		if calls.Add(1) == 1 {
			panic("handler bug")
		}
		defer func() { _ = conn.Close() }()
		_, _ = conn.Write([]byte("ok"))
		close(served)
	})
	srv, _ := startServer(t, context.Background(), h)

	first, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// The panicking handler's connection is closed by the recovery.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _ = io.ReadAll(first)
	_ = first.Close()

	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial after panic: %v", err)
	}
	defer func() { _ = second.Close() }()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("listener stopped serving after a handler panic")
	}
}

func TestWait(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := handlerFunc(func(_ context.Context, conn net.Conn) {
		defer func() { _ = conn.Close() }()
		close(started)
		<-release
	})
	srv, errc := startServer(t, context.Background(), h)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	<-started

	srv.Stop()
	waitServe(t, errc)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := srv.Wait(ctx); err == nil {
		t.Fatal("Wait() returned nil while a handler is still running")
	}

	close(release)
	if err := srv.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}
