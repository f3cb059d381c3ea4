// Package relay implements the outbound side of an /ask call: one TCP
// connection per call, payload written, reply collected under a wait policy.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"httpask-go/internal/config"
	"httpask-go/internal/metrics"
	"httpask-go/internal/model"
)

// ErrInvalidArgument is returned for options that must never reach the socket
// layer: empty host, out-of-range port, negative limit or timeout.
var ErrInvalidArgument = errors.New("invalid argument")

// ConnectionError reports an outbound connect, write or read fault.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relay %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Client relays payloads to arbitrary TCP peers.
type Client struct {
	dialer  *net.Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a Client. The metrics parameter is optional; pass nil to
// disable relay metrics recording.
func NewClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		dialer: &net.Dialer{
			Timeout: time.Duration(cfg.Relay.DialTimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "relay_client"),
		metrics: m,
	}
}

// Relay opens a fresh connection to opts.Host:opts.Port, writes the payload,
// waits according to the options' policy and returns the bytes available at
// the end of the wait. The connection is closed before Relay returns.
//
// Running out of time with less data than the payload length is not an
// error: whatever is available (possibly nothing) is returned.
func (c *Client) Relay(ctx context.Context, opts *model.RelayOptions) ([]byte, error) {
	policy := opts.Policy()
	if err := validate(opts); err != nil {
		c.observe(policy, "invalid_argument", 0, 0)
		return nil, err
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	c.logger.Debug("relay",
		"addr", addr,
		"policy", policy,
		"half_close", opts.HalfClose,
		"payload_bytes", len(opts.Payload),
	)

	start := time.Now()
	reply, err := c.relay(ctx, addr, opts)
	duration := time.Since(start).Seconds()

	if err != nil {
		c.observe(policy, "connection_error", duration, 0)
		return nil, err
	}
	c.observe(policy, "ok", duration, len(reply))
	return reply, nil
}

func (c *Client) relay(ctx context.Context, addr string, opts *model.RelayOptions) ([]byte, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: addr, Err: err}
	}
	defer func() { _ = conn.Close() }()

	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, &ConnectionError{Op: "dial", Addr: addr, Err: fmt.Errorf("unexpected connection type %T", conn)}
	}

	if _, err := tc.Write(opts.Payload); err != nil {
		return nil, &ConnectionError{Op: "write", Addr: addr, Err: err}
	}

	// Half-close happens before the wait, whatever the policy.
	if opts.HalfClose {
		if err := tc.CloseWrite(); err != nil {
			return nil, &ConnectionError{Op: "shutdown", Addr: addr, Err: err}
		}
	}

	avail, err := wait(ctx, tc, opts)
	if err != nil {
		return nil, &ConnectionError{Op: "wait", Addr: addr, Err: err}
	}

	n := avail
	if opts.Limit != nil && *opts.Limit < n {
		n = *opts.Limit
	}
	if n == 0 {
		return []byte{}, nil
	}

	// The snapshot is already queued, so the read cannot block; the deadline
	// mirrors the per-read timeout of the wait.
	var deadline time.Time
	if opts.Timeout != nil && *opts.Timeout > 0 {
		deadline = time.Now().Add(*opts.Timeout)
	}
	if err := tc.SetReadDeadline(deadline); err != nil {
		return nil, &ConnectionError{Op: "read", Addr: addr, Err: err}
	}

	reply := make([]byte, n)
	if _, err := io.ReadFull(tc, reply); err != nil {
		return nil, &ConnectionError{Op: "read", Addr: addr, Err: err}
	}
	return reply, nil
}

// wait blocks until the policy's exit condition holds and returns the number
// of bytes queued on the socket at that moment. It sleeps on socket
// readiness rather than spinning; every wakeup re-evaluates the condition.
func wait(ctx context.Context, tc *net.TCPConn, opts *model.RelayOptions) (int, error) {
	done := exitCondition(opts)

	if opts.Timeout != nil {
		if err := tc.SetReadDeadline(time.Now().Add(*opts.Timeout)); err != nil {
			return 0, err
		}
	}

	// Cancellation interrupts the wait through the same deadline mechanism.
	stop := context.AfterFunc(ctx, func() {
		_ = tc.SetReadDeadline(time.Now())
	})
	defer stop()

	rc, err := tc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var avail int
	var ioctlErr error
	err = rc.Read(func(fd uintptr) bool {
		avail, ioctlErr = available(fd)
		if ioctlErr != nil {
			return true
		}
		return done(avail)
	})
	if ioctlErr != nil {
		return 0, ioctlErr
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if err == nil {
		return avail, nil
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, err
	}

	// Deadline reached: take a final snapshot of what arrived.
	cerr := rc.Control(func(fd uintptr) {
		avail, ioctlErr = available(fd)
	})
	if cerr != nil {
		return 0, cerr
	}
	if ioctlErr != nil {
		return 0, ioctlErr
	}
	return avail, nil
}

// exitCondition returns the predicate, over the number of queued bytes, that
// ends the wait for the options' policy.
func exitCondition(opts *model.RelayOptions) func(avail int) bool {
	want := len(opts.Payload)
	switch opts.Policy() {
	case model.PolicyLimit:
		// Literal condition: keep waiting only while under the payload length
		// and not past the limit. A burst above the limit, or an empty
		// payload, ends the wait on the first check.
		limit := *opts.Limit
		return func(avail int) bool {
			return !(avail < want && avail <= limit)
		}
	default:
		// An empty request still waits for some reply.
		if want == 0 {
			want = 1
		}
		return func(avail int) bool {
			return avail >= want
		}
	}
}

func validate(opts *model.RelayOptions) error {
	if opts.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidArgument)
	}
	if opts.Port < 1 || opts.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidArgument, opts.Port)
	}
	if opts.Limit != nil && *opts.Limit < 0 {
		return fmt.Errorf("%w: limit cannot be below zero", ErrInvalidArgument)
	}
	if opts.Timeout != nil && *opts.Timeout < 0 {
		return fmt.Errorf("%w: timeout cannot be below zero", ErrInvalidArgument)
	}
	return nil
}

func (c *Client) observe(policy, outcome string, duration float64, replyBytes int) {
	if c.metrics == nil {
		return
	}
	c.metrics.RelaysTotal.WithLabelValues(policy, outcome).Inc()
	if outcome == "invalid_argument" {
		return
	}
	c.metrics.RelayDuration.WithLabelValues(policy).Observe(duration)
	if outcome == "ok" {
		c.metrics.RelayReplyBytes.Observe(float64(replyBytes))
	}
}
