package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"httpask-go/internal/metrics"
	"httpask-go/internal/model"
	"httpask-go/internal/relay"
	"httpask-go/internal/reqline"
)

const contentType = "text/html; charset=utf-8"

// rstAvoidanceDelay is how long a connection stays open after its write side
// is shut down. The request line reader leaves at least the trailing "\n"
// unread, and closing a socket with unread input sends a RST that can discard
// the response on the client side.
const rstAvoidanceDelay = 500 * time.Millisecond

// Asker performs an /ask relay from parsed query parameters.
type Asker interface {
	Ask(ctx context.Context, query map[string]string) ([]byte, error)
}

// StopState is the process-wide stop signal.
type StopState interface {
	Stop()
	Stopped() bool
}

// ConnHandler serves exactly one request per inbound connection.
type ConnHandler struct {
	asker   Asker
	state   StopState
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewConnHandler creates a ConnHandler. The metrics parameter is optional.
func NewConnHandler(a Asker, state StopState, logger *slog.Logger, m *metrics.Metrics) *ConnHandler {
	return &ConnHandler{
		asker:   a,
		state:   state,
		logger:  logger.With("component", "conn_handler"),
		metrics: m,
	}
}

// ServeConn reads the request line, dispatches it, writes the response and
// closes conn. Nothing after the request line is read.
func (h *ConnHandler) ServeConn(ctx context.Context, conn net.Conn) {
	defer closeWriteAndWait(conn)

	if h.metrics != nil {
		h.metrics.ConnectionsInFlight.Inc()
		defer h.metrics.ConnectionsInFlight.Dec()
	}

	start := time.Now()
	h.logger.Debug("session started", "remote_ip", remoteIP(conn))
	defer h.logger.Debug("session terminated", "remote_ip", remoteIP(conn))

	var method, path string
	resp := model.Response{StatusCode: http.StatusBadRequest}

	req, err := reqline.Read(conn)
	if err != nil {
		h.logger.Debug("bad request line", "err", err, "remote_ip", remoteIP(conn))
	} else {
		method, path = req.Method, req.Path
		resp = h.dispatch(ctx, req)
	}

	n, err := writeResponse(conn, resp)
	if err != nil {
		h.logger.Error("writing response",
			"err", err,
			"path", path,
		)
	}

	h.logger.Info("request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"remote_ip", remoteIP(conn),
		"bytes_out", n,
	)
	h.observe(method, path, resp.StatusCode, time.Since(start))
}

func (h *ConnHandler) dispatch(ctx context.Context, req *reqline.Request) model.Response {
	switch {
	case req.Method == http.MethodGet && req.Path == "/ask" && strings.EqualFold(req.Protocol, "http"):
		return h.ask(ctx, req.Query)
	case req.Method == http.MethodGet && req.Path == "/stop":
		h.logger.Info("stop requested")
		h.state.Stop()
		return model.Response{StatusCode: http.StatusOK}
	default:
		return model.Response{StatusCode: http.StatusNotFound}
	}
}

func (h *ConnHandler) ask(ctx context.Context, query map[string]string) model.Response {
	reply, err := h.asker.Ask(ctx, query)
	if err == nil {
		return model.Response{StatusCode: http.StatusOK, Body: reply}
	}

	var connErr *relay.ConnectionError
	switch {
	case errors.Is(err, relay.ErrInvalidArgument):
		h.logger.Debug("invalid ask parameters", "err", err)
	case errors.As(err, &connErr):
		h.logger.Warn("relay failed", "op", connErr.Op, "addr", connErr.Addr, "err", connErr.Err)
	default:
		h.logger.Error("ask error", "err", err)
	}
	return model.Response{StatusCode: http.StatusBadRequest}
}

// writeResponse writes the status line, the fixed content type and the body
// in one write. There is no length header; the body ends when the connection
// closes.
func writeResponse(conn net.Conn, resp model.Response) (int, error) {
	head := fmt.Sprintf("HTTP/1.0 %d\r\nContent-Type: %s\r\n\r\n", resp.StatusCode, contentType)
	buf := make([]byte, 0, len(head)+len(resp.Body))
	buf = append(buf, head...)
	buf = append(buf, resp.Body...)
	return conn.Write(buf)
}

// closeWriteAndWait sends FIN after the response, lingers briefly, then
// closes the connection.
func closeWriteAndWait(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			time.Sleep(rstAvoidanceDelay)
		}
	}
	_ = conn.Close()
}

func (h *ConnHandler) observe(method, path string, status int, d time.Duration) {
	if h.metrics == nil {
		return
	}
	code := strconv.Itoa(status)
	m := metrics.NormalizeMethod(method)
	p := h.metrics.NormalizePath(path)
	h.metrics.RequestsTotal.WithLabelValues(m, code, p).Inc()
	h.metrics.RequestDuration.WithLabelValues(m, code, p).Observe(d.Seconds())
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
