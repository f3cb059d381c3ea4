// Package service turns /ask query parameters into relay calls.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"httpask-go/internal/model"
	"httpask-go/internal/relay"
)

// Query parameter names understood by /ask.
const (
	ParamHostname = "hostname"
	ParamPort     = "port"
	ParamShutdown = "shutdown"
	ParamLimit    = "limit"
	ParamTimeout  = "timeout"
	ParamString   = "string"
)

// Relayer performs one outbound relay call.
type Relayer interface {
	Relay(ctx context.Context, opts *model.RelayOptions) ([]byte, error)
}

// AskService validates /ask parameters and relays the payload.
type AskService struct {
	relayer Relayer
	logger  *slog.Logger
}

// NewAskService creates an AskService.
func NewAskService(r Relayer, logger *slog.Logger) *AskService {
	return &AskService{
		relayer: r,
		logger:  logger.With("component", "ask_service"),
	}
}

// Ask builds relay options from query and performs the relay. Validation
// failures wrap relay.ErrInvalidArgument and never touch the network.
func (s *AskService) Ask(ctx context.Context, query map[string]string) ([]byte, error) {
	opts, err := ParseOptions(query)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("ask",
		"host", opts.Host,
		"port", opts.Port,
		"policy", opts.Policy(),
	)

	reply, err := s.relayer.Relay(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("ask %s:%d: %w", opts.Host, opts.Port, err)
	}
	return reply, nil
}

// ParseOptions validates the /ask query parameters.
//
//	hostname  required, non-empty
//	port      required, digits only, 1-65535
//	shutdown  optional, "true" or "false" in any case, default false
//	limit     optional, digits only
//	timeout   optional, digits only, milliseconds
//	string    optional, payload encoded as UTF-8
func ParseOptions(query map[string]string) (*model.RelayOptions, error) {
	host, ok := query[ParamHostname]
	if !ok || host == "" {
		return nil, invalid("%s is required", ParamHostname)
	}

	rawPort, ok := query[ParamPort]
	if !ok {
		return nil, invalid("%s is required", ParamPort)
	}
	port, err := parseDigits(ParamPort, rawPort)
	if err != nil {
		return nil, err
	}
	if port < 1 || port > 65535 {
		return nil, invalid("%s %d out of range", ParamPort, port)
	}

	opts := &model.RelayOptions{
		Host:    host,
		Port:    port,
		Payload: []byte{},
	}

	if v, ok := query[ParamShutdown]; ok {
		switch strings.ToLower(v) {
		case "true":
			opts.HalfClose = true
		case "false":
		default:
			return nil, invalid("%s must be true or false; got %q", ParamShutdown, v)
		}
	}

	if v, ok := query[ParamLimit]; ok {
		limit, err := parseDigits(ParamLimit, v)
		if err != nil {
			return nil, err
		}
		opts.Limit = &limit
	}

	if v, ok := query[ParamTimeout]; ok {
		ms, err := parseDigits(ParamTimeout, v)
		if err != nil {
			return nil, err
		}
		timeout := time.Duration(ms) * time.Millisecond
		if timeout/time.Millisecond != time.Duration(ms) {
			return nil, invalid("%s %d overflows", ParamTimeout, ms)
		}
		opts.Timeout = &timeout
	}

	if v, ok := query[ParamString]; ok {
		opts.Payload = []byte(v)
	}

	return opts, nil
}

// parseDigits accepts only ASCII digits, so signs and spaces are rejected
// before strconv sees them.
func parseDigits(name, v string) (int, error) {
	if v == "" {
		return 0, invalid("%s must be digits; got empty value", name)
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, invalid("%s must be digits; got %q", name, v)
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalid("%s %q: %v", name, v, err)
	}
	return n, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", relay.ErrInvalidArgument, fmt.Sprintf(format, args...))
}
