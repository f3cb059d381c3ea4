// Package model defines shared types for the gateway.
package model

import "time"

// RelayOptions describes one outbound relay call built from an /ask request.
type RelayOptions struct {
	Host      string
	Port      int
	HalfClose bool
	Timeout   *time.Duration // nil means no deadline
	Limit     *int           // nil means no byte cap
	Payload   []byte
}

// Policy names the wait policy selected by the options. Timeout takes
// precedence over Limit.
func (o *RelayOptions) Policy() string {
	switch {
	case o.Timeout != nil:
		return PolicyTimeout
	case o.Limit != nil:
		return PolicyLimit
	default:
		return PolicyUnbounded
	}
}

// Wait policy names, also used as metric label values.
const (
	PolicyTimeout   = "timeout"
	PolicyLimit     = "limit"
	PolicyUnbounded = "unbounded"
)

// Response is the minimal status-line response written back to the caller.
type Response struct {
	StatusCode int
	Body       []byte
}
