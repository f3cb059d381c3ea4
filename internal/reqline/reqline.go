// Package reqline reads and parses the request line of the gateway's
// HTTP-like protocol directly off an unbuffered stream.
//
// The reader consumes one byte at a time and stops at the first carriage
// return, so nothing past the request line is taken from the connection.
package reqline

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ErrMalformed is returned for any request line that cannot be parsed.
var ErrMalformed = errors.New("malformed request line")

// MaxLineLength bounds the request line so a client cannot grow the buffer
// without limit.
const MaxLineLength = 8 << 10

// Request is a parsed request line.
type Request struct {
	Method   string
	Path     string
	Protocol string            // scheme only, the "/version" suffix is dropped
	Query    map[string]string // last value wins on duplicate keys
}

// Read reads a request line from r and parses it. End of stream before a
// carriage return is tolerated; the bytes read so far are parsed as the line.
func Read(r io.Reader) (*Request, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	return Parse(line)
}

func readLine(r io.Reader) (string, error) {
	var (
		line []byte
		b    [1]byte
	)
	for {
		n, err := r.Read(b[:])
		if n == 1 {
			if b[0] == '\r' {
				return string(line), nil
			}
			if len(line) >= MaxLineLength {
				return "", fmt.Errorf("%w: longer than %d bytes", ErrMalformed, MaxLineLength)
			}
			line = append(line, b[0])
		}
		if errors.Is(err, io.EOF) {
			return string(line), nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: read: %w", ErrMalformed, err)
		}
	}
}

// Parse decodes a request line of the form
//
//	METHOD TARGET PROTOCOL/VERSION
//
// The whole line is unescaped first; query keys and values are unescaped
// again after the target is split.
func Parse(line string) (*Request, error) {
	decoded, err := url.QueryUnescape(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	tokens := splitSpace(decoded)
	if len(tokens) != 3 {
		return nil, fmt.Errorf("%w: want 3 tokens, got %d", ErrMalformed, len(tokens))
	}

	protocol, _, _ := strings.Cut(tokens[2], "/")

	target, _, _ := strings.Cut(tokens[1], "#")
	path, rawQuery, _ := strings.Cut(target, "?")

	query, err := parseQuery(rawQuery)
	if err != nil {
		return nil, err
	}

	return &Request{
		Method:   tokens[0],
		Path:     path,
		Protocol: protocol,
		Query:    query,
	}, nil
}

// splitSpace splits s around every single whitespace byte. Adjacent
// separators produce empty tokens; trailing empty tokens are dropped.
func splitSpace(s string) []string {
	var tokens []string
	start := 0
	for i := 0; i < len(s); i++ {
		if isSpace(s[i]) {
			tokens = append(tokens, s[start:i])
			start = i + 1
		}
	}
	tokens = append(tokens, s[start:])
	return trimEmpty(tokens)
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func trimEmpty(tokens []string) []string {
	for len(tokens) > 0 && tokens[len(tokens)-1] == "" {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

func parseQuery(raw string) (map[string]string, error) {
	params := make(map[string]string)
	if raw == "" {
		return params, nil
	}

	for _, pair := range trimEmpty(strings.Split(raw, "&")) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: query pair %q has no '='", ErrMalformed, pair)
		}
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("%w: query key: %w", ErrMalformed, err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("%w: query value: %w", ErrMalformed, err)
		}
		params[key] = value
	}
	return params, nil
}
