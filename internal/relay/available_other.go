//go:build !linux

package relay

import (
	"errors"
	"fmt"
	"runtime"
)

func available(uintptr) (int, error) {
	return 0, fmt.Errorf("bytes-available query on %s: %w", runtime.GOOS, errors.ErrUnsupported)
}
