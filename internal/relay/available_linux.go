package relay

import "golang.org/x/sys/unix"

// available returns the number of bytes queued for reading on fd.
func available(fd uintptr) (int, error) {
	return unix.IoctlGetInt(int(fd), unix.SIOCINQ)
}
