//go:build unix

package node

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets a restarted doctor bind its port while connections of the
// previous incarnation sit in TIME_WAIT.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
