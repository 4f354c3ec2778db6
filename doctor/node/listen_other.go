//go:build !unix

package node

import "syscall"

func reuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
