//go:build linux

package dispatch_test

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setPktInfo enables IP_PKTINFO on a listening UDP socket so tests can
// exercise the dispatcher's real ancillary-data destination-address
// recovery path instead of faking it.
func setPktInfo(rc syscall.RawConn) error {
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_PKTINFO, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// setReuseAddr enables SO_REUSEADDR on the listening UDP socket, as
// internal/listen does for production listeners, so the dispatcher's
// per-flow connected socket can bind the same local address and port.
func setReuseAddr(rc syscall.RawConn) error {
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
