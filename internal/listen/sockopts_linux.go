//go:build linux

package listen

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlFunc returns a net.ListenConfig.Control callback applying the
// UDP listener socket options: SO_REUSEADDR, IPV6_V6ONLY on AF_INET6
// (so a separate IPv4 socket can bind the same port), and
// IP_PKTINFO/IPV6_RECVPKTINFO so the dispatcher can recover each
// datagram's destination address, plus path-MTU discovery. TCP sockets
// are built by listenStreamSocket instead and never pass through here.
func controlFunc(pmtuDiscovery bool) func(network, address string, c syscall.RawConn) error {
	return func(network, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			intFD := int(fd)

			if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
				sockErr = fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
				return
			}

			if strings.HasSuffix(network, "6") {
				if sockErr = unix.SetsockoptInt(intFD, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); sockErr != nil {
					sockErr = fmt.Errorf("set IPV6_V6ONLY: %w", sockErr)
					return
				}
				if sockErr = unix.SetsockoptInt(intFD, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); sockErr != nil {
					sockErr = fmt.Errorf("set IPV6_RECVPKTINFO: %w", sockErr)
					return
				}
				return
			}

			if sockErr = unix.SetsockoptInt(intFD, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); sockErr != nil {
				sockErr = fmt.Errorf("set IP_PKTINFO: %w", sockErr)
				return
			}

			if pmtuDiscovery {
				if sockErr = enablePMTUDiscovery(intFD); sockErr != nil {
					return
				}
			}
		})
		if err != nil {
			return fmt.Errorf("raw conn control: %w", err)
		}
		return sockErr
	}
}

// enablePMTUDiscovery sets IP_MTU_DISCOVER on an IPv4 UDP socket so
// fragmentation is disabled end to end and the stack reports a clean
// "message too long" instead of silently fragmenting.
func enablePMTUDiscovery(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
		return fmt.Errorf("set IP_MTU_DISCOVER: %w", err)
	}
	return nil
}

// listenStreamSocket builds a TCP listening socket by hand —
// socket/setsockopt/bind/listen over raw descriptors — because
// net.ListenConfig issues its own listen(2) call with a fixed backlog
// after the Control callback runs, leaving no way to honor the
// configured value through it. addr is a literal "ip:port" or ":port"
// wildcard, as produced by resolveAddrs.
func listenStreamSocket(addr string, backlog int) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split host:port %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q in %q", portStr, addr)
	}

	var (
		domain int
		sa     unix.Sockaddr
		isIPv6 bool
	)
	switch {
	case host == "":
		// Wildcard: one dual-stack AF_INET6 socket with the kernel's
		// default v6only setting, matching what net.Listen(":port") binds.
		domain = unix.AF_INET6
		sa = &unix.SockaddrInet6{Port: port}
	default:
		ip, perr := netip.ParseAddr(host)
		if perr != nil {
			return nil, fmt.Errorf("parse listen address %q: %w", host, perr)
		}
		if ip.Is4() || ip.Is4In6() {
			domain = unix.AF_INET
			sa4 := &unix.SockaddrInet4{Port: port}
			sa4.Addr = ip.Unmap().As4()
			sa = sa4
		} else {
			domain = unix.AF_INET6
			isIPv6 = true
			sa6 := &unix.SockaddrInet6{Port: port}
			sa6.Addr = ip.As16()
			sa = sa6
		}
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if isIPv6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("set IPV6_V6ONLY: %w", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	f := os.NewFile(uintptr(fd), "tcp-listener")
	ln, err := net.FileListener(f)
	_ = f.Close() // FileListener dups the fd; this closes the original.
	if err != nil {
		return nil, fmt.Errorf("wrap listener fd: %w", err)
	}
	return ln, nil
}

func setUmask(mask int) int {
	return unix.Umask(mask)
}

func restoreUmask(old int) {
	unix.Umask(old)
}
