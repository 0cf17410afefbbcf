// Package dispatch implements the UDP flow hand-off policy: sniff an incoming datagram for a session identifier or fall
// back to IP-only matching, look up the owning worker in the registry,
// build a freshly connected UDP socket bound to the observed
// destination address, and hand it to the worker's control channel as
// ancillary SCM_RIGHTS data.
//
//go:build linux

package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/govpngw/vpngwd/internal/metrics"
	"github.com/govpngw/vpngwd/internal/registry"
	"github.com/govpngw/vpngwd/internal/sniff"
)

// Outcome labels used for the udp_dispatch_total metric and in log lines.
const (
	OutcomeHit             = "hit"
	OutcomeMiss            = "miss"
	OutcomeDedupDrop       = "dedup_drop"
	OutcomeSniffReject     = "sniff_reject"
	OutcomeShortDatagram   = "short_datagram"
	OutcomeBadVersion      = "bad_version"
	OutcomeTrustedUnixDrop = "trusted_unix_drop"
	OutcomeSocketError     = "socket_error"
	OutcomeHandoffError    = "handoff_error"
	OutcomeBadSource       = "bad_source"
)

// dtlsRecordHeaderLen is the minimum datagram length before any field is
// inspected.
const dtlsRecordHeaderLen = 13

// contentTypeHandshake marks a candidate ClientHello.
const contentTypeHandshake = 22

// Config controls dispatch policy.
type Config struct {
	// UDPFDResendWindow is the dedup window for repeated hand-offs to the
	// same worker. Default 3s.
	UDPFDResendWindow time.Duration
	// TrustedUnixFrontend disables IP-only fallback matching when every
	// client arrives via a trusted UNIX front-end.
	TrustedUnixFrontend bool
	// UseApplicationIDExtension tells the sniffer to look for the custom
	// ApplicationID extension before falling back to the legacy SessionID.
	UseApplicationIDExtension bool
	// PMTUDiscovery is applied to the freshly created connected sockets,
	// matching the listener's own configuration.
	PMTUDiscovery bool
}

// ctrlSender is the narrow control-channel capability the dispatcher
// needs. registry.Proc.CtrlConn only promises Close(); dispatch asserts
// for this interface so registry stays independent of the wire protocol.
type ctrlSender interface {
	SendUDPFD(datagram []byte, hello bool, fd int) error
}

// Registry is the subset of *registry.Registry the dispatcher consumes.
type Registry interface {
	FindByDTLSID(id []byte) (*registry.Proc, bool)
	FindBySessionIDPrefix(id []byte) (*registry.Proc, bool)
	FindByClientIP(addr netip.Addr) (*registry.Proc, bool)
	SetDTLSID(p *registry.Proc, id []byte) error
	UpdateClientAddr(p *registry.Proc, addr netip.AddrPort)
}

// Dispatcher performs one hand-off attempt per readable event.
type Dispatcher struct {
	cfg     Config
	reg     Registry
	metrics *metrics.Collector
	logger  *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config, reg Registry, m *metrics.Collector, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, reg: reg, metrics: m, logger: logger.With(slog.String("component", "dispatch"))}
}

// ErrNoCtrlSender is returned when a matched Proc's control channel does
// not support SendUDPFD (should not happen outside of tests using fakes).
var ErrNoCtrlSender = errors.New("dispatch: proc control channel cannot carry a udp fd")

// HandleReadable receives exactly one datagram from conn and performs at
// most one hand-off attempt, never blocking on anything beyond the
// single recvmsg/sendmsg pair.
func (d *Dispatcher) HandleReadable(conn *net.UDPConn) error {
	buf := make([]byte, 65536)
	oob := make([]byte, 512)

	n, oobn, _, srcAddr, err := conn.ReadMsgUDP(buf, oob)
	if err != nil {
		return fmt.Errorf("recvmsg: %w", err)
	}
	datagram := buf[:n]

	remoteAddr, ok := netip.AddrFromSlice(srcAddr.IP)
	if !ok {
		d.metrics.IncUDPDispatch(OutcomeBadSource)
		return nil
	}
	remoteAddr = remoteAddr.Unmap()
	remote := netip.AddrPortFrom(remoteAddr, uint16(srcAddr.Port))

	local := d.localAddrPort(conn, oob[:oobn])

	if len(datagram) < dtlsRecordHeaderLen {
		d.metrics.IncUDPDispatch(OutcomeShortDatagram)
		return nil
	}
	if !validDTLSVersion(datagram) {
		d.metrics.IncUDPDispatch(OutcomeBadVersion)
		d.logger.Debug("udp datagram failed dtls version check", slog.String("remote", remote.String()))
		return nil
	}

	isClientHello := datagram[0] == contentTypeHandshake

	owner, dtlsID, hello, ok := d.findOwner(datagram, remoteAddr, isClientHello)
	if !ok {
		return nil
	}

	now := time.Now()
	if last := owner.LastHandoff(); !last.IsZero() && now.Sub(last) <= d.cfg.UDPFDResendWindow {
		d.metrics.IncUDPDispatch(OutcomeDedupDrop)
		return nil
	}

	sender, ok := owner.CtrlConn.(ctrlSender)
	if !ok {
		return fmt.Errorf("pid %d: %w", owner.PID, ErrNoCtrlSender)
	}

	fd, err := d.newConnectedSocket(local, remote)
	if err != nil {
		d.metrics.IncUDPDispatch(OutcomeSocketError)
		return fmt.Errorf("create connected udp socket: %w", err)
	}
	defer func() { _ = unix.Close(fd) }() // close exactly once, success or failure

	if err := sender.SendUDPFD(datagram, hello, fd); err != nil {
		d.metrics.IncUDPDispatch(OutcomeHandoffError)
		return fmt.Errorf("send udp fd to pid %d: %w", owner.PID, err)
	}

	owner.MarkHandoff(now)
	// RemoteAddr is refreshed on every successful hand-off, not only new
	// sessions, so FindByClientIP keeps matching across repeated NAT
	// rebinds.
	d.reg.UpdateClientAddr(owner, remote)
	if hello && dtlsID != nil && owner.DTLSID() == nil {
		if err := d.reg.SetDTLSID(owner, dtlsID); err != nil {
			d.logger.Warn("set dtls id failed", slog.Int("pid", owner.PID), slog.String("error", err.Error()))
		}
	}

	d.metrics.IncUDPDispatch(OutcomeHit)
	return nil
}

// findOwner classifies the datagram and looks up its owning worker,
// incrementing the appropriate metric and returning ok=false when the
// caller should stop processing this datagram.
func (d *Dispatcher) findOwner(datagram []byte, remoteAddr netip.Addr, isClientHello bool) (owner *registry.Proc, dtlsID []byte, hello bool, ok bool) {
	if isClientHello {
		id, err := sniff.Sniff(datagram, d.cfg.UseApplicationIDExtension)
		if err != nil {
			d.metrics.IncUDPDispatch(OutcomeSniffReject)
			return nil, nil, false, false
		}
		// A retransmitted or rebinding ClientHello hits the DTLS-ID index
		// directly; a brand-new session's first ClientHello echoes the
		// session token the worker issued during the TLS handshake, so it
		// is matched against the session-ID prefix instead.
		p, found := d.reg.FindByDTLSID(id)
		if !found {
			p, found = d.reg.FindBySessionIDPrefix(id)
		}
		if !found {
			d.metrics.IncUDPDispatch(OutcomeMiss)
			return nil, nil, false, false
		}
		return p, id, true, true
	}

	if d.cfg.TrustedUnixFrontend {
		d.metrics.IncUDPDispatch(OutcomeTrustedUnixDrop)
		return nil, nil, false, false
	}

	p, found := d.reg.FindByClientIP(remoteAddr)
	if !found {
		d.metrics.IncUDPDispatch(OutcomeMiss)
		return nil, nil, false, false
	}
	return p, nil, false, true
}

// validDTLSVersion checks the record-layer version bytes: DTLS 1.x major byte 0xFE, or the legacy
// byte pair (0x01, 0x00) some older clients still send.
func validDTLSVersion(datagram []byte) bool {
	if len(datagram) < 3 {
		return false
	}
	if datagram[1] == 0xFE {
		return true
	}
	return datagram[1] == 0x01 && datagram[2] == 0x00
}

// localAddrPort recovers the datagram's destination address via
// ancillary PKTINFO data, falling back to the listening socket's own
// bound address if the kernel didn't supply it.
func (d *Dispatcher) localAddrPort(conn *net.UDPConn, oob []byte) netip.AddrPort {
	port := uint16(0)
	fallback := netip.Addr{}
	if laddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		port = uint16(laddr.Port)
		if a, ok := netip.AddrFromSlice(laddr.IP); ok {
			fallback = a.Unmap()
		}
	}

	if addr, ok := parseDestAddr(oob); ok {
		return netip.AddrPortFrom(addr, port)
	}
	return netip.AddrPortFrom(fallback, port)
}

// parseDestAddr extracts the destination address from IP_PKTINFO /
// IPV6_PKTINFO ancillary data in ReadMsgUDP's oob buffer.
func parseDestAddr(oob []byte) (netip.Addr, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return netip.Addr{}, false
	}

	for i := range msgs {
		h := msgs[i].Header
		switch {
		case h.Level == unix.IPPROTO_IP && h.Type == unix.IP_PKTINFO && len(msgs[i].Data) >= 12:
			var ip4 [4]byte
			copy(ip4[:], msgs[i].Data[8:12])
			return netip.AddrFrom4(ip4), true
		case h.Level == unix.IPPROTO_IPV6 && h.Type == unix.IPV6_PKTINFO && len(msgs[i].Data) >= 16:
			var ip6 [16]byte
			copy(ip6[:], msgs[i].Data[0:16])
			return netip.AddrFrom16(ip6), true
		}
	}
	return netip.Addr{}, false
}

// newConnectedSocket creates a fresh datagram socket with the same
// family as local/remote, binds it to local, connects it to remote, and
// applies the same socket options the listener set uses. Returns the raw file descriptor; the caller owns it.
func (d *Dispatcher) newConnectedSocket(local, remote netip.AddrPort) (int, error) {
	network := "udp4"
	if local.Addr().Is6() && !local.Addr().Is4In6() {
		network = "udp6"
	}

	dialer := net.Dialer{
		LocalAddr: net.UDPAddrFromAddrPort(local),
		Control:   d.controlFunc(strings.HasSuffix(network, "6")),
	}

	conn, err := dialer.Dial(network, net.UDPAddrFromAddrPort(remote).String())
	if err != nil {
		return -1, fmt.Errorf("dial %s -> %s: %w", local, remote, err)
	}

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		_ = conn.Close()
		return -1, fmt.Errorf("unexpected conn type %T", conn)
	}

	file, err := udpConn.File()
	_ = udpConn.Close() // File() dups; close our copy immediately
	if err != nil {
		return -1, fmt.Errorf("dup connected udp socket: %w", err)
	}

	// Duplicate once more and close file, so no *os.File (and no finalizer)
	// still refers to the descriptor number handed to the caller.
	fd, err := unix.FcntlInt(file.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	_ = file.Close()
	if err != nil {
		return -1, fmt.Errorf("dup connected udp socket: %w", err)
	}
	return fd, nil
}

// controlFunc applies SO_REUSEADDR, IPV6_V6ONLY (for v6), PKTINFO, and
// optional PMTU discovery to the freshly created socket, matching
// internal/listen's bindUDP option set.
func (d *Dispatcher) controlFunc(isIPv6 bool) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			intFD := int(fd)
			if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
				return
			}
			if isIPv6 {
				if sockErr = unix.SetsockoptInt(intFD, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); sockErr != nil {
					return
				}
				if sockErr = unix.SetsockoptInt(intFD, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); sockErr != nil {
					return
				}
			} else {
				if sockErr = unix.SetsockoptInt(intFD, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); sockErr != nil {
					return
				}
			}
			if d.cfg.PMTUDiscovery && !isIPv6 {
				if sockErr = unix.SetsockoptInt(intFD, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); sockErr != nil {
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
