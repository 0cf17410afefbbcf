// Package listen owns the supervisor's bound TCP, UDP, and UNIX sockets.
// Construction enumerates three sources in order and
// stops at the first that yields at least one usable socket for a given
// role: inherited activation sockets, then explicit configured
// addresses, then a UNIX domain socket.
package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/activation"
)

// Kind distinguishes the transport a Listener serves.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
	KindUnix
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindUnix:
		return "unix"
	default:
		return "unknown"
	}
}

// DefaultBacklog is the stream listen backlog used when Config.Backlog
// is zero.
const DefaultBacklog = 1024

// Config describes the listener set's bind targets (internal/config's
// ListenConfig maps onto this at the call site so that this package
// stays independent of the config package).
type Config struct {
	TCPAddr             string
	UDPAddr             string
	UnixPath            string
	UnixUID             int
	UnixGID             int
	UnixMode            os.FileMode
	TrustedUnixFrontend bool
	Backlog             int
	PMTUDiscovery       bool
}

// Listener is an immutable-after-construction bound socket:
// file descriptor, address family, socket kind, protocol, and bound
// local address are all fixed at creation.
type Listener struct {
	Kind      Kind
	LocalAddr net.Addr

	// StreamLn is set for KindTCP/KindUnix.
	StreamLn net.Listener
	// PacketConn is set for KindUDP.
	PacketConn *net.UDPConn

	// FromActivation records whether this listener was adopted from the
	// supervising init system rather than bound directly, purely for
	// logging/metrics.
	FromActivation bool
}

// Close closes the underlying socket.
func (l *Listener) Close() error {
	switch l.Kind {
	case KindUDP:
		if l.PacketConn != nil {
			return l.PacketConn.Close()
		}
	default:
		if l.StreamLn != nil {
			return l.StreamLn.Close()
		}
	}
	return nil
}

// Set is the supervisor's owned collection of listeners.
type Set struct {
	TCP  []*Listener
	UDP  []*Listener
	Unix *Listener
}

// All returns every listener in the set, for the event loop to fan out
// readiness watchers over.
func (s *Set) All() []*Listener {
	out := make([]*Listener, 0, len(s.TCP)+len(s.UDP)+1)
	out = append(out, s.TCP...)
	out = append(out, s.UDP...)
	if s.Unix != nil {
		out = append(out, s.Unix)
	}
	return out
}

// Close closes every listener in the set, collecting (not stopping on)
// individual failures.
func (s *Set) Close() error {
	var joined error
	for _, l := range s.All() {
		if err := l.Close(); err != nil {
			joined = errors.Join(joined, err)
		}
	}
	return joined
}

// ErrNoUsableListeners is returned by Build when every configured role
// failed to produce a single usable socket.
var ErrNoUsableListeners = errors.New("listen: no usable listeners")

// Build enumerates activation sockets, then explicit TCP/UDP addresses,
// then a UNIX domain socket, returning the first usable source for each
// role. A resolve/bind failure on an individual address is logged but
// does not abort startup; Build only fails if the
// resulting Set is completely empty.
func Build(ctx context.Context, cfg Config, logger *slog.Logger) (*Set, error) {
	logger = logger.With(slog.String("component", "listen"))

	set := &Set{}

	activated := adoptActivationSockets(logger)

	set.TCP = append(set.TCP, activated.TCP...)
	set.UDP = append(set.UDP, activated.UDP...)
	if activated.Unix != nil {
		set.Unix = activated.Unix
	}

	if len(set.TCP) == 0 && cfg.TCPAddr != "" {
		set.TCP = bindTCP(cfg, logger)
	}
	if len(set.UDP) == 0 && cfg.UDPAddr != "" {
		set.UDP = bindUDP(ctx, cfg, logger)
	}
	if set.Unix == nil && cfg.UnixPath != "" {
		if l, err := bindUnix(cfg, logger); err != nil {
			logger.Error("bind unix listener failed", slog.String("error", err.Error()))
		} else {
			set.Unix = l
		}
	}

	if len(set.All()) == 0 {
		return nil, ErrNoUsableListeners
	}

	return set, nil
}

// adoptActivationSockets adopts sockets passed by a supervising init
// system via systemd socket activation. Each adopted socket's local port
// is re-derived from the OS (getsockname) rather than assumed, since
// activation provides no port metadata of its own beyond the bound
// socket itself.
func adoptActivationSockets(logger *slog.Logger) *Set {
	set := &Set{}

	files := activation.Files(false)
	if len(files) == 0 {
		return set
	}

	for _, f := range files {
		ln, err := net.FileListener(f)
		if err == nil {
			switch ln.Addr().Network() {
			case "unix":
				set.Unix = &Listener{Kind: KindUnix, LocalAddr: ln.Addr(), StreamLn: ln, FromActivation: true}
			default:
				set.TCP = append(set.TCP, &Listener{Kind: KindTCP, LocalAddr: ln.Addr(), StreamLn: ln, FromActivation: true})
			}
			_ = f.Close()
			continue
		}

		pc, pcErr := net.FilePacketConn(f)
		if pcErr != nil {
			logger.Warn("activation socket is neither a stream listener nor a packet conn",
				slog.String("error", errors.Join(err, pcErr).Error()))
			_ = f.Close()
			continue
		}
		if udpConn, ok := pc.(*net.UDPConn); ok {
			set.UDP = append(set.UDP, &Listener{Kind: KindUDP, LocalAddr: pc.LocalAddr(), PacketConn: udpConn, FromActivation: true})
		}
		_ = f.Close()
	}

	if n := len(set.TCP) + len(set.UDP); n > 0 || set.Unix != nil {
		logger.Info("adopted activation sockets", slog.Int("tcp", len(set.TCP)), slog.Int("udp", len(set.UDP)))
	}

	return set
}

// bindTCP resolves cfg.TCPAddr to all matching addresses and binds
// each. Sockets are built by hand rather than through net.ListenConfig
// so the configured listen backlog reaches listen(2).
func bindTCP(cfg Config, logger *slog.Logger) []*Listener {
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	addrs, err := resolveAddrs(cfg.TCPAddr)
	if err != nil {
		logger.Error("resolve tcp addr failed", slog.String("addr", cfg.TCPAddr), slog.String("error", err.Error()))
		return nil
	}

	var out []*Listener
	for _, addr := range addrs {
		ln, err := listenStreamSocket(addr, backlog)
		if err != nil {
			logger.Error("bind tcp failed", slog.String("addr", addr), slog.String("error", err.Error()))
			continue
		}
		out = append(out, &Listener{Kind: KindTCP, LocalAddr: ln.Addr(), StreamLn: ln})
	}
	return out
}

// bindUDP resolves cfg.UDPAddr to all matching addresses and binds each,
// applying destination-address-recovery socket options so the dispatcher
// can later learn each datagram's destination.
func bindUDP(ctx context.Context, cfg Config, logger *slog.Logger) []*Listener {
	addrs, err := resolveAddrs(cfg.UDPAddr)
	if err != nil {
		logger.Error("resolve udp addr failed", slog.String("addr", cfg.UDPAddr), slog.String("error", err.Error()))
		return nil
	}

	var out []*Listener
	for _, addr := range addrs {
		lc := net.ListenConfig{Control: controlFunc(cfg.PMTUDiscovery)}
		pc, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			logger.Error("bind udp failed", slog.String("addr", addr), slog.String("error", err.Error()))
			continue
		}
		udpConn, ok := pc.(*net.UDPConn)
		if !ok {
			logger.Error("unexpected packet conn type", slog.String("addr", addr))
			_ = pc.Close()
			continue
		}
		out = append(out, &Listener{Kind: KindUDP, LocalAddr: pc.LocalAddr(), PacketConn: udpConn})
	}
	return out
}

// bindUnix unlinks any stale path, binds and listens under a restrictive
// umask, then chmods the socket to UnixMode (default 0660) and chowns it
// to the configured UID/GID when either is nonzero.
func bindUnix(cfg Config, logger *slog.Logger) (*Listener, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.UnixPath), 0o755); err != nil {
		return nil, fmt.Errorf("create unix socket dir: %w", err)
	}

	if _, err := os.Lstat(cfg.UnixPath); err == nil {
		if rmErr := os.Remove(cfg.UnixPath); rmErr != nil {
			return nil, fmt.Errorf("remove stale unix socket %s: %w", cfg.UnixPath, rmErr)
		}
		logger.Info("removed stale unix socket", slog.String("path", cfg.UnixPath))
	}

	oldMask := setUmask(0o177)
	ln, err := net.Listen("unix", cfg.UnixPath)
	restoreUmask(oldMask)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", cfg.UnixPath, err)
	}

	mode := cfg.UnixMode
	if mode == 0 {
		mode = 0o660
	}
	if err := os.Chmod(cfg.UnixPath, mode); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod unix socket %s: %w", cfg.UnixPath, err)
	}
	if cfg.UnixUID != 0 || cfg.UnixGID != 0 {
		if err := os.Chown(cfg.UnixPath, cfg.UnixUID, cfg.UnixGID); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("chown unix socket %s: %w", cfg.UnixPath, err)
		}
	}

	return &Listener{Kind: KindUnix, LocalAddr: ln.Addr(), StreamLn: ln}, nil
}

// resolveAddrs expands a configured "host:port" (or ":port" wildcard)
// into one bind string per matching local address, so the configured
// host resolves to every matching address and each gets its own bind.
func resolveAddrs(hostport string) ([]string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("split host:port %q: %w", hostport, err)
	}

	if host == "" {
		// Wildcard: let the kernel pick the dual/any-address binding
		// rather than enumerating every local interface address, which
		// mirrors how a production gateway's "listen on all interfaces"
		// option usually works.
		return []string{hostport}, nil
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return []string{net.JoinHostPort(ip.String(), port)}, nil
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil, fmt.Errorf("resolve host %q: %w", host, err)
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.JoinHostPort(a, port))
	}
	return out, nil
}
