// Package registry implements the main process's in-memory directory of
// live worker processes, indexed by PID, session-ID, and (once observed)
// DTLS session identifier.
//
// One primary owning map keyed by PID plus secondary non-owning maps
// keyed by session-ID and DTLS-ID, all three mutated together under a
// single RWMutex. Each Proc also has its own mutex, which guards its
// DTLS-ID, last hand-off time and client address as the UDP dispatcher
// updates them.
package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"syscall"
	"time"
)

// RemoveMode selects how a Proc record is torn down.
type RemoveMode int

const (
	// RemoveGraceful closes the control channel and lets the worker exit
	// on its own.
	RemoveGraceful RemoveMode = iota
	// RemoveKill sends SIGTERM to the worker.
	RemoveKill
	// RemoveKillQuit sends SIGTERM and additionally notifies sec-mod to
	// release any session state it holds for the worker.
	RemoveKillQuit
)

func (m RemoveMode) String() string {
	switch m {
	case RemoveGraceful:
		return "graceful"
	case RemoveKill:
		return "kill"
	case RemoveKillQuit:
		return "kill+quit"
	default:
		return "unknown"
	}
}

// Sentinel errors.
var (
	ErrDuplicatePID       = errors.New("registry: duplicate pid")
	ErrDuplicateSessionID = errors.New("registry: duplicate session id")
	ErrDuplicateDTLSID    = errors.New("registry: duplicate dtls id")
	ErrProcNotFound       = errors.New("registry: proc not found")
	ErrDTLSIDAlreadySet   = errors.New("registry: dtls id already set for this proc")
)

// SecModNotifier is the narrow interface the registry needs from the
// sec-mod control channel to implement RemoveKillQuit. The sec-mod wire
// format itself is out of scope; this is the only surface the registry
// touches.
type SecModNotifier interface {
	NotifySessionRelease(sessionID [32]byte) error
}

// noopSecModNotifier is used when no notifier is configured.
type noopSecModNotifier struct{}

func (noopSecModNotifier) NotifySessionRelease([32]byte) error { return nil }

// Closer is implemented by a Proc's control-channel endpoint. Kept as an
// interface so tests can supply a fake without opening real sockets.
type Closer interface {
	Close() error
}

// Proc is a live worker record. Created on accept, owned by the Registry
// until the worker exits and is reaped.
type Proc struct {
	// PID is the worker's child process ID. Immutable once inserted.
	PID int

	// CtrlConn is the main-process end of the worker control channel.
	// Closing it signals the worker to exit gracefully.
	CtrlConn Closer

	// SessionID is the 32-byte opaque token generated at accept time.
	// Immutable once inserted.
	SessionID [32]byte

	// RemoteAddr is the last-known client address: the accept-time peer
	// for TCP/UNIX clients, or the most recently observed DTLS source
	// address after a dispatch.
	RemoteAddr netip.AddrPort

	// LocalAddr is the address the worker was accepted on.
	LocalAddr netip.AddrPort

	// LeaseHandle is an opaque tunnel lease handle; the lease table
	// internals live outside this package.
	LeaseHandle string

	mu sync.Mutex
	// dtlsID is the observed DTLS session identifier, set after the
	// first successful dispatch. nil until then.
	dtlsID []byte
	// lastHandoff is the timestamp of the most recent UDP-FD hand-off,
	// used by the dispatcher's dedup window.
	lastHandoff time.Time

	closeOnce sync.Once
	closeErr  error
}

// DTLSID returns the worker's observed DTLS identifier, or nil if none
// has been set yet.
func (p *Proc) DTLSID() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dtlsID == nil {
		return nil
	}
	out := make([]byte, len(p.dtlsID))
	copy(out, p.dtlsID)
	return out
}

// LastHandoff returns the timestamp of the most recent UDP-FD hand-off.
func (p *Proc) LastHandoff() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHandoff
}

// MarkHandoff records the time of a UDP-FD hand-off to this worker.
func (p *Proc) MarkHandoff(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHandoff = t
}

// Close releases the Proc's owned file descriptor (the control channel)
// exactly once, regardless of how many times Close is called.
func (p *Proc) Close() error {
	p.closeOnce.Do(func() {
		if p.CtrlConn != nil {
			p.closeErr = p.CtrlConn.Close()
		}
	})
	return p.closeErr
}

// NewSessionID generates a random, opaque 32-byte session-ID token,
// using crypto/rand sized to the 32-byte legacy DTLS SessionID field so
// the same token can be echoed back on the wire as a fallback identifier.
func NewSessionID() ([32]byte, error) {
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate session id: %w", err)
	}
	return id, nil
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithSecModNotifier installs the sec-mod release hook used by
// RemoveKillQuit.
func WithSecModNotifier(n SecModNotifier) Option {
	return func(r *Registry) { r.secMod = n }
}

// Registry is the main process's three-way-indexed worker directory.
type Registry struct {
	mu          sync.RWMutex
	byPID       map[int]*Proc
	bySessionID map[[32]byte]*Proc
	byDTLSID    map[string]*Proc

	secMod SecModNotifier
	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		byPID:       make(map[int]*Proc),
		bySessionID: make(map[[32]byte]*Proc),
		byDTLSID:    make(map[string]*Proc),
		secMod:      noopSecModNotifier{},
		logger:      logger.With(slog.String("component", "registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert indexes a new Proc by PID and session-ID. Fails if either index
// already has an entry.
func (r *Registry) Insert(p *Proc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPID[p.PID]; exists {
		return fmt.Errorf("insert pid %d: %w", p.PID, ErrDuplicatePID)
	}
	if _, exists := r.bySessionID[p.SessionID]; exists {
		return fmt.Errorf("insert session id: %w", ErrDuplicateSessionID)
	}

	r.byPID[p.PID] = p
	r.bySessionID[p.SessionID] = p

	r.logger.Debug("worker inserted", slog.Int("pid", p.PID))
	return nil
}

// FindByDTLSID is the dispatcher's constant-time lookup by observed DTLS
// session identifier.
func (r *Registry) FindByDTLSID(id []byte) (*Proc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byDTLSID[string(id)]
	return p, ok
}

// FindBySessionID looks up a worker by its accept-time session token.
func (r *Registry) FindBySessionID(id [32]byte) (*Proc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.bySessionID[id]
	return p, ok
}

// FindBySessionIDPrefix matches a sniffed DTLS identifier against the
// leading bytes of each live worker's 32-byte session token. A new
// session's first ClientHello echoes the token the worker handed the
// client during the TLS handshake, so the prefix match is how the very
// first dispatch finds its owner before any DTLS-ID has been indexed.
func (r *Registry) FindBySessionIDPrefix(id []byte) (*Proc, bool) {
	if len(id) == 0 || len(id) > 32 {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for sid, p := range r.bySessionID {
		if string(sid[:len(id)]) == string(id) {
			return p, true
		}
	}
	return nil, false
}

// FindByPID looks up a worker by its process ID. Used by the supervisor's
// SIGCHLD reap loop to resolve a collected PID back to its Proc record.
func (r *Registry) FindByPID(pid int) (*Proc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byPID[pid]
	return p, ok
}

// FindByClientIP is the linear fallback used when an incoming datagram is
// not a ClientHello: it compares the remote host
// address, ignoring port, against each live worker's last-known client
// address.
func (r *Registry) FindByClientIP(addr netip.Addr) (*Proc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.byPID {
		if p.RemoteAddr.IsValid() && p.RemoteAddr.Addr() == addr {
			return p, true
		}
	}
	return nil, false
}

// SetDTLSID records the worker's observed DTLS session identifier and
// indexes it for FindByDTLSID. Fails if another live worker already owns
// that identifier, or if this Proc already has one set.
func (r *Registry) SetDTLSID(p *Proc, id []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byDTLSID[string(id)]; exists {
		return fmt.Errorf("set dtls id: %w", ErrDuplicateDTLSID)
	}

	p.mu.Lock()
	if p.dtlsID != nil {
		p.mu.Unlock()
		return fmt.Errorf("set dtls id for pid %d: %w", p.PID, ErrDTLSIDAlreadySet)
	}
	stored := make([]byte, len(id))
	copy(stored, id)
	p.dtlsID = stored
	p.mu.Unlock()

	r.byDTLSID[string(stored)] = p
	return nil
}

// UpdateClientAddr records addr as the worker's client address, replacing
// any earlier one. The dispatcher calls it after every successful hand-off,
// so the stored address is the most recently observed DTLS source.
func (r *Registry) UpdateClientAddr(p *Proc, addr netip.AddrPort) {
	p.mu.Lock()
	p.RemoteAddr = addr
	p.mu.Unlock()
}

// Remove tears down a Proc record according to mode and deletes all three
// index entries. The caller must already have reaped or be in the
// process of reaping the PID; Remove never calls waitpid itself.
func (r *Registry) Remove(p *Proc, mode RemoveMode) error {
	r.mu.Lock()
	if _, exists := r.byPID[p.PID]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("remove pid %d: %w", p.PID, ErrProcNotFound)
	}
	delete(r.byPID, p.PID)
	delete(r.bySessionID, p.SessionID)
	if id := p.DTLSID(); id != nil {
		delete(r.byDTLSID, string(id))
	}
	r.mu.Unlock()

	var joined error

	switch mode {
	case RemoveGraceful:
		if err := p.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("close control channel: %w", err))
		}
	case RemoveKill:
		if err := p.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("close control channel: %w", err))
		}
		if err := signalTerm(p.PID); err != nil {
			joined = errors.Join(joined, fmt.Errorf("sigterm pid %d: %w", p.PID, err))
		}
	case RemoveKillQuit:
		if err := p.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("close control channel: %w", err))
		}
		if err := signalTerm(p.PID); err != nil {
			joined = errors.Join(joined, fmt.Errorf("sigterm pid %d: %w", p.PID, err))
		}
		if err := r.secMod.NotifySessionRelease(p.SessionID); err != nil {
			joined = errors.Join(joined, fmt.Errorf("notify sec-mod release: %w", err))
		}
	}

	r.logger.Debug("worker removed", slog.Int("pid", p.PID), slog.String("mode", mode.String()))
	return joined
}

// Len returns the number of live workers. Used by the spawner to enforce
// the active-client ceiling.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPID)
}

// Snapshot returns the Proc records of all live workers, for maintenance and
// shutdown reaping. Copies under RLock so callers never hold a reference
// into the registry's internal maps.
func (r *Registry) Snapshot() []*Proc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Proc, 0, len(r.byPID))
	for _, p := range r.byPID {
		out = append(out, p)
	}
	return out
}

func signalTerm(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}
