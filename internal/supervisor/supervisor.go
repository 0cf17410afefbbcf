// Package supervisor implements the event loop tying the listener set,
// spawner, dispatcher, and process registry together: per-listener
// accept/readable loops, per-worker control-channel read loops, SIGCHLD
// reaping, and SIGTERM/SIGINT/SIGHUP handling.
//
// Goroutines are wired through a golang.org/x/sync/errgroup with a
// signal-aware context, bundled into a reusable type rather than left
// inline in main: the event loop has substantially more goroutine kinds
// (accept loops, UDP loops, per-worker control loops, reap, maintenance)
// than a typical single-listener daemon.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/govpngw/vpngwd/internal/ctrlchan"
	"github.com/govpngw/vpngwd/internal/dispatch"
	"github.com/govpngw/vpngwd/internal/listen"
	"github.com/govpngw/vpngwd/internal/metrics"
	"github.com/govpngw/vpngwd/internal/registry"
	"github.com/govpngw/vpngwd/internal/spawn"
)

// Timers controls the supervisor's bounded sleeps and periodic ticks.
type Timers struct {
	ReapInterval        time.Duration
	ReapIterations      int
	ReloadSecModDelay   time.Duration
	MaintenanceInterval time.Duration
}

// SecMod is the supervisor's handle to the sec-mod child process,
// implemented by *secmod.Process. The wire protocol stays opaque: the
// supervisor signals reload/terminate, drains the channel, and treats
// its failure (or the child's exit) as fatal, because sec-mod holds
// authoritative auth state no restart of this process can recover.
type SecMod interface {
	PID() int
	SignalReload() error
	SignalTerminate() error
	Recv() (ctrlchan.Message, error)
	Close() error
}

// ReloadFunc loads a fresh configuration snapshot. The supervisor does not
// interpret configuration itself; it only triggers
// the reload at the right point in the SIGHUP sequence.
type ReloadFunc func() error

// BanPolicy is the narrow surface of the ban database the core
// consults: a pre-fork membership check on the accept path, and a
// periodic sweep from the maintenance timer to age entries out. The
// database itself lives outside this module.
type BanPolicy interface {
	IsBanned(addr netip.Addr) bool
	Sweep()
}

// Config wires the supervisor's collaborators.
type Config struct {
	Listeners  *listen.Set
	Registry   *registry.Registry
	Spawner    *spawn.Spawner
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Collector
	Timers     Timers
	// SecMod is the live sec-mod handle, or nil when no sec-mod binary
	// is configured.
	SecMod  SecMod
	Reload  ReloadFunc
	// Ban, when non-nil, vetoes accepted connections by peer address
	// before any fork happens. Trusted UNIX-socket accepts skip it, since
	// the authoritative peer address is only learned later by the worker.
	Ban     BanPolicy
	PIDFile string
	// ConnectScript/DisconnectScript are exec'd (argv, never through a
	// shell) when a worker is registered and when its session ends.
	// Either may be blank to disable the corresponding hook.
	ConnectScript    string
	DisconnectScript string
}

// Supervisor runs the event loop until a termination signal is received
// or the parent context is cancelled.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	hooks  *HookRunner

	// secModReaped records that sec-mod's exit status has already been
	// collected, so terminate must not signal or wait on its PID again.
	secModReaped atomic.Bool
}

// New creates a Supervisor.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	logger = logger.With(slog.String("component", "supervisor"))
	return &Supervisor{cfg: cfg, logger: logger, hooks: NewHookRunner(logger)}
}

// Run blocks until SIGTERM/SIGINT is received (or ctx is cancelled),
// performs the bounded termination sequence, and returns. SIGPIPE is
// ignored process-wide for the duration of Run.
func (s *Supervisor) Run(ctx context.Context) error {
	signal.Ignore(syscall.SIGPIPE)

	if s.cfg.PIDFile != "" {
		if err := writePIDFile(s.cfg.PIDFile); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer removePIDFile(s.cfg.PIDFile, s.logger)
	}

	termCtx, stopTerm := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stopTerm()

	g, gCtx := errgroup.WithContext(termCtx)

	for _, ln := range s.cfg.Listeners.TCP {
		ln := ln
		g.Go(func() error { return s.acceptLoop(gCtx, ln) })
	}
	if s.cfg.Listeners.Unix != nil {
		ln := s.cfg.Listeners.Unix
		g.Go(func() error { return s.acceptLoop(gCtx, ln) })
	}
	for _, ln := range s.cfg.Listeners.UDP {
		ln := ln
		g.Go(func() error { return s.udpLoop(gCtx, ln) })
	}

	for kind, lns := range map[listen.Kind][]*listen.Listener{
		listen.KindTCP: s.cfg.Listeners.TCP,
		listen.KindUDP: s.cfg.Listeners.UDP,
	} {
		s.cfg.Metrics.SetListeners(kind.String(), len(lns))
	}
	if s.cfg.Listeners.Unix != nil {
		s.cfg.Metrics.SetListeners(listen.KindUnix.String(), 1)
	}

	g.Go(func() error { return s.reapLoop(gCtx) })
	g.Go(func() error { return s.hupLoop(gCtx) })
	if s.cfg.SecMod != nil {
		s.cfg.Metrics.SetSecModUp(true)
		g.Go(func() error { return s.secModLoop(gCtx) })
	}
	if s.cfg.Timers.MaintenanceInterval > 0 {
		g.Go(func() error { return s.maintenanceLoop(gCtx) })
	}

	// Unblocks every accept/udp loop's blocking read the moment the
	// termination signal lands, so g.Wait() below can actually return.
	g.Go(func() error {
		<-gCtx.Done()
		_ = s.cfg.Listeners.Close()
		return nil
	})

	err := g.Wait()
	s.terminate()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor event loop: %w", err)
	}
	return nil
}

// acceptLoop accepts connections on a TCP or UNIX listener, enforcing the
// active-client ceiling before spawning.
func (s *Supervisor) acceptLoop(ctx context.Context, ln *listen.Listener) error {
	kind := ln.Kind.String()
	s.logger.Info("accept loop started", slog.String("kind", kind), slog.String("addr", ln.LocalAddr.String()))

	for {
		conn, err := ln.StreamLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("accept on %s: %w", ln.LocalAddr, err)
		}

		s.cfg.Metrics.IncAccept(kind)
		go s.handleAccepted(ctx, conn, ln.Kind == listen.KindUnix)
	}
}

// handleAccepted runs the ban check + spawn + registry-insert +
// control-channel-read sequence for one accepted connection.
func (s *Supervisor) handleAccepted(ctx context.Context, conn net.Conn, trustedUnix bool) {
	localAddr := addrPortOf(conn.LocalAddr())
	remoteAddr := addrPortOf(conn.RemoteAddr())

	if s.cfg.Ban != nil && !trustedUnix && remoteAddr.IsValid() && s.cfg.Ban.IsBanned(remoteAddr.Addr()) {
		s.cfg.Metrics.IncAcceptRejected("banned")
		s.logger.Info("rejected banned client", slog.String("remote", remoteAddr.String()))
		_ = conn.Close()
		return
	}

	result, err := s.cfg.Spawner.Spawn(ctx, conn, localAddr, remoteAddr, s.cfg.Registry.Len())
	_ = conn.Close() // the worker owns the duplicated descriptor now
	if err != nil {
		if errors.Is(err, spawn.ErrOverCeiling) {
			s.cfg.Metrics.IncAcceptRejected("ceiling")
		} else {
			s.cfg.Metrics.IncSpawnFailure()
		}
		s.logger.Warn("spawn failed", slog.String("error", err.Error()))
		return
	}

	if err := s.cfg.Registry.Insert(result.Proc); err != nil {
		s.logger.Error("registry insert failed, killing orphaned worker",
			slog.Int("pid", result.Proc.PID), slog.String("error", err.Error()))
		_ = result.Ctrl.Close()
		_ = killProcess(result.Proc.PID)
		return
	}

	s.cfg.Metrics.SetWorkers(s.cfg.Registry.Len())

	if err := s.hooks.Run(HookConnect, s.cfg.ConnectScript, scriptEnv(result.Proc), result.Proc.PID); err != nil {
		s.logger.Warn("connect script spawn failed", slog.Int("pid", result.Proc.PID), slog.String("error", err.Error()))
	}

	s.controlReadLoop(result.Proc)
}

// scriptEnv builds the environment a connect/disconnect hook script sees,
// matching the remote/local address fields a real ocserv-style hook
// expects to read.
func scriptEnv(p *registry.Proc) []string {
	return []string{
		fmt.Sprintf("VPNGW_PID=%d", p.PID),
		fmt.Sprintf("VPNGW_REMOTE_ADDR=%s", p.RemoteAddr),
		fmt.Sprintf("VPNGW_LOCAL_ADDR=%s", p.LocalAddr),
	}
}

// controlReadLoop drains one worker's control channel until it closes,
// handling the message kinds the supervisor itself must act on. Worker-initiated session setup/teardown/stats beyond what the
// registry tracks are logged, not interpreted further (out of scope).
func (s *Supervisor) controlReadLoop(p *registry.Proc) {
	conn, ok := p.CtrlConn.(*ctrlchan.Conn)
	if !ok {
		return
	}

	for {
		msg, err := conn.Recv()
		if err != nil {
			s.logger.Debug("worker control channel closed", slog.Int("pid", p.PID), slog.String("error", err.Error()))
			return
		}

		switch msg.Type {
		case ctrlchan.MsgSessionTeardown:
			if err := s.cfg.Registry.Remove(p, registry.RemoveGraceful); err != nil {
				s.logger.Warn("remove on session teardown failed", slog.Int("pid", p.PID), slog.String("error", err.Error()))
			}
			s.cfg.Metrics.IncWorkerRemoval(registry.RemoveGraceful.String())
			s.cfg.Metrics.SetWorkers(s.cfg.Registry.Len())
			if err := s.hooks.Run(HookDisconnect, s.cfg.DisconnectScript, scriptEnv(p), p.PID); err != nil {
				s.logger.Warn("disconnect script spawn failed", slog.Int("pid", p.PID), slog.String("error", err.Error()))
			}
			return
		case ctrlchan.MsgSessionSetup, ctrlchan.MsgStats:
			s.logger.Debug("worker control message", slog.Int("pid", p.PID), slog.String("type", msg.Type.String()))
		default:
			s.logger.Warn("unexpected control message from worker", slog.Int("pid", p.PID), slog.String("type", msg.Type.String()))
		}
	}
}

// udpLoop drains one UDP listener, handing each datagram to the
// dispatcher. A per-datagram error is logged, never fatal to the loop:
// the loop must not starve other listeners.
func (s *Supervisor) udpLoop(ctx context.Context, ln *listen.Listener) error {
	s.logger.Info("udp loop started", slog.String("addr", ln.LocalAddr.String()))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.cfg.Dispatcher.HandleReadable(ln.PacketConn); err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.logger.Warn("udp dispatch error", slog.String("error", err.Error()))
		}
	}
}

// reapLoop installs a SIGCHLD watcher and collects every exited child via
// a non-blocking waitpid loop, removing its registry record.
func (s *Supervisor) reapLoop(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			s.reapAll()
		}
	}
}

// reapAll collects every currently-exited child without blocking, removing
// its registry record if it still has one. Used by the steady-state
// SIGCHLD watcher, where a worker's own exit is what triggers removal.
func (s *Supervisor) reapAll() {
	for {
		pid, status, ok := waitNonBlocking()
		if !ok {
			return
		}

		s.cfg.Metrics.IncReap()

		if w, found := s.hooks.reap(pid); found {
			s.handleScriptExit(w, pid, status)
			continue
		}

		if s.cfg.SecMod != nil && pid == s.cfg.SecMod.PID() {
			s.secModReaped.Store(true)
			s.handleSecModFailure(fmt.Sprintf("sec-mod exited, status %d", status.ExitStatus()))
			continue
		}

		p, found := s.cfg.Registry.FindByPID(pid)
		if !found {
			continue
		}
		if err := s.cfg.Registry.Remove(p, registry.RemoveGraceful); err != nil {
			s.logger.Warn("remove reaped worker failed", slog.Int("pid", pid), slog.String("error", err.Error()))
		}
		s.cfg.Metrics.SetWorkers(s.cfg.Registry.Len())
		if err := s.hooks.Run(HookDisconnect, s.cfg.DisconnectScript, scriptEnv(p), p.PID); err != nil {
			s.logger.Warn("disconnect script spawn failed", slog.Int("pid", p.PID), slog.String("error", err.Error()))
		}
		s.logger.Info("reaped worker", slog.Int("pid", pid))
	}
}

// handleSecModFailure escalates a dead or misbehaving sec-mod to global
// termination by synthesizing SIGTERM to this process: sec-mod holds
// authoritative authentication state, so continuing without it would
// leave every current and future session unverifiable.
func (s *Supervisor) handleSecModFailure(reason string) {
	s.cfg.Metrics.SetSecModUp(false)
	s.logger.Error("sec-mod failure, terminating", slog.String("reason", reason))
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		s.logger.Error("synthesize sigterm failed", slog.String("error", err.Error()))
	}
}

// secModLoop drains the sec-mod control channel. Every well-framed
// message is opaque to the supervisor and logged at debug; a framing
// error or channel closure outside of shutdown is sec-mod-fatal.
func (s *Supervisor) secModLoop(ctx context.Context) error {
	msgCh := make(chan ctrlchan.Message)
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := s.cfg.SecMod.Recv()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			s.handleSecModFailure(fmt.Sprintf("control channel: %v", err))
			return nil
		case msg := <-msgCh:
			if msg.FD >= 0 {
				_ = syscall.Close(msg.FD)
			}
			s.logger.Debug("sec-mod message", slog.String("type", msg.Type.String()))
		}
	}
}

// reapPending collects every currently-exited child without blocking,
// crossing each one off pending. Used during termination, where the
// registry record for every worker has already been removed up front
// (so Registry.Len() can't tell a pending-exit worker from a reaped one)
// and the supervisor must instead track which PIDs are still outstanding
// itself.
func (s *Supervisor) reapPending(pending map[int]struct{}) {
	for {
		pid, status, ok := waitNonBlocking()
		if !ok {
			return
		}
		s.cfg.Metrics.IncReap()

		if w, found := s.hooks.reap(pid); found {
			s.handleScriptExit(w, pid, status)
			continue
		}

		delete(pending, pid)
		s.logger.Info("reaped worker", slog.Int("pid", pid))
	}
}

func waitNonBlocking() (pid int, status syscall.WaitStatus, ok bool) {
	p, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
	if err != nil || p <= 0 {
		return 0, status, false
	}
	return p, status, true
}

// hupLoop forwards SIGHUP to sec-mod, waits ReloadSecModDelay so sec-mod
// reloads first, then triggers the configured ReloadFunc.
func (s *Supervisor) hupLoop(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			s.handleReload(ctx)
		}
	}
}

func (s *Supervisor) handleReload(ctx context.Context) {
	s.logger.Info("received sighup, reloading")

	if s.cfg.SecMod != nil {
		// Sec-mod must reload first so the supervisor's subsequent
		// certificate-vs-key consistency check sees matching material.
		if err := s.cfg.SecMod.SignalReload(); err != nil {
			s.logger.Warn("signal sec-mod reload failed", slog.String("error", err.Error()))
		}
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.Timers.ReloadSecModDelay):
	}

	if s.cfg.Reload == nil {
		return
	}
	if err := s.cfg.Reload(); err != nil {
		s.logger.Error("configuration reload failed, keeping current settings", slog.String("error", err.Error()))
		return
	}

	s.notifyWorkersReload()

	s.cfg.Metrics.IncReload()
	s.logger.Info("configuration reload complete")
}

// notifyWorkersReload tells every live worker that configuration has
// been reloaded. A worker whose channel can't carry the message is
// skipped, not torn down; it simply keeps its old settings.
func (s *Supervisor) notifyWorkersReload() {
	for _, p := range s.cfg.Registry.Snapshot() {
		conn, ok := p.CtrlConn.(*ctrlchan.Conn)
		if !ok {
			continue
		}
		if err := conn.Send(ctrlchan.MsgReloadNotify, nil); err != nil {
			s.logger.Warn("reload notify failed", slog.Int("pid", p.PID), slog.String("error", err.Error()))
		}
	}
}

// maintenanceLoop fires the periodic maintenance timer: the ban
// database is swept on every tick. Configuration-snapshot aging and
// CRL refresh belong to the subsystems behind the reload and vhost
// interfaces, which live outside this module.
func (s *Supervisor) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Timers.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.cfg.Ban != nil {
				s.cfg.Ban.Sweep()
			}
			s.logger.Debug("maintenance tick")
		}
	}
}

// terminate runs the bounded termination sequence:
// kill+quit every live worker, signal sec-mod, reap in a bounded loop,
// then SIGKILL any child that survives.
func (s *Supervisor) terminate() {
	s.logger.Info("terminating")

	procs := s.cfg.Registry.Snapshot()
	pending := make(map[int]struct{}, len(procs))
	for _, p := range procs {
		pending[p.PID] = struct{}{}
		if err := s.cfg.Registry.Remove(p, registry.RemoveKillQuit); err != nil {
			s.logger.Warn("kill+quit failed", slog.Int("pid", p.PID), slog.String("error", err.Error()))
		}
		s.cfg.Metrics.IncWorkerRemoval(registry.RemoveKillQuit.String())
	}
	s.cfg.Metrics.SetWorkers(s.cfg.Registry.Len())

	if s.cfg.SecMod != nil {
		// Signalled after the worker kill+quit pass so the per-session
		// release notifications above went out over a live channel.
		if !s.secModReaped.Load() {
			if err := s.cfg.SecMod.SignalTerminate(); err != nil {
				s.logger.Warn("signal sec-mod terminate failed", slog.String("error", err.Error()))
			}
			pending[s.cfg.SecMod.PID()] = struct{}{}
		}
		if err := s.cfg.SecMod.Close(); err != nil {
			s.logger.Warn("close sec-mod channel failed", slog.String("error", err.Error()))
		}
		s.cfg.Metrics.SetSecModUp(false)
	}

	iterations := s.cfg.Timers.ReapIterations
	if iterations <= 0 {
		iterations = 10
	}
	interval := s.cfg.Timers.ReapInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	for i := 0; i < iterations && len(pending) > 0; i++ {
		s.reapPending(pending)
		if len(pending) == 0 {
			return
		}
		time.Sleep(interval)
	}

	if len(pending) > 0 {
		// Children run as session leaders (Setsid at spawn), so a kill of
		// this process's group would never reach them; each survivor is
		// SIGKILLed by PID instead.
		s.logger.Warn("children survived bounded reap loop, sending sigkill",
			slog.Int("remaining", len(pending)))
		for pid := range pending {
			if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				s.logger.Error("sigkill failed", slog.Int("pid", pid), slog.String("error", err.Error()))
			}
		}
		s.cfg.Metrics.IncForcedKill()
		time.Sleep(interval)
		s.reapPending(pending)
	}
}

// addrPortOf converts a net.Addr into a netip.AddrPort when it carries an
// IP (TCP/UDP); a UNIX domain address has no IP to represent and yields
// the zero value, which netip.AddrPort.IsValid reports as false.
func addrPortOf(addr net.Addr) netip.AddrPort {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ip, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(tcpAddr.Port))
}

func killProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func writePIDFile(path string) error {
	return os.WriteFile(path, fmt.Appendf(nil, "%d\n", os.Getpid()), 0o644)
}

func removePIDFile(path string, logger *slog.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove pid file failed", slog.String("error", err.Error()))
	}
}
