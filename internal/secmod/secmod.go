// Package secmod launches and holds the handle to the security-module
// child process, the separate privileged process that owns private keys
// and performs authentication on behalf of workers.
//
// The supervisor never interprets sec-mod's wire protocol: this package
// spawns the binary with one end of a control socketpair, exposes the
// framed channel and the child's PID, and relays the few commands the
// supervisor is obliged to send (reload, terminate, per-session state
// release). Everything else sec-mod says is opaque.
package secmod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/govpngw/vpngwd/internal/ctrlchan"
)

// SocketEnvVar is the environment variable carrying the sec-mod UNIX
// socket path to the sec-mod process itself and to every worker.
const SocketEnvVar = "VPNGW_SECMOD_SOCKET"

// DefaultReadyDelay is the bounded post-spawn sleep giving sec-mod time
// to bind its listening socket before the first worker needs it.
const DefaultReadyDelay = 100 * time.Millisecond

// ErrSpawnFailed wraps any failure to get the sec-mod child running.
var ErrSpawnFailed = errors.New("secmod: spawn failed")

// Config describes how to launch sec-mod.
type Config struct {
	// Path is the sec-mod binary.
	Path string
	// SocketPath is the UNIX socket sec-mod binds for workers. Exported
	// to the child via SocketEnvVar.
	SocketPath string
	// ReadyDelay overrides DefaultReadyDelay when positive.
	ReadyDelay time.Duration
}

// Process is the supervisor's handle to a live sec-mod child.
type Process struct {
	cfg    Config
	cmd    *exec.Cmd
	ctrl   *ctrlchan.Conn
	logger *slog.Logger
}

// Start execs the sec-mod binary with the child end of a fresh control
// socketpair on fd 3, then sleeps briefly so the child's listening
// socket is ready before anything depends on it. ctx only cuts that sleep
// short; the child is not bound to ctx.
func Start(ctx context.Context, cfg Config, logger *slog.Logger) (*Process, error) {
	logger = logger.With(slog.String("component", "secmod"))

	parentCtrl, childFile, err := ctrlchan.NewSocketpair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	cmd := exec.Command(cfg.Path)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), SocketEnvVar+"="+cfg.SocketPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setsid:    true,
	}

	if startErr := cmd.Start(); startErr != nil {
		_ = childFile.Close()
		_ = parentCtrl.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, startErr)
	}
	_ = childFile.Close()

	delay := cfg.ReadyDelay
	if delay <= 0 {
		delay = DefaultReadyDelay
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}

	logger.Info("sec-mod started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("socket", cfg.SocketPath),
	)

	return &Process{cfg: cfg, cmd: cmd, ctrl: parentCtrl, logger: logger}, nil
}

// PID returns the sec-mod child's process ID.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// SocketPath returns the UNIX socket path workers use to reach sec-mod.
func (p *Process) SocketPath() string { return p.cfg.SocketPath }

// SignalReload forwards SIGHUP so sec-mod reloads its keys and
// certificates before the supervisor reloads its own configuration.
func (p *Process) SignalReload() error {
	if err := p.cmd.Process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("sighup sec-mod pid %d: %w", p.PID(), err)
	}
	return nil
}

// SignalTerminate sends SIGTERM.
func (p *Process) SignalTerminate() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sigterm sec-mod pid %d: %w", p.PID(), err)
	}
	return nil
}

// NotifySessionRelease asks sec-mod to drop any authentication state it
// holds for the given session, implementing registry.SecModNotifier for
// the kill+quit removal mode.
func (p *Process) NotifySessionRelease(sessionID [32]byte) error {
	if err := p.ctrl.Send(ctrlchan.MsgSecModSessionClose, sessionID[:]); err != nil {
		return fmt.Errorf("notify sec-mod session release: %w", err)
	}
	return nil
}

// Recv reads one framed message from sec-mod. A framing error means the
// channel is no longer trustworthy; the caller escalates.
func (p *Process) Recv() (ctrlchan.Message, error) {
	return p.ctrl.Recv()
}

// Close closes the supervisor's end of the control channel.
func (p *Process) Close() error {
	return p.ctrl.Close()
}
