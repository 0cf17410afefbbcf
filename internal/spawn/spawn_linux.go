// Package spawn implements the accept-fork-isolate path for TCP/UNIX
// clients: build a control-channel socketpair, exec the
// worker binary with the accepted connection and the child end of the
// control pair, and hand back the bookkeeping the registry needs.
//
// Go's os/exec has no hook for arbitrary code between fork and exec, so
// the steps that must happen in the child before the
// worker entry point runs — restoring the default signal mask and
// RLIMIT_NPROC=0 — are
// performed by the worker binary itself as its first action after exec,
// not by this package. Uid/Gid/Chroot/Setsid, which the kernel applies
// atomically during the fork+exec transition, are set here via
// syscall.SysProcAttr, which os/exec already supports without cgo.
//
//go:build linux

package spawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/govpngw/vpngwd/internal/ctrlchan"
	"github.com/govpngw/vpngwd/internal/registry"
	"github.com/govpngw/vpngwd/internal/secmod"
)

// Config controls privilege-separated spawn behavior.
type Config struct {
	// WorkerPath is the binary exec'd per accepted connection.
	WorkerPath string
	// ChrootDir, UID, GID are applied to the worker before it runs.
	ChrootDir string
	UID       int
	GID       int
	// MaxClients is the global active-worker ceiling. Zero means unlimited.
	MaxClients int
	// SecModSocket is the sec-mod UNIX socket path exported to each
	// worker's environment. Empty when no sec-mod is configured.
	SecModSocket string
}

// Sentinel errors.
var (
	ErrForkFailed  = errors.New("spawn: fork/exec failed")
	ErrOverCeiling = errors.New("spawn: active client ceiling reached")
)

// Spawner performs the accept-fork-isolate path.
type Spawner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Spawner.
func New(cfg Config, logger *slog.Logger) *Spawner {
	return &Spawner{cfg: cfg, logger: logger.With(slog.String("component", "spawn"))}
}

// Result is what a successful Spawn produces: the new Proc record (not
// yet inserted into the registry — that's the caller's job, since only
// the caller holds the registry) and its parent-side control channel.
type Result struct {
	Proc *registry.Proc
	Ctrl *ctrlchan.Conn
}

// Spawn accepts one connection's bookkeeping, builds the control-channel
// socketpair, execs the worker with the accepted descriptor and the
// child end of the control pair, and returns the parent-side result. On
// any failure, the accepted descriptor and the parent-side control
// descriptor are released and no other state is mutated.
//
// liveCount is the registry's current live-worker count, checked against
// Config.MaxClients before anything else happens. The child is not bound
// to ctx; the supervisor signals and reaps it.
func (s *Spawner) Spawn(ctx context.Context, accepted net.Conn, localAddr, remoteAddr netip.AddrPort, liveCount int) (*Result, error) {
	if s.cfg.MaxClients > 0 && liveCount >= s.cfg.MaxClients {
		return nil, ErrOverCeiling
	}

	connFile, err := fileFromConn(accepted)
	if err != nil {
		return nil, fmt.Errorf("extract accepted fd: %w", err)
	}
	defer func() { _ = connFile.Close() }()

	parentCtrl, childCtrlFile, err := ctrlchan.NewSocketpair()
	if err != nil {
		return nil, fmt.Errorf("create control socketpair: %w", err)
	}

	cmd := exec.Command(s.cfg.WorkerPath)
	cmd.ExtraFiles = []*os.File{connFile, childCtrlFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if s.cfg.SecModSocket != "" {
		cmd.Env = append(os.Environ(),
			secmod.SocketEnvVar+"="+workerSecModPath(s.cfg.ChrootDir, s.cfg.SecModSocket))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// SIGTERM on parent death.
		Pdeathsig: syscall.SIGTERM,
		Setsid:    true,
	}
	if s.cfg.ChrootDir != "" {
		cmd.SysProcAttr.Chroot = s.cfg.ChrootDir
	}
	if s.cfg.UID != 0 || s.cfg.GID != 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: uint32(s.cfg.UID),
			Gid: uint32(s.cfg.GID),
		}
	}

	if startErr := cmd.Start(); startErr != nil {
		_ = childCtrlFile.Close()
		_ = parentCtrl.Close()
		return nil, fmt.Errorf("%w: %v", ErrForkFailed, startErr)
	}
	_ = childCtrlFile.Close()

	sid, err := registry.NewSessionID()
	if err != nil {
		_ = parentCtrl.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	proc := &registry.Proc{
		PID:        cmd.Process.Pid,
		CtrlConn:   parentCtrl,
		SessionID:  sid,
		RemoteAddr: remoteAddr,
		LocalAddr:  localAddr,
	}

	s.logger.Info("spawned worker",
		slog.Int("pid", proc.PID),
		slog.String("remote", remoteAddr.String()),
		slog.String("local", localAddr.String()),
	)

	return &Result{Proc: proc, Ctrl: parentCtrl}, nil
}

// workerSecModPath rewrites the sec-mod socket path for a chrooted
// worker: a path under the chroot directory is made relative to it,
// since that is what the worker will see after the chroot applies.
func workerSecModPath(chrootDir, socketPath string) string {
	if chrootDir == "" {
		return socketPath
	}
	rel, err := filepath.Rel(chrootDir, socketPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return socketPath
	}
	return rel
}

// filer is implemented by *net.TCPConn and *net.UnixConn: File returns a
// blocking-mode duplicate of the underlying descriptor, restoring
// blocking mode on platforms where accept inherits non-blocking, and
// giving exec something to pass across fork+exec via ExtraFiles.
type filer interface {
	File() (*os.File, error)
}

func fileFromConn(c net.Conn) (*os.File, error) {
	f, ok := c.(filer)
	if !ok {
		return nil, fmt.Errorf("spawn: conn type %T has no File method", c)
	}
	file, err := f.File()
	if err != nil {
		return nil, fmt.Errorf("dup accepted conn fd: %w", err)
	}
	return file, nil
}
