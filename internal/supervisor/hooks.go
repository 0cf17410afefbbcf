package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/govpngw/vpngwd/internal/registry"
)

// HookKind distinguishes a connect-script run from a disconnect-script run.
type HookKind int

const (
	HookConnect HookKind = iota
	HookDisconnect
)

func (k HookKind) String() string {
	switch k {
	case HookConnect:
		return "connect"
	case HookDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// scriptWait is the "Script-wait record": a pending child PID
// whose exit status feeds a connect/disconnect hook handler. Created on hook
// spawn, destroyed on reap.
type scriptWait struct {
	kind     HookKind
	ownerPID int
}

// HookRunner spawns connect/disconnect hook scripts and tracks their exit
// status against the worker that triggered them, mirroring
// script_wait_st/script_child_watcher_cb/handle_script_exit from the
// original C implementation's main.c.
type HookRunner struct {
	mu      sync.Mutex
	pending map[int]*scriptWait
	logger  *slog.Logger
}

// NewHookRunner creates a HookRunner.
func NewHookRunner(logger *slog.Logger) *HookRunner {
	return &HookRunner{
		pending: make(map[int]*scriptWait),
		logger:  logger.With(slog.String("component", "hookrunner")),
	}
}

// Run execs path as a bare argv (never through a shell, so no shell
// injection via env-derived values) and registers a script-wait record
// attributing its exit to ownerPID. A blank path is a no-op.
func (h *HookRunner) Run(kind HookKind, path string, env []string, ownerPID int) error {
	if path == "" {
		return nil
	}

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), env...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s script %s: %w", kind, path, err)
	}

	pid := cmd.Process.Pid
	h.mu.Lock()
	h.pending[pid] = &scriptWait{kind: kind, ownerPID: ownerPID}
	h.mu.Unlock()

	h.logger.Debug("hook script spawned",
		slog.String("kind", kind.String()), slog.Int("pid", pid), slog.Int("owner_pid", ownerPID))
	return nil
}

// reap removes and returns pid's script-wait record if one is pending,
// mirroring script_child_watcher_cb's "check if someone was waiting for
// that pid" lookup before routing to the completion handler.
func (h *HookRunner) reap(pid int) (*scriptWait, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.pending[pid]
	if ok {
		delete(h.pending, pid)
	}
	return w, ok
}

// handleScriptExit implements handle_script_exit: a nonzero connect-script
// exit status tears down the worker it gated; a disconnect script's exit
// status is informational only, since the session it referred to is
// already gone.
func (s *Supervisor) handleScriptExit(w *scriptWait, pid int, status syscall.WaitStatus) {
	exitStatus := status.ExitStatus()
	if status.Signaled() {
		exitStatus = 1
	}

	s.logger.Debug("hook script exit",
		slog.String("kind", w.kind.String()), slog.Int("pid", pid),
		slog.Int("status", exitStatus), slog.Int("owner_pid", w.ownerPID))

	if w.kind != HookConnect || exitStatus == 0 {
		return
	}

	p, found := s.cfg.Registry.FindByPID(w.ownerPID)
	if !found {
		return
	}
	s.logger.Warn("connect script failed, tearing down worker",
		slog.Int("pid", w.ownerPID), slog.Int("status", exitStatus))
	if err := s.cfg.Registry.Remove(p, registry.RemoveKill); err != nil {
		s.logger.Warn("remove worker after failed connect script failed",
			slog.Int("pid", w.ownerPID), slog.String("error", err.Error()))
	}
	s.cfg.Metrics.IncWorkerRemoval(registry.RemoveKill.String())
	s.cfg.Metrics.SetWorkers(s.cfg.Registry.Len())
}
