package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// hookHelperEnvVar mirrors helperEnvVar in supervisor_test.go: it triggers
// the os.Args[0] re-exec trick with a caller-chosen exit code so hook-script
// success and failure can both be exercised against a real child process.
const hookHelperEnvVar = "VPNGWD_HOOK_TEST_HELPER_EXIT"

func init() {
	if code := os.Getenv(hookHelperEnvVar); code != "" {
		var n int
		fmt.Sscanf(code, "%d", &n)
		os.Exit(n)
	}
}

func newHookRunner(t *testing.T) *HookRunner {
	t.Helper()
	return NewHookRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitForReap(t *testing.T, h *HookRunner, pid int) (*scriptWait, syscall.WaitStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, status, ok := waitNonBlocking()
		if ok {
			if w, found := h.reap(p); found && p == pid {
				return w, status
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("hook script child was never reaped")
	return nil, 0
}

func TestHookRunner_RunBlankPathIsNoop(t *testing.T) {
	h := newHookRunner(t)
	require.NoError(t, h.Run(HookConnect, "", nil, 1234))
	require.Empty(t, h.pending)
}

func TestHookRunner_RunTracksPendingScriptWait(t *testing.T) {
	h := newHookRunner(t)

	err := h.Run(HookConnect, os.Args[0], []string{hookHelperEnvVar + "=0"}, 4242)
	require.NoError(t, err)
	require.Len(t, h.pending, 1)

	var pid int
	for p := range h.pending {
		pid = p
	}

	w, _ := waitForReap(t, h, pid)
	require.Equal(t, HookConnect, w.kind)
	require.Equal(t, 4242, w.ownerPID)
	require.Empty(t, h.pending)
}

func TestHookRunner_ReapUnknownPIDReturnsFalse(t *testing.T) {
	h := newHookRunner(t)
	_, found := h.reap(999999)
	require.False(t, found)
}

func TestHandleScriptExit_FailedConnectScriptRemovesWorker(t *testing.T) {
	s := testSupervisor(t)
	workerPID := quickExitChild(t)
	proc := newFakeProc(t, workerPID)
	require.NoError(t, s.cfg.Registry.Insert(proc))

	err := s.hooks.Run(HookConnect, os.Args[0], []string{hookHelperEnvVar + "=1"}, workerPID)
	require.NoError(t, err)

	var scriptPID int
	for p := range s.hooks.pending {
		scriptPID = p
	}

	w, status := waitForReap(t, s.hooks, scriptPID)
	s.handleScriptExit(w, scriptPID, status)

	_, found := s.cfg.Registry.FindByPID(workerPID)
	require.False(t, found)

	drainReapable(t)
}

func TestHandleScriptExit_SuccessfulConnectScriptLeavesWorker(t *testing.T) {
	s := testSupervisor(t)
	workerPID := quickExitChild(t)
	proc := newFakeProc(t, workerPID)
	require.NoError(t, s.cfg.Registry.Insert(proc))

	err := s.hooks.Run(HookConnect, os.Args[0], []string{hookHelperEnvVar + "=0"}, workerPID)
	require.NoError(t, err)

	var scriptPID int
	for p := range s.hooks.pending {
		scriptPID = p
	}

	w, status := waitForReap(t, s.hooks, scriptPID)
	s.handleScriptExit(w, scriptPID, status)

	_, found := s.cfg.Registry.FindByPID(workerPID)
	require.True(t, found)

	drainReapable(t)
}

// drainReapable collects any already-exited children left over by a test's
// quickExitChild calls, so zombies don't accumulate across the test binary's
// lifetime.
func drainReapable(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, _, ok := waitNonBlocking(); !ok {
			return
		}
	}
}
