package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/govpngw/vpngwd/internal/ctrlchan"
	"github.com/govpngw/vpngwd/internal/metrics"
	"github.com/govpngw/vpngwd/internal/registry"
	"github.com/govpngw/vpngwd/internal/secmod"
)

// The live sec-mod handle must satisfy the supervisor's interface.
var _ SecMod = (*secmod.Process)(nil)

// helperEnvVar triggers the os.Args[0] re-exec trick (mirroring
// internal/spawn's test helper) so reap/terminate tests can wait for a
// real child process exit instead of faking one.
const helperEnvVar = "VPNGWD_SUPERVISOR_TEST_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnvVar) == "1" {
		os.Exit(0)
	}
	goleak.VerifyTestMain(m)
}

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	return New(Config{
		Registry: reg,
		Metrics:  collector,
		Timers: Timers{
			ReapInterval:   10 * time.Millisecond,
			ReapIterations: 10,
		},
	}, logger)
}

// quickExitChild spawns a helper child process that exits immediately,
// returning its PID. Used to exercise reap/terminate paths against a
// real, fast-exiting child instead of a synthetic PID.
func quickExitChild(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), helperEnvVar+"=1")
	require.NoError(t, cmd.Start())
	return cmd.Process.Pid
}

func TestAddrPortOf_TCPAddrYieldsValidAddrPort(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51820}
	got := addrPortOf(addr)
	require.True(t, got.IsValid())
	require.Equal(t, uint16(51820), got.Port())
	require.Equal(t, netip.MustParseAddr("203.0.113.9"), got.Addr())
}

func TestAddrPortOf_UnixAddrYieldsInvalidAddrPort(t *testing.T) {
	addr := &net.UnixAddr{Name: "/run/vpngwd.sock", Net: "unix"}
	got := addrPortOf(addr)
	require.False(t, got.IsValid())
}

func TestWaitNonBlockingReapsRealExitedChild(t *testing.T) {
	pid := quickExitChild(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		gotPID, _, ok := waitNonBlocking()
		if ok {
			require.Equal(t, pid, gotPID)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("waitNonBlocking never reaped the helper child")
}

func newFakeProc(t *testing.T, pid int) *registry.Proc {
	t.Helper()
	parent, childFile, err := ctrlchan.NewSocketpair()
	require.NoError(t, err)
	require.NoError(t, childFile.Close())

	sid, err := registry.NewSessionID()
	require.NoError(t, err)

	return &registry.Proc{
		PID:        pid,
		CtrlConn:   parent,
		SessionID:  sid,
		RemoteAddr: netip.MustParseAddrPort("203.0.113.7:40000"),
		LocalAddr:  netip.MustParseAddrPort("127.0.0.1:443"),
	}
}

func TestReapAllRemovesRegistryRecordOnChildExit(t *testing.T) {
	s := testSupervisor(t)
	pid := quickExitChild(t)

	proc := newFakeProc(t, pid)
	require.NoError(t, s.cfg.Registry.Insert(proc))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.reapAll()
		if _, ok := s.cfg.Registry.FindByPID(pid); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("reapAll never removed the exited worker's registry record")
}

func TestTerminateReapsAllLiveWorkersWithoutForceKill(t *testing.T) {
	s := testSupervisor(t)

	for i := 0; i < 3; i++ {
		pid := quickExitChild(t)
		require.NoError(t, s.cfg.Registry.Insert(newFakeProc(t, pid)))
	}

	s.terminate()

	require.Equal(t, 0, s.cfg.Registry.Len())

	var forced dto.Metric
	require.NoError(t, s.cfg.Metrics.ForcedKillsTotal.Write(&forced))
	require.Zero(t, forced.GetCounter().GetValue())
}

// fakeBan bans everything, for exercising the pre-fork accept veto.
type fakeBan struct{}

func (fakeBan) IsBanned(netip.Addr) bool { return true }
func (fakeBan) Sweep()                   {}

func TestHandleAcceptedRejectsBannedClientBeforeSpawn(t *testing.T) {
	s := testSupervisor(t)
	s.cfg.Ban = fakeBan{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer func() { _ = dialed.Close() }()

	accepted, err := ln.Accept()
	require.NoError(t, err)

	// cfg.Spawner is nil here: reaching the spawn path would panic, so a
	// clean return proves the ban veto fired first.
	s.handleAccepted(context.Background(), accepted, false)

	require.Equal(t, 0, s.cfg.Registry.Len())
}

// fakeSecMod satisfies the SecMod interface with a pinned PID and
// recorded signal calls, without spawning a real sec-mod binary.
type fakeSecMod struct {
	pid        int
	reloads    int
	terminates int
}

func (f *fakeSecMod) PID() int               { return f.pid }
func (f *fakeSecMod) SignalReload() error    { f.reloads++; return nil }
func (f *fakeSecMod) SignalTerminate() error { f.terminates++; return nil }
func (f *fakeSecMod) Recv() (ctrlchan.Message, error) {
	return ctrlchan.Message{}, io.EOF
}
func (f *fakeSecMod) Close() error { return nil }

func TestReapAllSecModExitSynthesizesSIGTERM(t *testing.T) {
	s := testSupervisor(t)

	pid := quickExitChild(t)
	s.cfg.SecMod = &fakeSecMod{pid: pid}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.reapAll()
		select {
		case <-sigCh:
			require.True(t, s.secModReaped.Load())
			return
		default:
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sec-mod exit never synthesized SIGTERM")
}

func TestTerminateSkipsAlreadyReapedSecMod(t *testing.T) {
	s := testSupervisor(t)

	fake := &fakeSecMod{pid: 999999}
	s.cfg.SecMod = fake
	s.secModReaped.Store(true)

	s.terminate()

	require.Zero(t, fake.terminates)
}

func TestControlReadLoop_SessionTeardownRemovesProc(t *testing.T) {
	s := testSupervisor(t)

	parent, childFile, err := ctrlchan.NewSocketpair()
	require.NoError(t, err)

	childConn, err := net.FileConn(childFile)
	require.NoError(t, err)
	require.NoError(t, childFile.Close())
	childUC, ok := childConn.(*net.UnixConn)
	require.True(t, ok)
	child := ctrlchan.New(childUC)

	sid, err := registry.NewSessionID()
	require.NoError(t, err)
	proc := &registry.Proc{PID: os.Getpid(), CtrlConn: parent, SessionID: sid}
	require.NoError(t, s.cfg.Registry.Insert(proc))

	done := make(chan struct{})
	go func() {
		s.controlReadLoop(proc)
		close(done)
	}()

	require.NoError(t, child.Send(ctrlchan.MsgSessionTeardown, nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("controlReadLoop did not return after session teardown")
	}

	_, found := s.cfg.Registry.FindByPID(os.Getpid())
	require.False(t, found)

	_ = child.Close()
}
