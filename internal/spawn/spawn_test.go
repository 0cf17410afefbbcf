package spawn_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/govpngw/vpngwd/internal/ctrlchan"
	"github.com/govpngw/vpngwd/internal/spawn"
)

const helperEnvVar = "VPNGWD_SPAWN_TEST_HELPER"

// TestMain re-execs this test binary as a stand-in worker process when
// the helper env var is set (the same os.Args[0] re-exec trick the Go
// standard library's own os/exec tests use), so Spawn can be exercised
// against a real fork+exec without a separate worker binary.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnvVar) == "1" {
		runHelperWorker()
		return
	}
	goleak.VerifyTestMain(m)
}

// runHelperWorker reads its inherited control-channel descriptor
// (ExtraFiles[1], fd 4) and sends one MsgStats frame back, confirming
// the spawned process received a working control channel.
func runHelperWorker() {
	ctrlFile := os.NewFile(4, "ctrlchan-child")
	conn, err := net.FileConn(ctrlFile)
	if err != nil {
		os.Exit(1)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		os.Exit(1)
	}
	ch := ctrlchan.New(uc)
	if err := ch.Send(ctrlchan.MsgStats, []byte("hello-from-worker")); err != nil {
		os.Exit(1)
	}
	_ = ch.Close()
	os.Exit(0)
}

func acceptedUnixConn(t *testing.T) net.Conn {
	t.Helper()

	sockPath := filepath.Join(t.TempDir(), "accept-test.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptCh <- c
		}
	}()

	client, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return <-acceptCh
}

func TestSpawnStartsWorkerAndWiresControlChannel(t *testing.T) {
	t.Setenv(helperEnvVar, "1")

	accepted := acceptedUnixConn(t)
	defer func() { _ = accepted.Close() }()

	// Spawn does not bind the child to ctx, so cancelling it at cleanup
	// leaves no exec context-watcher goroutine for goleak's final check.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sp := spawn.New(spawn.Config{WorkerPath: os.Args[0]}, logger)

	local := netip.MustParseAddrPort("127.0.0.1:443")
	remote := netip.MustParseAddrPort("203.0.113.7:40000")

	result, err := sp.Spawn(ctx, accepted, local, remote, 0)
	require.NoError(t, err)
	require.NotNil(t, result.Proc)
	require.Positive(t, result.Proc.PID)
	require.Equal(t, local, result.Proc.LocalAddr)
	require.Equal(t, remote, result.Proc.RemoteAddr)

	msg, err := result.Ctrl.Recv()
	require.NoError(t, err)
	require.Equal(t, ctrlchan.MsgStats, msg.Type)
	require.Equal(t, "hello-from-worker", string(msg.Payload))

	require.NoError(t, result.Ctrl.Close())

	proc, err := os.FindProcess(result.Proc.PID)
	require.NoError(t, err)
	_, _ = proc.Wait()
}

func TestSpawnRejectsOverCeiling(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sp := spawn.New(spawn.Config{WorkerPath: os.Args[0], MaxClients: 1}, logger)

	local := netip.MustParseAddrPort("127.0.0.1:443")
	remote := netip.MustParseAddrPort("203.0.113.7:40000")

	_, err := sp.Spawn(context.Background(), nil, local, remote, 1)
	require.ErrorIs(t, err, spawn.ErrOverCeiling)
}
