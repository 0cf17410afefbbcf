// Command vpngw-worker-stub is the minimal exec target spawned by vpngwd
// per accepted TCP/UNIX connection. The actual DTLS/TLS
// worker protocol is out of scope for this module; this stub exists so
// the supervisor's spawn path has a real binary to exec and a real
// control channel to speak to, exercising the fd-inheritance and
// control-channel contract end to end.
//
// Inherited descriptors, fixed by internal/spawn's ExtraFiles order:
//
//	fd 3: the accepted client connection (TCP or UNIX stream)
//	fd 4: the worker's end of the control-channel socketpair
//
// internal/spawn documents that Go's os/exec has no fork hook to run
// child-only setup between fork and exec; this binary performs that
// setup itself, first, before touching either inherited descriptor.
//
//go:build linux

package main

import (
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/govpngw/vpngwd/internal/ctrlchan"
)

const (
	fdConn = 3
	fdCtrl = 4
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(slog.String("component", "worker-stub"))

	if err := completeChildSetup(); err != nil {
		logger.Error("child privilege-drop completion failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctrl, err := wrapCtrlChannel(fdCtrl)
	if err != nil {
		logger.Error("wrap control channel failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = ctrl.Close() }()

	connFile := os.NewFile(fdConn, "accepted-conn")
	defer func() { _ = connFile.Close() }()

	logger.Info("worker ready", slog.Int("pid", os.Getpid()))

	if err := ctrl.Send(ctrlchan.MsgSessionSetup, nil); err != nil {
		logger.Error("send session setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := serve(ctrl, connFile, logger); err != nil {
		logger.Error("serve failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// completeChildSetup performs the steps that must happen in the child
// after fork but which os/exec has no hook to run there:
// restoring the default disposition for every signal (the parent may
// have blocked or ignored signals the worker must not inherit) and
// zeroing RLIMIT_NPROC so a compromised worker cannot fork further.
func completeChildSetup() error {
	signal.Reset()

	limit := unix.Rlimit{Cur: 0, Max: 0}
	if err := unix.Setrlimit(unix.RLIMIT_NPROC, &limit); err != nil {
		return err
	}
	return nil
}

func wrapCtrlChannel(fd uintptr) (*ctrlchan.Conn, error) {
	f := os.NewFile(fd, "ctrlchan")
	defer func() { _ = f.Close() }()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return nil, net.UnknownNetworkError("ctrlchan: fd is not a unix socket")
	}
	return ctrlchan.New(uc), nil
}

// serve drains the control channel until the main process closes it
//, periodically emitting a stats
// message so the supervisor's control-read loop has non-trivial traffic
// to exercise in integration tests. It never reads from connFile itself:
// the actual client protocol is out of scope for this stub.
func serve(ctrl *ctrlchan.Conn, connFile *os.File, logger *slog.Logger) error {
	_ = connFile // held open for the lifetime of the session; unused otherwise

	statsTicker := time.NewTicker(30 * time.Second)
	defer statsTicker.Stop()

	done := make(chan error, 1)
	go func() {
		for {
			msg, err := ctrl.Recv()
			if err != nil {
				done <- err
				return
			}
			switch msg.Type {
			case ctrlchan.MsgSessionTerminate:
				done <- nil
				return
			case ctrlchan.MsgUDPFD:
				hello, datagram, decodeErr := ctrlchan.DecodeUDPFD(msg.Payload)
				if decodeErr != nil {
					logger.Warn("decode udp fd payload failed", slog.String("error", decodeErr.Error()))
					if msg.FD >= 0 {
						_ = unix.Close(msg.FD)
					}
					continue
				}
				logger.Debug("received udp fd", slog.Bool("hello", hello), slog.Int("datagram_len", len(datagram)))
				if msg.FD >= 0 {
					_ = unix.Close(msg.FD)
				}
			case ctrlchan.MsgReloadNotify:
				logger.Debug("received reload notification")
			default:
				logger.Warn("unexpected control message", slog.String("type", msg.Type.String()))
			}
		}
	}()

	for {
		select {
		case err := <-done:
			return err
		case <-statsTicker.C:
			if err := ctrl.Send(ctrlchan.MsgStats, nil); err != nil {
				return err
			}
		}
	}
}
