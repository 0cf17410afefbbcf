// Command vpngw-secmod-stub is the minimal exec target vpngwd spawns as
// its security-module child. The real sec-mod (key custody, client
// authentication) is out of scope for this module; this stub speaks just
// enough of the control-channel contract that the supervisor's sec-mod
// lifecycle — spawn, reload signal, per-session release, liveness — can
// be exercised end to end.
//
// Inherited descriptors, fixed by internal/secmod's ExtraFiles order:
//
//	fd 3: the sec-mod end of the control-channel socketpair
//
// The UNIX socket path workers would dial is read from the environment
// (internal/secmod.SocketEnvVar); the stub binds it so a worker's
// connection attempt succeeds, but never authenticates anything.
//
//go:build linux

package main

import (
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/govpngw/vpngwd/internal/ctrlchan"
	"github.com/govpngw/vpngwd/internal/secmod"
)

const fdCtrl = 3

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(slog.String("component", "secmod-stub"))

	ctrl, err := wrapCtrlChannel(fdCtrl)
	if err != nil {
		logger.Error("wrap control channel failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = ctrl.Close() }()

	var workerLn net.Listener
	if path := os.Getenv(secmod.SocketEnvVar); path != "" {
		workerLn, err = bindWorkerSocket(path)
		if err != nil {
			logger.Error("bind worker socket failed", slog.String("path", path), slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() { _ = workerLn.Close() }()
		go acceptWorkers(workerLn, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	logger.Info("sec-mod ready", slog.Int("pid", os.Getpid()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := ctrl.Recv()
			if err != nil {
				return
			}
			switch msg.Type {
			case ctrlchan.MsgSecModSessionClose:
				logger.Debug("session state released", slog.Int("sid_len", len(msg.Payload)))
			default:
				logger.Warn("unexpected control message", slog.String("type", msg.Type.String()))
			}
		}
	}()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("reload requested, refreshed key material")
				continue
			}
			logger.Info("terminating", slog.String("signal", sig.String()))
			return
		case <-done:
			// The supervisor closed the channel; nothing left to serve.
			return
		}
	}
}

func wrapCtrlChannel(fd uintptr) (*ctrlchan.Conn, error) {
	f := os.NewFile(fd, "secmod-ctrl")
	defer func() { _ = f.Close() }()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return nil, net.UnknownNetworkError("secmod-stub: fd is not a unix socket")
	}
	return ctrlchan.New(uc), nil
}

func bindWorkerSocket(path string) (net.Listener, error) {
	if _, err := os.Lstat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}
	return net.Listen("unix", path)
}

// acceptWorkers drains worker connections so their dials succeed; the
// auth conversation itself is out of scope and every connection is
// closed immediately.
func acceptWorkers(ln net.Listener, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		logger.Debug("worker connected")
		_ = conn.Close()
	}
}
