// Command vpngwd is the privilege-separated VPN gateway's main supervisor
// process: it owns the bound listeners, sniffs incoming DTLS datagrams to
// hand UDP flows off to the right worker, accept-fork-isolates a worker
// per TCP/UNIX client, and reaps/reloads/terminates on signal. The worker and sec-mod processes themselves are separate binaries;
// this process never interprets VPN protocol state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/govpngw/vpngwd/internal/config"
	"github.com/govpngw/vpngwd/internal/dispatch"
	"github.com/govpngw/vpngwd/internal/listen"
	"github.com/govpngw/vpngwd/internal/metrics"
	"github.com/govpngw/vpngwd/internal/registry"
	"github.com/govpngw/vpngwd/internal/secmod"
	"github.com/govpngw/vpngwd/internal/spawn"
	"github.com/govpngw/vpngwd/internal/supervisor"
	appversion "github.com/govpngw/vpngwd/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	pidFile := flag.String("pid-file", "", "path to write the supervisor's PID")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("vpngwd starting",
		slog.String("version", appversion.Version),
		slog.String("tcp_addr", cfg.Listen.TCPAddr),
		slog.String("udp_addr", cfg.Listen.UDPAddr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, cfg, collector, reg, logger, *pidFile, *configPath, logLevel); err != nil {
		logger.Error("vpngwd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("vpngwd stopped")
	return 0
}

// runDaemon builds the listener set and core collaborators, starts the
// metrics HTTP server, signals systemd readiness, and blocks in the
// supervisor's event loop until termination.
func runDaemon(
	ctx context.Context,
	cfg *config.Config,
	collector *metrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	pidFile string,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	listenSet, err := listen.Build(ctx, listen.Config{
		TCPAddr:             cfg.Listen.TCPAddr,
		UDPAddr:             cfg.Listen.UDPAddr,
		UnixPath:            cfg.Listen.UnixPath,
		UnixUID:             cfg.Listen.UnixUID,
		UnixGID:             cfg.Listen.UnixGID,
		UnixMode:            os.FileMode(cfg.Listen.UnixMode),
		TrustedUnixFrontend: cfg.Listen.TrustedUnixFrontend,
		Backlog:             cfg.Listen.Backlog,
		PMTUDiscovery:       cfg.Listen.PMTUDiscovery,
	}, logger)
	if err != nil {
		return fmt.Errorf("build listener set: %w", err)
	}
	defer func() {
		if err := listenSet.Close(); err != nil {
			logger.Warn("close listeners failed", slog.String("error", err.Error()))
		}
	}()

	var secModProc *secmod.Process
	var regOpts []registry.Option
	secModSocket := ""
	if cfg.Spawner.SecModPath != "" {
		secModSocket = cfg.Spawner.SecModSocket
		secModProc, err = secmod.Start(ctx, secmod.Config{
			Path:       cfg.Spawner.SecModPath,
			SocketPath: cfg.Spawner.SecModSocket,
		}, logger)
		if err != nil {
			return fmt.Errorf("start sec-mod: %w", err)
		}
		regOpts = append(regOpts, registry.WithSecModNotifier(secModProc))
	}

	reg2 := registry.New(logger, regOpts...)

	spawner := spawn.New(spawn.Config{
		WorkerPath:   cfg.Spawner.WorkerPath,
		ChrootDir:    cfg.Spawner.ChrootDir,
		UID:          cfg.Spawner.UID,
		GID:          cfg.Spawner.GID,
		MaxClients:   cfg.Spawner.MaxClients,
		SecModSocket: secModSocket,
	}, logger)

	dispatcher := dispatch.New(dispatch.Config{
		UDPFDResendWindow:         cfg.Timers.UDPFDResend,
		TrustedUnixFrontend:       cfg.Listen.TrustedUnixFrontend,
		UseApplicationIDExtension: true,
		PMTUDiscovery:             cfg.Listen.PMTUDiscovery,
	}, reg2, collector, logger)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	metricsErrCh := make(chan error, 1)
	go func() {
		metricsErrCh <- listenAndServeMetrics(ctx, metricsSrv, cfg.Metrics.Addr)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
		}
	}()

	supCfg := supervisor.Config{
		Listeners:  listenSet,
		Registry:   reg2,
		Spawner:    spawner,
		Dispatcher: dispatcher,
		Metrics:    collector,
		Timers: supervisor.Timers{
			ReapInterval:        cfg.Timers.ReapInterval,
			ReapIterations:      cfg.Timers.ReapIterations,
			ReloadSecModDelay:   cfg.Timers.ReloadSecModDelay,
			MaintenanceInterval: cfg.Timers.MaintenanceInterval,
		},
		Reload: func() error {
			return reloadConfig(configPath, logLevel, logger)
		},
		PIDFile:          pidFile,
		ConnectScript:    cfg.Spawner.ConnectScript,
		DisconnectScript: cfg.Spawner.DisconnectScript,
	}
	if secModProc != nil {
		supCfg.SecMod = secModProc
	}
	sup := supervisor.New(supCfg, logger)

	notifyReady(logger)
	defer notifyStopping(logger)

	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("run supervisor: %w", err)
	}

	select {
	case err := <-metricsErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
	default:
	}

	return nil
}

// reloadConfig re-reads and validates configuration from disk and applies
// its log level live. No other setting is applied: the spawner, dispatcher
// and listeners keep the configuration they were built with at startup.
func reloadConfig(path string, logLevel *slog.LevelVar, logger *slog.Logger) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return fmt.Errorf("reload config from %s: %w", path, err)
	}
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger.Info("configuration reloaded", slog.String("log_level", cfg.Log.Level))
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServeMetrics(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics on %s: %w", addr, err)
	}
	return nil
}

// notifyReady signals systemd readiness (no-op outside systemd).
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("sd_notify ready failed", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Debug("sent sd_notify ready")
	}
}

// notifyStopping signals systemd that shutdown has begun.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("sd_notify stopping failed", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Debug("sent sd_notify stopping")
	}
}
