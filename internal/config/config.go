// Package config manages vpngwd supervisor configuration using koanf/v2.
//
// Supports YAML files and environment variables. The supervisor's own
// knobs only: listener addresses, spawner policy, timers, and ambient
// logging/metrics. VPN feature configuration (TLS ciphers, routes, auth
// backends) is opaque to the core and lives in the worker/sec-mod process.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete vpngwd configuration.
type Config struct {
	Listen  ListenConfig  `koanf:"listen"`
	Spawner SpawnerConfig `koanf:"spawner"`
	Timers  TimersConfig  `koanf:"timers"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// ListenConfig describes the listener set's bind targets.
type ListenConfig struct {
	// TCPAddr is the TCP listen address (e.g., ":443"). Empty disables it.
	TCPAddr string `koanf:"tcp_addr"`
	// UDPAddr is the UDP listen address (e.g., ":443"). Empty disables it.
	UDPAddr string `koanf:"udp_addr"`
	// UnixPath is the optional UNIX stream socket path for a trusted
	// front-end (e.g. a local load balancer). Empty disables it.
	UnixPath string `koanf:"unix_path"`
	// UnixUID/UnixGID/UnixMode control ownership and permissions applied
	// to UnixPath after bind.
	UnixUID  int    `koanf:"unix_uid"`
	UnixGID  int    `koanf:"unix_gid"`
	UnixMode uint32 `koanf:"unix_mode"`
	// TrustedUnixFrontend disables IP-only UDP fallback matching:
	// when every client arrives via the UNIX front-end, source-IP matching
	// on the UDP path is meaningless and must not be attempted.
	TrustedUnixFrontend bool `koanf:"trusted_unix_frontend"`
	// Backlog is the stream listen backlog. Default 1024.
	Backlog int `koanf:"backlog"`
	// PMTUDiscovery enables IP_MTU_DISCOVER on UDP sockets.
	PMTUDiscovery bool `koanf:"pmtu_discovery"`
}

// SpawnerConfig controls the accept-fork-isolate policy.
type SpawnerConfig struct {
	// MaxClients is the global active-worker ceiling.
	MaxClients int `koanf:"max_clients"`
	// ChrootDir, UID, GID are applied to the worker before exec.
	ChrootDir string `koanf:"chroot_dir"`
	UID       int    `koanf:"uid"`
	GID       int    `koanf:"gid"`
	// WorkerPath is the binary exec'd per accepted connection.
	WorkerPath string `koanf:"worker_path"`
	// SecModPath is the binary exec'd once at startup for the sec-mod process.
	SecModPath string `koanf:"sec_mod_path"`
	// SecModSocket is the UNIX socket sec-mod binds for workers; the path
	// is exported to sec-mod and every worker.
	SecModSocket string `koanf:"sec_mod_socket"`
	// ConnectScript, if set, is exec'd (argv, never a shell string) once a
	// worker has been registered for a new client. DisconnectScript is
	// exec'd when that worker's session ends. Either may be empty to
	// disable the corresponding hook.
	ConnectScript    string `koanf:"connect_script"`
	DisconnectScript string `koanf:"disconnect_script"`
}

// TimersConfig holds the supervisor's bounded-sleep and periodic timers.
type TimersConfig struct {
	// UDPFDResend is the dedup window for repeated UDP hand-offs to the
	// same worker. Default 3s.
	UDPFDResend time.Duration `koanf:"udp_fd_resend"`
	// ReapInterval is the sleep between reap attempts during shutdown.
	// Default 500ms.
	ReapInterval time.Duration `koanf:"reap_interval"`
	// ReapIterations bounds the reap loop before SIGKILL. Default 10.
	ReapIterations int `koanf:"reap_iterations"`
	// ReloadSecModDelay is the pause after signalling sec-mod on SIGHUP,
	// before the main process reloads its own configuration.
	// Default 1.5s.
	ReloadSecModDelay time.Duration `koanf:"reload_sec_mod_delay"`
	// MaintenanceInterval is the period of the ban-database/snapshot/CRL
	// maintenance timer.
	MaintenanceInterval time.Duration `koanf:"maintenance_interval"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the production defaults:
// backlog 1024, a 3s UDP hand-off dedup window, 10 reap attempts spaced
// 500ms apart before SIGKILL, and a 1.5s delay before reloading after
// signalling sec-mod.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Backlog:  1024,
			UnixMode: 0o660,
		},
		Spawner: SpawnerConfig{
			MaxClients:   1024,
			SecModSocket: "/run/vpngwd/sec-mod.sock",
		},
		Timers: TimersConfig{
			UDPFDResend:         3 * time.Second,
			ReapInterval:        500 * time.Millisecond,
			ReapIterations:      10,
			ReloadSecModDelay:   1500 * time.Millisecond,
			MaintenanceInterval: 60 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9443",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for vpngwd configuration.
// Variables are named VPNGWD_<section>_<key>, e.g., VPNGWD_LISTEN_TCP_ADDR.
const envPrefix = "VPNGWD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (VPNGWD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms VPNGWD_LISTEN_TCP_ADDR -> listen.tcp_addr style
// keys. Strips the prefix, lowercases, and replaces the first _ (the one
// after the section name) with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen.backlog":              defaults.Listen.Backlog,
		"listen.unix_mode":            defaults.Listen.UnixMode,
		"spawner.max_clients":         defaults.Spawner.MaxClients,
		"spawner.sec_mod_socket":      defaults.Spawner.SecModSocket,
		"timers.udp_fd_resend":        defaults.Timers.UDPFDResend.String(),
		"timers.reap_interval":        defaults.Timers.ReapInterval.String(),
		"timers.reap_iterations":      defaults.Timers.ReapIterations,
		"timers.reload_sec_mod_delay": defaults.Timers.ReloadSecModDelay.String(),
		"timers.maintenance_interval": defaults.Timers.MaintenanceInterval.String(),
		"metrics.addr":                defaults.Metrics.Addr,
		"metrics.path":                defaults.Metrics.Path,
		"log.level":                   defaults.Log.Level,
		"log.format":                  defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrNoListeners             = errors.New("at least one of listen.tcp_addr, listen.udp_addr, listen.unix_path must be set")
	ErrInvalidMaxClients       = errors.New("spawner.max_clients must be >= 1")
	ErrInvalidUDPFDResend      = errors.New("timers.udp_fd_resend must be > 0")
	ErrInvalidReapIterations   = errors.New("timers.reap_iterations must be >= 1")
	ErrInvalidReapInterval     = errors.New("timers.reap_interval must be > 0")
	ErrInvalidBacklog          = errors.New("listen.backlog must be >= 1")
	ErrWorkerPathWithoutListen = errors.New("spawner.worker_path must be set when a stream listener is configured")
	ErrSecModSocketRequired    = errors.New("spawner.sec_mod_socket must be set when spawner.sec_mod_path is configured")
)

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Listen.TCPAddr == "" && cfg.Listen.UDPAddr == "" && cfg.Listen.UnixPath == "" {
		return ErrNoListeners
	}

	if cfg.Spawner.MaxClients < 1 {
		return ErrInvalidMaxClients
	}

	if cfg.Timers.UDPFDResend <= 0 {
		return ErrInvalidUDPFDResend
	}

	if cfg.Timers.ReapIterations < 1 {
		return ErrInvalidReapIterations
	}

	if cfg.Timers.ReapInterval <= 0 {
		return ErrInvalidReapInterval
	}

	if cfg.Listen.Backlog < 1 {
		return ErrInvalidBacklog
	}

	if (cfg.Listen.TCPAddr != "" || cfg.Listen.UnixPath != "") && cfg.Spawner.WorkerPath == "" {
		return ErrWorkerPathWithoutListen
	}

	if cfg.Spawner.SecModPath != "" && cfg.Spawner.SecModSocket == "" {
		return ErrSecModSocketRequired
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
