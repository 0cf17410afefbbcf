package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/govpngw/vpngwd/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Listen.Backlog != 1024 {
		t.Errorf("Listen.Backlog = %d, want %d", cfg.Listen.Backlog, 1024)
	}

	if cfg.Spawner.MaxClients != 1024 {
		t.Errorf("Spawner.MaxClients = %d, want %d", cfg.Spawner.MaxClients, 1024)
	}

	if cfg.Timers.UDPFDResend != 3*time.Second {
		t.Errorf("Timers.UDPFDResend = %v, want %v", cfg.Timers.UDPFDResend, 3*time.Second)
	}

	if cfg.Timers.ReapIterations != 10 {
		t.Errorf("Timers.ReapIterations = %d, want %d", cfg.Timers.ReapIterations, 10)
	}

	if cfg.Timers.ReloadSecModDelay != 1500*time.Millisecond {
		t.Errorf("Timers.ReloadSecModDelay = %v, want %v", cfg.Timers.ReloadSecModDelay, 1500*time.Millisecond)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	// Defaults alone fail Validate (no listener configured) — that is
	// expected, since DefaultConfig carries no addresses.
	cfg.Listen.TCPAddr = ":443"
	cfg.Spawner.WorkerPath = "/usr/libexec/vpngw-worker"
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() with a listener failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
listen:
  tcp_addr: ":443"
  udp_addr: ":443"
spawner:
  worker_path: "/usr/libexec/vpngw-worker"
  max_clients: 500
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
timers:
  udp_fd_resend: "5s"
  reap_iterations: 20
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Listen.TCPAddr != ":443" {
		t.Errorf("Listen.TCPAddr = %q, want %q", cfg.Listen.TCPAddr, ":443")
	}

	if cfg.Spawner.MaxClients != 500 {
		t.Errorf("Spawner.MaxClients = %d, want %d", cfg.Spawner.MaxClients, 500)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Timers.UDPFDResend != 5*time.Second {
		t.Errorf("Timers.UDPFDResend = %v, want %v", cfg.Timers.UDPFDResend, 5*time.Second)
	}

	if cfg.Timers.ReapIterations != 20 {
		t.Errorf("Timers.ReapIterations = %d, want %d", cfg.Timers.ReapIterations, 20)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	yamlContent := `
listen:
  tcp_addr: ":443"
spawner:
  worker_path: "/usr/libexec/vpngw-worker"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Defaults preserved.
	if cfg.Listen.Backlog != 1024 {
		t.Errorf("Listen.Backlog = %d, want default %d", cfg.Listen.Backlog, 1024)
	}

	if cfg.Timers.UDPFDResend != 3*time.Second {
		t.Errorf("Timers.UDPFDResend = %v, want default %v", cfg.Timers.UDPFDResend, 3*time.Second)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		cfg := config.DefaultConfig()
		cfg.Listen.TCPAddr = ":443"
		cfg.Spawner.WorkerPath = "/usr/libexec/vpngw-worker"
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "no listeners",
			modify: func(cfg *config.Config) {
				cfg.Listen.TCPAddr = ""
			},
			wantErr: config.ErrNoListeners,
		},
		{
			name: "zero max clients",
			modify: func(cfg *config.Config) {
				cfg.Spawner.MaxClients = 0
			},
			wantErr: config.ErrInvalidMaxClients,
		},
		{
			name: "zero udp fd resend",
			modify: func(cfg *config.Config) {
				cfg.Timers.UDPFDResend = 0
			},
			wantErr: config.ErrInvalidUDPFDResend,
		},
		{
			name: "zero reap iterations",
			modify: func(cfg *config.Config) {
				cfg.Timers.ReapIterations = 0
			},
			wantErr: config.ErrInvalidReapIterations,
		},
		{
			name: "zero reap interval",
			modify: func(cfg *config.Config) {
				cfg.Timers.ReapInterval = 0
			},
			wantErr: config.ErrInvalidReapInterval,
		},
		{
			name: "zero backlog",
			modify: func(cfg *config.Config) {
				cfg.Listen.Backlog = 0
			},
			wantErr: config.ErrInvalidBacklog,
		},
		{
			name: "missing worker path with tcp listener",
			modify: func(cfg *config.Config) {
				cfg.Spawner.WorkerPath = ""
			},
			wantErr: config.ErrWorkerPathWithoutListen,
		},
		{
			name: "sec-mod path without socket",
			modify: func(cfg *config.Config) {
				cfg.Spawner.SecModPath = "/usr/libexec/vpngw-secmod"
				cfg.Spawner.SecModSocket = ""
			},
			wantErr: config.ErrSecModSocketRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUDPOnlyNeedsNoWorkerPath(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Listen.UDPAddr = ":443"

	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate() with udp-only listener returned error: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
listen:
  tcp_addr: ":443"
spawner:
  worker_path: "/usr/libexec/vpngw-worker"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("VPNGWD_LOG_LEVEL", "debug")
	t.Setenv("VPNGWD_METRICS_ADDR", ":9999")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}

	if cfg.Metrics.Addr != ":9999" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9999")
	}
}

// writeTemp creates a temporary YAML file and returns its path. The file
// is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "vpngwd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
