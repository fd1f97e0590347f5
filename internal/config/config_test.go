package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "switchboard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: 127.0.0.1
  port: 9000
defaults:
  call_timeout_sec: 10
  retry_max: 1
  lenient_validation: true
  cache_ttl_sec: 60
audit:
  enabled: true
  seal_secret: hunter2
data_dir: /var/lib/switchboard
log_level: debug
log_format: json
providers:
  - name: orders
    transport: stdio
    command: /usr/local/bin/orders-server
    args: ["--verbose"]
    max_concurrency: 4
    health:
      poll_interval_sec: 5
      retry_max: 5
  - name: quotes
    transport: websocket
    url: wss://quotes.internal/mcp
    include_tools: [get_quote]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Address != "127.0.0.1" || cfg.Listen.Port != 9000 {
		t.Errorf("Listen = %+v", cfg.Listen)
	}
	if cfg.CallTimeout() != 10*time.Second {
		t.Errorf("CallTimeout = %v", cfg.CallTimeout())
	}
	if cfg.CacheTTL() != time.Minute {
		t.Errorf("CacheTTL = %v", cfg.CacheTTL())
	}
	if !cfg.Defaults.LenientValidation {
		t.Error("LenientValidation not set")
	}
	if !cfg.Audit.Enabled || cfg.Audit.SealSecret != "hunter2" {
		t.Errorf("Audit = %+v", cfg.Audit)
	}
	// Audit path defaults under data_dir when unset.
	if cfg.Audit.Path != filepath.Join("/var/lib/switchboard", "audit.db") {
		t.Errorf("Audit.Path = %q", cfg.Audit.Path)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("got %d providers", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.Name != "orders" || p.Transport != "stdio" || p.Command != "/usr/local/bin/orders-server" {
		t.Errorf("provider = %+v", p)
	}
	if p.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d", p.MaxConcurrency)
	}
	if p.Health.PollIntervalSec != 5 || p.Health.RetryMax != 5 {
		t.Errorf("Health = %+v", p.Health)
	}
	// Unset probe fields stay zero; the watcher applies its defaults.
	if p.Health.ProbeTimeoutSec != 0 {
		t.Errorf("ProbeTimeoutSec = %d", p.Health.ProbeTimeoutSec)
	}
	if got := cfg.Providers[1].IncludeTools; len(got) != 1 || got[0] != "get_quote" {
		t.Errorf("IncludeTools = %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `providers: []`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 8750 {
		t.Errorf("Port = %d, want 8750", cfg.Listen.Port)
	}
	if cfg.CallTimeout() != 30*time.Second {
		t.Errorf("CallTimeout = %v", cfg.CallTimeout())
	}
	if cfg.Defaults.RetryMax != 2 {
		t.Errorf("RetryMax = %d", cfg.Defaults.RetryMax)
	}
	if cfg.CacheTTL() != 0 {
		t.Errorf("CacheTTL = %v, want 0", cfg.CacheTTL())
	}
	if cfg.DataDir != "." {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	// Audit path stays empty while auditing is disabled.
	if cfg.Audit.Path != "" {
		t.Errorf("Audit.Path = %q", cfg.Audit.Path)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing provider name",
			content: `providers:
  - transport: stdio
    command: /bin/true`,
			wantErr: "name is required",
		},
		{
			name: "duplicate provider name",
			content: `providers:
  - name: orders
    transport: stdio
    command: /bin/true
  - name: orders
    transport: stdio
    command: /bin/true`,
			wantErr: "duplicate name",
		},
		{
			name: "stdio without command",
			content: `providers:
  - name: orders
    transport: stdio`,
			wantErr: "requires command",
		},
		{
			name: "websocket without url",
			content: `providers:
  - name: quotes
    transport: websocket`,
			wantErr: "requires url",
		},
		{
			name: "unknown transport",
			content: `providers:
  - name: quotes
    transport: carrier-pigeon
    url: x`,
			wantErr: "unknown transport",
		},
		{
			name:    "bad log level",
			content: `log_level: loud`,
			wantErr: "unknown log level",
		},
		{
			name:    "bad log format",
			content: `log_format: xml`,
			wantErr: "unknown log format",
		},
		{
			name:    "not yaml",
			content: `{{{`,
			wantErr: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestFindConfigExplicit(t *testing.T) {
	path := writeConfig(t, `providers: []`)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig = %q, want %q", got, path)
	}

	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("FindConfig accepted a missing explicit path")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "info", want: slog.LevelInfo},
		{in: "INFO", want: slog.LevelInfo},
		{in: " debug ", want: slog.LevelDebug},
		{in: "trace", want: LevelTrace},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLogLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	attr := slog.Any(slog.LevelKey, LevelTrace)
	out := ReplaceLogLevelNames(nil, attr)
	if out.Value.String() != "TRACE" {
		t.Errorf("level rendered as %q, want TRACE", out.Value.String())
	}

	// Standard levels pass through untouched.
	attr = slog.Any(slog.LevelKey, slog.LevelInfo)
	out = ReplaceLogLevelNames(nil, attr)
	if out.Value.Any() != slog.LevelInfo {
		t.Errorf("info level rewritten to %v", out.Value.Any())
	}
}
