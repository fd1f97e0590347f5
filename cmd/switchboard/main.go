// Switchboard mediates tool invocation between a language model host
// and a set of capability providers.
//
// Providers declare their tools over stdio, HTTP, or WebSocket
// transports; switchboard negotiates capabilities, validates arguments
// against declared schemas, dispatches calls concurrently, and composes
// the results back into the order the model emitted them. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	switchboard serve               Start the API server
//	switchboard tools               Negotiate with providers and list tools
//	switchboard call <tool> [json]  Invoke a single tool (for testing)
//	switchboard version             Print version and build information
//	switchboard -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/calder-ai/switchboard/internal/api"
	"github.com/calder-ai/switchboard/internal/audit"
	"github.com/calder-ai/switchboard/internal/buildinfo"
	"github.com/calder-ai/switchboard/internal/config"
	"github.com/calder-ai/switchboard/internal/dispatch"
	"github.com/calder-ai/switchboard/internal/provider"
	"github.com/calder-ai/switchboard/internal/schema"
	"github.com/calder-ai/switchboard/internal/seal"
	"github.com/calder-ai/switchboard/internal/session"
	"github.com/calder-ai/switchboard/internal/transport"
	"github.com/calder-ai/switchboard/internal/wire"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the switchboard command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and provider connections.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "tools":
		return runTools(ctx, stdout, configPath, outputFmt)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: switchboard call <tool> [json-arguments]")
		}
		return runCall(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Switchboard - Tool Invocation Dispatcher")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: switchboard [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Start the API server")
	fmt.Fprintln(w, "  tools              Negotiate with providers and list registered tools")
	fmt.Fprintln(w, "  call <tool> [json] Invoke a single tool (for testing)")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./switchboard.yaml, ~/.config/switchboard/switchboard.yaml,")
	fmt.Fprintln(w, "  /etc/switchboard/switchboard.yaml")
	return nil
}

// runTools handles the "switchboard tools" subcommand. It negotiates
// with every configured provider, prints the resulting tool catalog,
// and tears the session down. Useful for verifying provider configs
// without starting the server.
func runTools(ctx context.Context, stdout io.Writer, configPath string, outputFmt string) error {
	logger := newLogger(io.Discard, slog.LevelInfo, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	sess, _, err := buildSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	catalog := sess.Registry().Snapshot()

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess.Registry().Catalog())
	}

	fmt.Fprintf(stdout, "%d tools registered\n", len(catalog))
	for _, d := range catalog {
		fmt.Fprintf(stdout, "  %-30s %s\n", d.Name, d.Description)
	}
	return nil
}

// runCall handles the "switchboard call <tool> [json]" subcommand. It
// negotiates, runs a single synthetic turn against the named tool, and
// prints the composed feedback entry. A smoke test for provider
// wiring; not intended for production traffic.
func runCall(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(io.Discard, slog.LevelWarn, "text")

	tool := args[0]
	rawArgs := "{}"
	if len(args) > 1 {
		rawArgs = strings.Join(args[1:], " ")
	}
	if !json.Valid([]byte(rawArgs)) {
		return fmt.Errorf("arguments are not valid JSON: %s", rawArgs)
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	sess, _, err := buildSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	call, err := json.Marshal(map[string]any{
		"id":        "cli-1",
		"name":      tool,
		"arguments": json.RawMessage(rawArgs),
	})
	if err != nil {
		return err
	}

	entries, err := sess.RunTurn(ctx, []json.RawMessage{call})
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}

	for _, e := range entries {
		fmt.Fprintln(stdout, e.Content)
	}
	return nil
}

// runServe handles the "switchboard serve" subcommand. It is the
// primary operating mode: loads config, opens the audit trail,
// negotiates with all configured providers, starts the API server, and
// blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The session closes, cancelling in-flight calls and releasing
//     provider connections
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting switchboard", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger covers only the startup banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Load, so this error path
			// should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"providers", len(cfg.Providers),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	sess, trail, err := buildSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()
	if trail != nil {
		defer trail.Close()
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, sess, logger)
	if trail != nil {
		server.SetAuditStore(trail)
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("switchboard stopped")
	return nil
}

// buildSession constructs a session from config: one transport per
// provider, the audit recorder when enabled, then capability
// negotiation. The returned audit store is nil when auditing is
// disabled; the caller owns closing both.
func buildSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session.Session, *audit.Store, error) {
	var trail *audit.Store
	if cfg.Audit.Enabled {
		var sealer *seal.Sealer
		if cfg.Audit.SealSecret != "" {
			var err error
			sealer, err = seal.New(cfg.Audit.SealSecret)
			if err != nil {
				return nil, nil, fmt.Errorf("audit seal: %w", err)
			}
		}
		var err error
		trail, err = audit.NewStore(cfg.Audit.Path, sealer, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit trail %s: %w", cfg.Audit.Path, err)
		}
		logger.Info("audit trail opened", "path", cfg.Audit.Path, "sealed", sealer != nil)
	}

	mode := schema.Strict
	if cfg.Defaults.LenientValidation {
		mode = schema.Lenient
	}

	sessCfg := session.Config{
		Dispatch: dispatch.Options{
			CallTimeout:    cfg.CallTimeout(),
			RetryMax:       cfg.Defaults.RetryMax,
			ValidationMode: mode,
			CacheTTL:       cfg.CacheTTL(),
		},
		Logger: logger,
	}
	if trail != nil {
		sessCfg.Recorder = trail
	}
	sess := session.New(sessCfg)

	specs := make([]session.ProviderSpec, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		specs = append(specs, session.ProviderSpec{
			Name:           p.Name,
			Transport:      newTransport(p, logger),
			MaxConcurrency: p.MaxConcurrency,
			Include:        p.IncludeTools,
			Exclude:        p.ExcludeTools,
			Backoff:        backoffConfig(p.Health),
		})
	}

	if err := sess.Negotiate(ctx, specs); err != nil {
		if trail != nil {
			trail.Close()
		}
		sess.Close()
		return nil, nil, fmt.Errorf("negotiate: %w", err)
	}

	return sess, trail, nil
}

// backoffConfig converts configured health probing values to a
// provider.BackoffConfig. Zero fields keep the watcher defaults.
func backoffConfig(h config.HealthConfig) provider.BackoffConfig {
	return provider.BackoffConfig{
		PollInterval: time.Duration(h.PollIntervalSec) * time.Second,
		InitialDelay: time.Duration(h.InitialDelaySec) * time.Second,
		MaxDelay:     time.Duration(h.MaxDelaySec) * time.Second,
		MaxRetries:   h.RetryMax,
		ProbeTimeout: time.Duration(h.ProbeTimeoutSec) * time.Second,
	}
}

// newTransport builds the wire transport for one provider config.
// Transport values are validated at config load, so the default case
// is unreachable.
func newTransport(p config.ProviderConfig, logger *slog.Logger) wire.Transport {
	switch p.Transport {
	case "stdio":
		return transport.NewStdio(transport.StdioConfig{
			Command: p.Command,
			Args:    p.Args,
			Env:     p.Env,
			Logger:  logger,
		})
	case "websocket":
		return transport.NewWebsocket(transport.WebsocketConfig{
			URL:     p.URL,
			Headers: p.Headers,
			Logger:  logger,
		})
	default:
		return transport.NewHTTP(transport.HTTPConfig{
			URL:     p.URL,
			Headers: p.Headers,
			Logger:  logger,
		})
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
