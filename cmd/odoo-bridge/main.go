// Odoo-bridge maintains a pool of authenticated connections to an Odoo
// server and exposes them to callers over JSON-RPC or XML-RPC, with
// optional real-time bus notifications over websocket. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	odoo-bridge serve                         Run the bridge
//	odoo-bridge init [dir]                    Write a default config.yaml
//	odoo-bridge call <model> <method> [json]  Execute one RPC call (for testing)
//	odoo-bridge version                       Print version and build information
//	odoo-bridge -o json version               Output version information as JSON
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

	"go.opentelemetry.io/otel"

	"github.com/nugget/odoo-bridge/internal/buildinfo"
	"github.com/nugget/odoo-bridge/internal/bus"
	"github.com/nugget/odoo-bridge/internal/config"
	"github.com/nugget/odoo-bridge/internal/odoorpc"
	"github.com/nugget/odoo-bridge/internal/pool"
	"github.com/nugget/odoo-bridge/internal/ratelimit"
	"github.com/nugget/odoo-bridge/internal/session"
	"github.com/nugget/odoo-bridge/internal/telemetry"
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

// run is the real entry point for the odoo-bridge command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the pool and background goroutines.
//   - stdout and stderr receive all program output.
//   - args is os.Args[1:]. We parse these manually rather than using the
//     flag package to avoid global state that interferes with parallel
//     tests.
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
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "call":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: odoo-bridge call <model> <method> [json-args]")
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "odoo-bridge - Pooled RPC bridge for Odoo servers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: odoo-bridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Run the bridge")
	fmt.Fprintln(w, "  init [dir]                   Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  call <model> <method> [json] Execute one RPC call (for testing)")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/odoo-bridge/config.yaml, /etc/odoo-bridge/config.yaml")
	return nil
}

// runCall handles the "odoo-bridge call" subcommand. It builds a single
// handler (no pool, no bus), executes one call, and prints the result as
// indented JSON. Useful for smoke-testing credentials and connectivity.
func runCall(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	model, method := args[0], args[1]
	var callArgs []any
	if len(args) > 2 {
		if err := json.Unmarshal([]byte(args[2]), &callArgs); err != nil {
			return fmt.Errorf("parse call args (expected a JSON array): %w", err)
		}
	}

	factory := odoorpc.NewFactory()
	handler, err := factory.Create(cfg.Odoo.Protocol, handlerConfig(cfg, logger))
	if err != nil {
		return err
	}
	defer handler.Close()

	result, err := handler.ExecuteKW(ctx, odoorpc.ExecuteRequest{
		Model:  model,
		Method: method,
		Args:   callArgs,
	})
	if err != nil {
		return fmt.Errorf("call %s.%s: %w", model, method, err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// runServe handles the "odoo-bridge serve" subcommand. It is the primary
// operating mode: loads config, starts the connection pool and session
// manager, optionally connects the bus subscriber, and blocks until a
// shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The bus subscriber disconnects
//  3. The session manager drops all sessions
//  4. The pool's health loop stops and all connections are closed
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting odoo-bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// ParseLogLevel is already validated by config.Validate(), so
			// this error path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"url", cfg.Odoo.URL,
		"database", cfg.Odoo.Database,
		"protocol", cfg.Odoo.Protocol,
	)

	// --- Connection pool ---
	// Metrics go through the global meter provider. With none installed
	// the instruments are no-ops.
	poolMetrics, err := telemetry.NewPoolMetrics(otel.Meter("odoo-bridge"))
	if err != nil {
		return fmt.Errorf("create pool metrics: %w", err)
	}

	factory := odoorpc.NewFactory()
	handlerCfg := handlerConfig(cfg, logger)
	connPool := pool.New(pool.Config{
		Protocol:            cfg.Odoo.Protocol,
		MaxConnections:      cfg.Pool.MaxConnections,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval(),
	}, pool.FactoryFunc(func(protocol string) (odoorpc.Handler, error) {
		return factory.Create(protocol, handlerCfg)
	}), logger, pool.WithRecorder(poolMetrics))

	if err := connPool.Start(ctx); err != nil {
		return err
	}
	defer connPool.Stop()

	// --- Session manager ---
	// Login attempts are rate limited per username so a misbehaving
	// client cannot hammer the backend's auth endpoint.
	login := session.LoginFunc(connPool.Login)
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute)
		inner := login
		login = func(ctx context.Context, database, username, password string) (int64, error) {
			if err := limiter.Wait(ctx, username); err != nil {
				return 0, err
			}
			return inner(ctx, database, username, password)
		}
		logger.Info("rate limiting enabled", "requests_per_minute", cfg.RateLimit.RequestsPerMinute)
	}

	sessions := session.NewManager(session.Config{
		TTL:        cfg.Sessions.TTL(),
		MaxPerUser: cfg.Sessions.MaxPerUser,
	}, login, logger)
	if err := sessions.Start(ctx); err != nil {
		return err
	}
	defer sessions.Stop()

	// --- Bus subscriber ---
	// Optional. Without it the bridge is purely request/response.
	var subscriber *bus.Subscriber
	if cfg.Bus.Enabled {
		subscriber, err = bus.New(bus.Config{
			URL:      cfg.Odoo.URL,
			Database: cfg.Odoo.Database,
			Username: cfg.Odoo.Username,
			Password: cfg.Odoo.Password,
			Logger:   logger,
		}, func(n bus.Notification) {
			logger.Info("bus notification", "channel", n.Channel, "message", string(n.Message))
		})
		if err != nil {
			return err
		}
		if err := subscriber.Start(ctx); err != nil {
			return err
		}
		defer subscriber.Stop()

		for _, ch := range cfg.Bus.Channels {
			if err := subscriber.Subscribe(ch); err != nil {
				logger.Error("bus subscribe failed", "channel", ch, "error", err)
			}
		}
	} else {
		logger.Info("bus subscriber disabled (not configured)")
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// The deferred Stops run in reverse order: bus, sessions, pool.
	logger.Info("odoo-bridge stopped")
	return nil
}

// handlerConfig translates the loaded YAML config into the RPC handler
// configuration shared by every pooled connection.
func handlerConfig(cfg *config.Config, logger *slog.Logger) odoorpc.Config {
	return odoorpc.Config{
		URL:      cfg.Odoo.URL,
		Database: cfg.Odoo.Database,
		Username: cfg.Odoo.Username,
		Password: cfg.Odoo.Password,
		Timeout:  cfg.Odoo.Timeout(),
		Logger:   logger,
	}
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
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

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
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
