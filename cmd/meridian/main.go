// Command meridian runs the question-answering orchestrator.
//
// Usage:
//
//	meridian serve --config config.yaml
//	meridian version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/meridianhq/meridian/pkg/access"
	"github.com/meridianhq/meridian/pkg/auth"
	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/invoker"
	"github.com/meridianhq/meridian/pkg/llm"
	"github.com/meridianhq/meridian/pkg/logger"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/planner"
	"github.com/meridianhq/meridian/pkg/registry"
	"github.com/meridianhq/meridian/pkg/server"
	"github.com/meridianhq/meridian/pkg/session"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the orchestrator server."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("meridian version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port    int  `help:"Port to listen on (overrides config)." default:"0"`
	Observe bool `help:"Enable trace export to stdout."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}

	metrics, err := observability.InitMetrics(ctx, observability.MetricsConfig{Enabled: true})
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	observability.SetGlobalMetrics(metrics)

	if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:     c.Observe,
		ServiceName: observability.DefaultServiceName,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	store, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	reg := registry.New(cfg.ProviderEndpoints, config.DefaultDiscoveryTimeout, cfg.ToolCallTimeout)
	if err := reg.Refresh(ctx); err != nil {
		// Startup proceeds with an empty catalog. Discovery can be
		// retried through POST /tools/refresh.
		slog.Warn("Initial tool discovery failed", "error", err)
	}

	model := llm.NewOpenAIModel(cfg.ReasoningEndpoint, cfg.ReasoningModel, cfg.ReasoningAPIKey, cfg.ReasoningCallTimeout)
	inv := invoker.New(reg, store, cfg.CacheTTL, cfg.ToolCallTimeout)
	p := planner.New(model, inv, cfg.MaxRounds, cfg.ReasoningCallTimeout, cfg.TurnTimeout)

	var validator auth.TokenValidator
	if !cfg.DevMode && !cfg.BypassToken {
		jwtValidator, err := auth.NewTenantValidator(cfg.TenantID, cfg.Audience)
		if err != nil {
			return fmt.Errorf("failed to initialize token validator: %w", err)
		}
		validator = jwtValidator
	}
	middleware := auth.NewMiddleware(validator, cfg.DevMode, cfg.BypassToken)

	srv := server.New(cfg, reg, access.NewFilter(cfg.DevMode), p, store, middleware)

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
	}()

	slog.Info("Meridian orchestrator starting",
		"port", cfg.Port,
		"providers", len(cfg.ProviderEndpoints),
		"model", cfg.ReasoningModel,
		"dev_mode", cfg.DevMode,
	)
	return srv.Start()
}

func newStore(cfg *config.Config) (session.Store, error) {
	if cfg.DatabaseDriver == "memory" {
		return session.NewMemoryStore(), nil
	}
	return session.NewSQLStore(cfg.DatabaseDriver, cfg.DatabaseDSN)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("meridian"),
		kong.Description("Meridian - multi-provider tool orchestration for question answering"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}

	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
