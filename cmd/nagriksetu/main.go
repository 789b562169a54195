// Command nagriksetu runs the NagrikSetu civic assistant.
//
// Usage:
//
//	nagriksetu serve [-config config.yaml]
//	nagriksetu talk  [-config config.yaml] [-in device|file.wav] [-out device|file.wav]
//
// serve starts the HTTP API and the browser voice bridge. talk runs a single
// voice session on the local sound card or on WAV files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nagriksetu/nagriksetu/internal/app"
	"github.com/nagriksetu/nagriksetu/internal/config"
	"github.com/nagriksetu/nagriksetu/internal/observe"
)

// version is overridden at link time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		return serve(args)
	case "talk":
		return talk(args)
	case "version":
		fmt.Println("nagriksetu", version)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "nagriksetu: unknown command %q (want serve, talk or version)\n", cmd)
		return 2
	}
}

// bootstrap holds what every subcommand needs before it can do real work.
type bootstrap struct {
	cfg       *config.Config
	log       *slog.Logger
	providers *app.Providers
	telemetry *observe.Telemetry
}

// setup loads the config, installs the logger and telemetry and builds the
// configured providers. It prints its own diagnostics and returns nil on
// failure.
func setup(ctx context.Context, configPath string) *bootstrap {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "nagriksetu: config file %q not found\n", configPath)
		} else {
			fmt.Fprintf(os.Stderr, "nagriksetu: %v\n", err)
		}
		return nil
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return nil
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		_ = tel.Shutdown(context.Background())
		return nil
	}

	slog.Info("nagriksetu starting",
		"config", configPath,
		"version", version,
		"log_level", cfg.Server.LogLevel,
	)
	return &bootstrap{cfg: cfg, log: logger, providers: providers, telemetry: tel}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serve(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	listen := fs.String("listen", "", "override server.listen_addr")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := setup(ctx, *configPath)
	if b == nil {
		return 1
	}
	if *listen != "" {
		b.cfg.Server.ListenAddr = *listen
	}

	printStartupSummary(b.cfg)

	application, err := app.New(ctx, b.cfg, b.providers,
		app.WithLogger(b.log),
		app.WithMetricsHandler(b.telemetry.MetricsHandler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down", "listen_addr", b.cfg.Server.ListenAddr)

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	if err := shutdown(application, b.telemetry); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if code == 0 {
		slog.Info("goodbye")
	}
	return code
}

func shutdown(application *app.App, tel *observe.Telemetry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(application.Shutdown(ctx), tel.Shutdown(ctx))
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       NagrikSetu · startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Live", cfg.Providers.Live.Name, cfg.Providers.Live.Model)
	printChain("Text", cfg.Providers.Text)
	printChain("Speech", cfg.Providers.Speech)
	if cfg.Backend.PostgresDSN != "" {
		fmt.Printf("║  %-12s    : %-19s ║\n", "Backend", "postgres")
	} else {
		fmt.Printf("║  %-12s    : %-19s ║\n", "Backend", "(in memory)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printChain(kind string, chain []config.ProviderEntry) {
	if len(chain) == 0 {
		printProvider(kind, "", "")
		return
	}
	printProvider(kind, chain[0].Name, chain[0].Model)
	for _, e := range chain[1:] {
		printProvider("  fallback", e.Name, e.Model)
	}
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
