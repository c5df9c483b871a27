// Command pttlink runs either side of a push-to-talk audio link.
//
//	pttlink device -config pttlink.yaml
//	pttlink relay  -config pttlink.yaml
//
// The device role captures audio while the push-to-talk button is held,
// streams it to the relay and plays back whatever comes back. The relay
// role answers each utterance through the configured responder.
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

	"go.opentelemetry.io/otel"

	"github.com/MrWong99/pttlink/internal/app"
	"github.com/MrWong99/pttlink/internal/config"
	"github.com/MrWong99/pttlink/internal/observe"
	"github.com/MrWong99/pttlink/internal/ptt"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pttlink <device|relay> [-config path] [-watch]")
}

func run(args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	if len(args) == 0 {
		usage()
		return 2
	}
	role := app.Role(args[0])
	if !role.IsValid() {
		fmt.Fprintf(os.Stderr, "pttlink: unknown role %q\n", args[0])
		usage()
		return 2
	}
	fs := flag.NewFlagSet("pttlink "+string(role), flag.ContinueOnError)
	configPath := fs.String("config", "pttlink.yaml", "path to the YAML configuration file")
	watch := fs.Bool("watch", true, "apply log level changes from the config file without a restart")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pttlink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pttlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("pttlink starting",
		"role", string(role),
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Role:           string(role),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(provider.MetricsHandler),
	}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath, 0))
	}
	application, err := app.New(ctx, cfg, role, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg, role, application)
	slog.Info("ready; press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, ptt.ErrInterrupted) {
			slog.Info("quit requested from keyboard")
		} else {
			slog.Error("run error", "err", err)
			code = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, role app.Role, a *app.App) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        pttlink: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Role", string(role))
	switch role {
	case app.RoleDevice:
		printRow("Transport", string(cfg.Device.Transport))
		printRow("Push-to-talk", string(cfg.Device.PTT))
	case app.RoleRelay:
		printRow("Listen addr", a.RelayAddr().String())
		printRow("Responder", cfg.Responder.Name)
		if cfg.Responder.Fallback != "" {
			printRow("Fallback", cfg.Responder.Fallback)
		}
		if cfg.Server.MQTT.Broker != "" {
			printRow("MQTT bridge", cfg.Server.MQTT.Broker)
		} else {
			printRow("MQTT bridge", "(disabled)")
		}
	}
	printRow("Capture rate", fmt.Sprintf("%d Hz", cfg.Audio.CaptureRate))
	printRow("Playback rate", fmt.Sprintf("%d Hz", cfg.Audio.PlaybackRate))
	if addr := a.MetricsAddr(); addr != nil {
		printRow("Metrics", addr.String())
	} else {
		printRow("Metrics", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", key, value)
}
