// Command pulsekit runs the heartbeat extraction and routing server.
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

	"github.com/google/uuid"

	"github.com/MrWong99/pulsekit/internal/app"
	"github.com/MrWong99/pulsekit/internal/config"
	"github.com/MrWong99/pulsekit/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	calibrate := flag.Bool("calibrate", false, "run channel calibration at start even if a calibration file exists")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pulsekit: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pulsekit: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	session := uuid.New()
	slog.Info("pulsekit starting",
		"version", version,
		"config", *configPath,
		"session_id", session.String(),
		"device", cfg.Device.Name,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "pulsekit",
		ServiceVersion: version,
		InstanceID:     session.String(),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry providers", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("otel shutdown error", "err", err)
		}
	}()

	// ── Device ────────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinDevices(reg)
	dev, err := reg.CreateDevice(cfg.Device, cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio device", "name", cfg.Device.Name, "err", err)
		return 1
	}

	if *calibrate {
		cfg.Calibration.AutoCalibrate = true
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, session)

	opts := []app.Option{app.WithLevelVar(levelVar), app.WithSessionID(session)}
	if *calibrate {
		opts = append(opts, app.WithForcedCalibration())
	}
	application, err := app.New(ctx, cfg, dev, opts...)
	if err != nil {
		_ = dev.Close()
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.Reload,
		config.WithCalibrationReload(application.ApplyCalibration))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, session uuid.UUID) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         pulsekit startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Session", session.String()[:8])
	printRow("Device", cfg.Device.Name)
	printRow("Stream", fmt.Sprintf("%d Hz / %d frames", cfg.Audio.SampleRate, cfg.Audio.BufferFrames))
	printRow("Channels", fmt.Sprintf("%d in / %d out", cfg.Audio.InputChannels, cfg.Audio.OutputChannels))
	printRow("Scene", sceneLabel(cfg.Routing))
	printRow("Calibration", orDisabled(cfg.Calibration.File))
	printRow("Session dir", orDisabled(cfg.Telemetry.Dir))
	if cfg.Telemetry.PostgresDSN != "" {
		printRow("Postgres", "enabled")
	} else {
		printRow("Postgres", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func sceneLabel(r config.RoutingConfig) string {
	if r.Preset != "" {
		return "preset " + r.Preset
	}
	return r.Scene.String()
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
