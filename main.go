package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pthm-cable/sph/config"
	"github.com/pthm-cable/sph/simulation"
	"github.com/pthm-cable/sph/telemetry"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	logStats := flag.Bool("log-stats", false, "Output stats via slog")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs, config and snapshots")
	maxSteps := flag.Int("max-steps", 0, "Stop after N steps (0 = unlimited)")
	restorePath := flag.String("restore", "", "Snapshot file to resume from")
	solverName := flag.String("solver", "", "Pressure solver override (sesph, iisph)")
	workers := flag.Int("workers", -1, "Worker count override (0 = GOMAXPROCS, -1 = use config)")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Cfg()
	if *solverName != "" {
		cfg.Simulation.Solver = *solverName
	}
	if *workers >= 0 {
		cfg.Parallel.Workers = *workers
	}

	opts := simulation.Options{
		LogStats:  *logStats,
		OutputDir: *outputDir,
	}
	if *restorePath != "" {
		snap, err := telemetry.LoadSnapshot(*restorePath)
		if err != nil {
			slog.Error("failed to load snapshot", "path", *restorePath, "error", err)
			os.Exit(1)
		}
		opts.Restore = snap
	}

	sim, err := simulation.New(cfg, opts)
	if err != nil {
		slog.Error("failed to create simulation", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	runErr := sim.Run(ctx, *maxSteps)
	stop()

	if _, err := sim.SaveSnapshot(); err != nil {
		slog.Error("failed to save final snapshot", "error", err)
	}
	if err := sim.Close(); err != nil {
		slog.Error("failed to close output", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("simulation failed", "step", sim.StepCount(), "error", runErr)
		os.Exit(1)
	}
	slog.Info("simulation finished",
		"steps", sim.StepCount(),
		"time", sim.Time(),
		"spawned", sim.Spawned(),
	)
}
