package simulation

import (
	"log/slog"

	"github.com/pthm-cable/sph/telemetry"
)

// flushTelemetry flushes the stats window when it is full and writes
// periodic snapshots.
func (s *Simulation) flushTelemetry() error {
	if every := s.cfg.Telemetry.SnapshotEvery; every > 0 && s.step%every == 0 {
		if _, err := s.SaveSnapshot(); err != nil {
			return err
		}
	}

	if !s.collector.ShouldFlush(s.step) {
		return nil
	}

	ps, err := telemetry.MeasureParticles(s.store, s.search)
	if err != nil {
		return err
	}
	stats := s.collector.Flush(s.step, s.time, ps)
	perfStats := s.perfCollector.Stats()

	if s.statsCallback != nil {
		s.statsCallback(stats)
	}

	if s.logStats {
		stats.LogStats()
		perfStats.LogStats()
	}

	if s.outputManager != nil {
		if err := s.outputManager.WriteTelemetry(stats); err != nil {
			slog.Error("failed to write telemetry", "error", err)
		}
		if err := s.outputManager.WritePerf(perfStats, stats.WindowEndStep); err != nil {
			slog.Error("failed to write perf", "error", err)
		}
	}
	return nil
}

// Snapshot captures the current particle state.
func (s *Simulation) Snapshot() (*telemetry.Snapshot, error) {
	return telemetry.CaptureSnapshot(s.store, s.step, s.time)
}

// SaveSnapshot writes the current particle state to the output directory.
// It returns an empty path when output is disabled.
func (s *Simulation) SaveSnapshot() (string, error) {
	if s.outputManager == nil {
		return "", nil
	}
	snap, err := s.Snapshot()
	if err != nil {
		return "", err
	}
	path, err := s.outputManager.WriteSnapshot(snap)
	if err != nil {
		return "", err
	}
	slog.Info("snapshot saved", "path", path, "step", s.step)
	return path, nil
}
