package simulation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pthm-cable/sph/particles"
	"github.com/pthm-cable/sph/solver"
	"github.com/pthm-cable/sph/telemetry"
)

// Step advances the simulation by one timestep:
// timestep, optional Z-order sort, entities before the solver, the solver,
// entities after the solver, then telemetry.
func (s *Simulation) Step() error {
	s.perfCollector.StartStep()
	defer s.perfCollector.EndStep()

	s.perfCollector.StartPhase(telemetry.PhaseTimestep)
	dt, err := s.timestep.Next(s.store)
	if err != nil {
		return fmt.Errorf("step %d: timestep: %w", s.step, err)
	}

	if s.sorter != nil && s.step%s.cfg.Neighborhood.SortEvery == 0 {
		s.perfCollector.StartPhase(telemetry.PhaseSort)
		if err := particles.SortZOrder(s.store, s.cfg.Derived.CellSize, s.sorter); err != nil {
			return fmt.Errorf("step %d: sort: %w", s.step, err)
		}
	}

	spawnedBefore := s.entities.Spawned()
	s.perfCollector.StartPhase(telemetry.PhaseEntities)
	if err := s.entities.Run(true, dt); err != nil {
		return fmt.Errorf("step %d: %w", s.step, err)
	}

	if err := s.solver.Step(dt); err != nil {
		return fmt.Errorf("step %d: %w", s.step, err)
	}

	s.perfCollector.StartPhase(telemetry.PhaseEntities)
	if err := s.entities.Run(false, dt); err != nil {
		return fmt.Errorf("step %d: %w", s.step, err)
	}

	s.step++
	s.time += dt
	s.lastDT = dt
	spawned := s.entities.Spawned() - spawnedBefore
	s.spawned += spawned

	s.perfCollector.StartPhase(telemetry.PhaseTelemetry)
	s.collector.Record(s.stepRecord(dt, spawned))
	return s.flushTelemetry()
}

// stepRecord describes the step that just finished.
func (s *Simulation) stepRecord(dt float64, spawned int) telemetry.StepRecord {
	r := telemetry.StepRecord{DT: dt, Spawned: spawned}
	if iisph, ok := s.solver.(*solver.IISPH); ok {
		st := iisph.Stats()
		r.Iterations = st.Iterations
		r.DensityError = st.DensityError
		r.MaxErrorReached = st.DensityError > iisph.Settings.MaxDensityErrorAllowed
	}
	return r
}

// Run steps until maxSteps steps have completed (0 = unlimited) or ctx is
// done. It returns ctx.Err() when cancelled.
func (s *Simulation) Run(ctx context.Context, maxSteps int) error {
	slog.Info("starting simulation", "max_steps", maxSteps, "step", s.step)
	for maxSteps <= 0 || s.step < maxSteps {
		select {
		case <-ctx.Done():
			slog.Info("simulation stopped", "step", s.step, "time", s.time)
			return ctx.Err()
		default:
		}
		if err := s.Step(); err != nil {
			return err
		}
	}
	slog.Info("max steps reached", "step", s.step, "time", s.time)
	return nil
}
