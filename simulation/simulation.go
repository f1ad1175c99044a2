// Package simulation wires the particle store, solver, timestep generator,
// entities and telemetry into a steppable simulation.
package simulation

import (
	"fmt"
	"log/slog"

	"github.com/pthm-cable/sph/config"
	"github.com/pthm-cable/sph/entities"
	"github.com/pthm-cable/sph/kernel"
	"github.com/pthm-cable/sph/neighbors"
	"github.com/pthm-cable/sph/parallel"
	"github.com/pthm-cable/sph/particles"
	"github.com/pthm-cable/sph/solver"
	"github.com/pthm-cable/sph/telemetry"
	"github.com/pthm-cable/sph/timestep"
)

// Options configures optional simulation behavior.
type Options struct {
	LogStats  bool   // log window and perf stats via slog
	OutputDir string // CSV logs, config and snapshots; empty disables output
	// Restore starts from a snapshot instead of the configured scenario.
	Restore *telemetry.Snapshot
	// StatsCallback is called after each stats window is flushed.
	StatsCallback func(telemetry.WindowStats)
}

// Simulation holds the complete simulation state.
type Simulation struct {
	cfg *config.Config

	store    *particles.Store
	kernel   kernel.Kernel
	search   neighbors.Search
	exec     parallel.Executor
	pool     *parallel.Pool
	solver   solver.Solver
	timestep timestep.Generator
	entities *entities.Manager
	sorter   particles.Sorter

	// Telemetry
	collector     *telemetry.Collector
	perfCollector *telemetry.PerfCollector
	outputManager *telemetry.OutputManager
	statsCallback func(telemetry.WindowStats)
	logStats      bool

	// State
	step    int
	time    float64
	lastDT  float64
	spawned int
}

// New builds a simulation from cfg, rejecting incompatible settings.
func New(cfg *config.Config, opts Options) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Simulation{
		cfg:           cfg,
		store:         particles.NewStore(particles.AllKinds...),
		collector:     telemetry.NewCollector(cfg.Telemetry.StatsWindow),
		perfCollector: telemetry.NewPerfCollector(cfg.Telemetry.PerfWindow),
		statsCallback: opts.StatsCallback,
		logStats:      opts.LogStats,
	}
	if cfg.Neighborhood.SortEvery > 0 {
		s.sorter = particles.NewSorter(cfg.Neighborhood.Sorter, cfg.Neighborhood.MinPartition)
	}

	if opts.Restore != nil {
		if err := opts.Restore.Restore(s.store); err != nil {
			return nil, fmt.Errorf("restoring snapshot: %w", err)
		}
		s.step = opts.Restore.Step
		s.time = opts.Restore.Time
		s.collector.StartAt(s.step)
	} else if err := newBox(cfg).Build(s.store); err != nil {
		return nil, fmt.Errorf("building scenario: %w", err)
	}

	var err error
	s.kernel, err = kernel.New(cfg.Simulation.Kernel, cfg.Derived.Support, cfg.Kernel.TableResolution)
	if err != nil {
		return nil, err
	}

	s.exec, s.pool = newExecutor(cfg.Parallel)
	s.search, err = neighbors.New(cfg.Simulation.Neighborhood, s.store, cfg.Derived.Support, s.exec, cfg.NeighborOptions())
	if err != nil {
		s.Close()
		return nil, err
	}

	s.solver, err = solver.New(cfg.Simulation.Solver, solver.Deps{
		Store:   s.store,
		Kernel:  s.kernel,
		Search:  s.search,
		Exec:    s.exec,
		Params:  cfg.SolverParameters(),
		OnPhase: s.onSolverPhase,
	}, cfg.SESPHSettings(), cfg.IISPHSettings())
	if err == nil {
		err = s.solver.Validate()
	}
	if err != nil {
		s.Close()
		return nil, err
	}

	s.timestep, err = timestep.New(cfg.Simulation.Timestep, timestep.Constant{DT: cfg.Timestep.Constant}, cfg.CFL())
	if err == nil {
		err = s.timestep.Validate()
	}
	if err != nil {
		s.Close()
		return nil, err
	}

	s.entities = entities.NewManager(entities.Env{
		Store:        s.store,
		Search:       s.search,
		Kernel:       s.kernel,
		ParticleSize: cfg.Simulation.ParticleSize,
		RestDensity:  cfg.Simulation.RestDensity,
	})
	if err := addEntities(s.entities, cfg); err != nil {
		s.Close()
		return nil, err
	}

	s.outputManager, err = telemetry.NewOutputManager(opts.OutputDir)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := s.outputManager.WriteConfig(cfg); err != nil {
		s.Close()
		return nil, err
	}

	fluid, boundary := 0, 0
	for _, in := range particles.MustColumn[particles.Info](s.store) {
		switch in.Type {
		case particles.Normal:
			fluid++
		case particles.Boundary:
			boundary++
		}
	}
	slog.Info("simulation ready",
		"solver", cfg.Simulation.Solver,
		"neighborhood", cfg.Simulation.Neighborhood,
		"kernel", cfg.Simulation.Kernel,
		"timestep", cfg.Simulation.Timestep,
		"workers", s.exec.Workers(),
		"fluid", fluid,
		"boundary", boundary,
		"entities", s.entities,
	)
	return s, nil
}

// onSolverPhase forwards solver phases to the perf collector.
func (s *Simulation) onSolverPhase(p solver.Phase) {
	if p != solver.PhaseIdle {
		s.perfCollector.StartPhase(p.String())
	}
}

// Store returns the particle store.
func (s *Simulation) Store() *particles.Store { return s.store }

// Solver returns the pressure solver.
func (s *Simulation) Solver() solver.Solver { return s.solver }

// Entities returns the entity manager.
func (s *Simulation) Entities() *entities.Manager { return s.entities }

// Time returns the simulated time in seconds.
func (s *Simulation) Time() float64 { return s.time }

// StepCount returns the number of completed steps.
func (s *Simulation) StepCount() int { return s.step }

// LastTimestep returns the length of the last completed step.
func (s *Simulation) LastTimestep() float64 { return s.lastDT }

// Spawned returns the number of particles emitted by spawners.
func (s *Simulation) Spawned() int { return s.spawned }

// Perf returns the rolling performance statistics.
func (s *Simulation) Perf() telemetry.PerfStats { return s.perfCollector.Stats() }

// Close stops the worker pool and closes output files.
func (s *Simulation) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return s.outputManager.Close()
}
