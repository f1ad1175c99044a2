package simulation

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/components"
	"github.com/pthm-cable/sph/config"
	"github.com/pthm-cable/sph/entities"
	"github.com/pthm-cable/sph/parallel"
	"github.com/pthm-cable/sph/scenario"
)

// newExecutor returns a sequential executor for a single worker and a
// pool otherwise.
func newExecutor(cfg config.ParallelConfig) (parallel.Executor, *parallel.Pool) {
	if cfg.Workers == 1 {
		return parallel.Sequential{}, nil
	}
	pool := parallel.NewPool(cfg.Workers, cfg.MinChunk, cfg.Threshold)
	return pool, pool
}

// newBox converts the scenario section into a box layout.
func newBox(cfg *config.Config) scenario.Box {
	sc := cfg.Scenario
	return scenario.Box{
		Width:      sc.Width,
		Height:     sc.Height,
		WallLayers: sc.WallLayers,
		Fluid: r2.Box{
			Min: r2.Vec{X: sc.Fluid.X, Y: sc.Fluid.Y},
			Max: r2.Vec{X: sc.Fluid.X + sc.Fluid.Width, Y: sc.Fluid.Y + sc.Fluid.Height},
		},
		ParticleSize: cfg.Simulation.ParticleSize,
		RestDensity:  cfg.Simulation.RestDensity,
		BoundaryTag:  sc.BoundaryTag,
	}
}

// addEntities creates the configured entities.
func addEntities(m *entities.Manager, cfg *config.Config) error {
	if b := cfg.Entities.Boundary; b.Enabled {
		m.AddBoundaryPreprocessor("boundary", components.BoundaryPreprocessor{Once: b.Once})
	}

	for i, sc := range cfg.Entities.Spawners {
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("spawner_%d", i)
		}
		point, ok := components.ParseExecutionPoint(sc.ExecutionPoint)
		if !ok {
			return fmt.Errorf("spawner %q: unknown execution point %q", name, sc.ExecutionPoint)
		}
		mass := sc.Mass
		if mass == 0 {
			mass = cfg.Derived.ParticleMass
		}
		_, err := m.AddSpawner(name, point, components.Spawner{
			Position:        r2.Vec{X: sc.X, Y: sc.Y},
			Direction:       r2.Vec{X: sc.DirX, Y: sc.DirY},
			Width:           sc.Width,
			InitialVelocity: sc.InitialVelocity,
			Mass:            mass,
			RestDensity:     sc.RestDensity,
			Tag:             sc.Tag,
		})
		if err != nil {
			return err
		}
	}

	for i, vc := range cfg.Entities.VelocityOverrides {
		name := vc.Name
		if name == "" {
			name = fmt.Sprintf("velocity_override_%d", i)
		}
		m.AddVelocityOverride(name, components.VelocityOverride{
			Tag:      vc.Tag,
			Velocity: r2.Vec{X: vc.VelX, Y: vc.VelY},
		})
	}
	return nil
}
