// Package entities runs simulation entities that act on the particle store
// around each solver step. Entities live in an ark ECS world; each kind of
// entity is processed by its own system.
package entities

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/sph/components"
	"github.com/pthm-cable/sph/kernel"
	"github.com/pthm-cable/sph/neighbors"
	"github.com/pthm-cable/sph/particles"
)

// ErrInvalidEntity is returned when an entity's parameters cannot be used.
var ErrInvalidEntity = errors.New("invalid entity")

// Env is the simulation state entities operate on.
type Env struct {
	Store        *particles.Store
	Search       neighbors.Search
	Kernel       kernel.Kernel
	ParticleSize float64
	RestDensity  float64
}

// Manager owns the ECS world and the entity systems.
type Manager struct {
	world *ecs.World
	env   Env

	spawnerMap *ecs.Map4[
		components.Name,
		components.Schedule,
		components.Spawner,
		components.SpawnerState,
	]
	overrideMap *ecs.Map3[
		components.Name,
		components.Schedule,
		components.VelocityOverride,
	]
	boundaryMap *ecs.Map4[
		components.Name,
		components.Schedule,
		components.BoundaryPreprocessor,
		components.BoundaryState,
	]

	boundaries *BoundarySystem
	overrides  *VelocityOverrideSystem
	spawners   *SpawnerSystem
}

// NewManager creates an empty entity world for env.
func NewManager(env Env) *Manager {
	world := ecs.NewWorld()
	return &Manager{
		world: world,
		env:   env,
		spawnerMap: ecs.NewMap4[
			components.Name,
			components.Schedule,
			components.Spawner,
			components.SpawnerState,
		](world),
		overrideMap: ecs.NewMap3[
			components.Name,
			components.Schedule,
			components.VelocityOverride,
		](world),
		boundaryMap: ecs.NewMap4[
			components.Name,
			components.Schedule,
			components.BoundaryPreprocessor,
			components.BoundaryState,
		](world),
		boundaries: NewBoundarySystem(world, env),
		overrides:  NewVelocityOverrideSystem(world, env),
		spawners:   NewSpawnerSystem(world, env),
	}
}

// AddSpawner creates a particle spawner entity.
func (m *Manager) AddSpawner(name string, point components.ExecutionPoint, s components.Spawner) (ecs.Entity, error) {
	if err := validateSpawner(s); err != nil {
		return ecs.Entity{}, fmt.Errorf("spawner %q: %w", name, err)
	}
	return m.spawnerMap.NewEntity(
		&components.Name{Value: name},
		&components.Schedule{Point: point},
		&s,
		&components.SpawnerState{},
	), nil
}

// AddVelocityOverride creates an entity that forces the velocity of
// tagged particles. It runs before the solver.
func (m *Manager) AddVelocityOverride(name string, v components.VelocityOverride) ecs.Entity {
	return m.overrideMap.NewEntity(
		&components.Name{Value: name},
		&components.Schedule{Point: components.BeforeSolver},
		&v,
	)
}

// AddBoundaryPreprocessor creates the boundary mass correction entity.
// It runs before the solver.
func (m *Manager) AddBoundaryPreprocessor(name string, b components.BoundaryPreprocessor) ecs.Entity {
	return m.boundaryMap.NewEntity(
		&components.Name{Value: name},
		&components.Schedule{Point: components.BeforeSolver},
		&b,
		&components.BoundaryState{},
	)
}

// Remove deletes an entity.
func (m *Manager) Remove(e ecs.Entity) {
	if m.world.Alive(e) {
		m.world.RemoveEntity(e)
	}
}

// Run executes every entity scheduled for this half of the step.
// Boundary preprocessing runs first, then velocity overrides, then spawners.
func (m *Manager) Run(beforeSolver bool, dt float64) error {
	if err := m.boundaries.Update(beforeSolver); err != nil {
		return err
	}
	if err := m.overrides.Update(beforeSolver); err != nil {
		return err
	}
	return m.spawners.Update(beforeSolver, dt)
}

// Spawned returns the number of particles emitted by all spawners.
func (m *Manager) Spawned() int {
	return m.spawners.Total()
}

// Count returns the number of live entities.
func (m *Manager) Count() int {
	sq := m.spawners.filter.Query()
	oq := m.overrides.filter.Query()
	bq := m.boundaries.filter.Query()
	n := sq.Count() + oq.Count() + bq.Count()
	sq.Close()
	oq.Close()
	bq.Close()
	return n
}

// LogValue describes every entity, keyed by name.
func (m *Manager) LogValue() slog.Value {
	var groups []slog.Attr

	sq := m.spawners.filter.Query()
	for sq.Next() {
		name, _, sp, st := sq.Get()
		attrs := components.Attrs(components.SpawnerFieldDescriptors(), func(id string) float64 {
			return components.GetSpawnerValue(sp, st, id)
		})
		groups = append(groups, slog.Attr{Key: name.Value, Value: slog.GroupValue(attrs...)})
	}

	oq := m.overrides.filter.Query()
	for oq.Next() {
		name, _, v := oq.Get()
		attrs := components.Attrs(components.VelocityOverrideFieldDescriptors(), func(id string) float64 {
			return components.GetVelocityOverrideValue(v, id)
		})
		groups = append(groups, slog.Attr{Key: name.Value, Value: slog.GroupValue(attrs...)})
	}

	bq := m.boundaries.filter.Query()
	for bq.Next() {
		name, _, _, st := bq.Get()
		attrs := components.Attrs(components.BoundaryFieldDescriptors(), func(id string) float64 {
			return components.GetBoundaryValue(st, id)
		})
		groups = append(groups, slog.Attr{Key: name.Value, Value: slog.GroupValue(attrs...)})
	}

	return slog.GroupValue(groups...)
}
