package entities

import (
	"fmt"
	"math"

	"github.com/mlange-42/ark/ecs"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/components"
	"github.com/pthm-cable/sph/particles"
)

// minSpawnDistance is the fraction of the particle size that must separate
// a new particle from every live one.
const minSpawnDistance = 0.95

// SpawnerSystem emits fluid particles from spawner entities.
type SpawnerSystem struct {
	filter ecs.Filter4[components.Name, components.Schedule, components.Spawner, components.SpawnerState]
	env    Env
	total  int
}

// NewSpawnerSystem creates a new spawner system.
func NewSpawnerSystem(w *ecs.World, env Env) *SpawnerSystem {
	return &SpawnerSystem{
		filter: *ecs.NewFilter4[components.Name, components.Schedule, components.Spawner, components.SpawnerState](w),
		env:    env,
	}
}

// Total returns the number of particles spawned so far.
func (s *SpawnerSystem) Total() int { return s.total }

func validateSpawner(sp components.Spawner) error {
	switch {
	case sp.Direction == (r2.Vec{}):
		return fmt.Errorf("%w: direction is zero", ErrInvalidEntity)
	case sp.Width <= 0:
		return fmt.Errorf("%w: width must be positive", ErrInvalidEntity)
	case sp.InitialVelocity <= 0:
		return fmt.Errorf("%w: initial velocity must be positive", ErrInvalidEntity)
	case sp.Mass <= 0:
		return fmt.Errorf("%w: mass must be positive", ErrInvalidEntity)
	}
	return nil
}

// Update runs every spawner scheduled for this half of the step.
func (s *SpawnerSystem) Update(beforeSolver bool, dt float64) error {
	query := s.filter.Query()
	for query.Next() {
		name, sched, sp, st := query.Get()
		if !sched.Point.Runs(beforeSolver) {
			continue
		}
		if err := s.spawn(sp, st, dt); err != nil {
			query.Close()
			return fmt.Errorf("spawner %q: %w", name.Value, err)
		}
	}
	return nil
}

// spawn emits one row once the previous row has moved a particle size away.
// The row is placed ahead by the distance the overshoot would have carried it.
func (s *SpawnerSystem) spawn(sp *components.Spawner, st *components.SpawnerState, dt float64) error {
	store := s.env.Store
	if err := store.Require(particles.KindMovement, particles.KindData, particles.KindInfo); err != nil {
		return err
	}
	ps := s.env.ParticleSize

	st.TimeLeftOver += dt
	travelled := st.TimeLeftOver * sp.InitialVelocity
	if travelled < ps {
		return nil
	}

	dir := r2.Unit(sp.Direction)
	vel := r2.Scale(sp.InitialVelocity, dir)
	orth := r2.Vec{X: dir.Y, Y: -dir.X}
	ahead := r2.Scale(travelled-ps, dir)

	next := 0
	steps := int(math.Floor(sp.Width/ps + 1e-9))
	for k := 0; k <= steps; k++ {
		x := -sp.Width/2 + float64(k)*ps
		pos := r2.Add(r2.Add(sp.Position, r2.Scale(x, orth)), ahead)
		if !s.positionFree(pos) {
			continue
		}
		i := s.freeSlot(&next)
		s.place(i, pos, vel, sp)
		st.Spawned++
		s.total++
	}
	st.TimeLeftOver = 0
	return nil
}

func (s *SpawnerSystem) positionFree(pos r2.Vec) bool {
	mv := particles.MustColumn[particles.Movement](s.env.Store)
	limit := minSpawnDistance * s.env.ParticleSize
	for _, j := range s.env.Search.NeighborsOfPosition(pos) {
		d := r2.Sub(mv[j].Position, pos)
		if r2.Dot(d, d) < limit*limit {
			return false
		}
	}
	return true
}

// freeSlot returns the first Dead particle at or after *next, or appends a
// new particle.
func (s *SpawnerSystem) freeSlot(next *int) int {
	info := particles.MustColumn[particles.Info](s.env.Store)
	for ; *next < len(info); *next++ {
		if info[*next].Type == particles.Dead {
			return *next
		}
	}
	return s.env.Store.Add()
}

func (s *SpawnerSystem) place(i int, pos, vel r2.Vec, sp *components.Spawner) {
	store := s.env.Store
	rho := sp.RestDensity
	if rho == 0 {
		rho = s.env.RestDensity
	}
	particles.MustColumn[particles.Info](store)[i] = particles.Info{Tag: sp.Tag, Type: particles.Normal}
	particles.MustColumn[particles.Data](store)[i] = particles.Data{Mass: sp.Mass, Density: rho}
	particles.MustColumn[particles.Movement](store)[i] = particles.Movement{Position: pos, Velocity: vel}
	if ext, err := particles.Column[particles.ExternalForces](store); err == nil {
		ext[i] = particles.ExternalForces{}
	}
	if ii, err := particles.Column[particles.IISPHData](store); err == nil {
		ii[i] = particles.IISPHData{}
	}
}
