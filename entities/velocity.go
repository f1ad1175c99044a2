package entities

import (
	"fmt"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/sph/components"
	"github.com/pthm-cable/sph/particles"
)

// VelocityOverrideSystem sets the velocity of tagged particles.
type VelocityOverrideSystem struct {
	filter ecs.Filter3[components.Name, components.Schedule, components.VelocityOverride]
	env    Env
}

// NewVelocityOverrideSystem creates a new velocity override system.
func NewVelocityOverrideSystem(w *ecs.World, env Env) *VelocityOverrideSystem {
	return &VelocityOverrideSystem{
		filter: *ecs.NewFilter3[components.Name, components.Schedule, components.VelocityOverride](w),
		env:    env,
	}
}

// Update applies every override scheduled for this half of the step.
func (s *VelocityOverrideSystem) Update(beforeSolver bool) error {
	query := s.filter.Query()
	for query.Next() {
		name, sched, v := query.Get()
		if !sched.Point.Runs(beforeSolver) {
			continue
		}
		if err := s.env.Store.Require(particles.KindMovement, particles.KindInfo); err != nil {
			query.Close()
			return fmt.Errorf("velocity override %q: %w", name.Value, err)
		}
		mv := particles.MustColumn[particles.Movement](s.env.Store)
		info := particles.MustColumn[particles.Info](s.env.Store)
		for i := range info {
			if info[i].Tag == v.Tag {
				mv[i].Velocity = v.Velocity
			}
		}
	}
	return nil
}
