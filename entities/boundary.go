package entities

import (
	"fmt"
	"math"

	"github.com/mlange-42/ark/ecs"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/components"
	"github.com/pthm-cable/sph/kernel"
	"github.com/pthm-cable/sph/particles"
)

// BoundarySystem corrects boundary particle masses so that sparsely and
// densely sampled walls exert the same pressure.
//
// For a boundary particle i with volume reciprocal V_i = sum_j W_ij over
// boundary neighbors j, the mass becomes
//
//	m_i = min(rho0 ps^2, rho0 gamma1 / V_i)
//
// where gamma1 = ps^2 V* and V* is the volume reciprocal of a particle on an
// ideally sampled straight wall.
type BoundarySystem struct {
	filter ecs.Filter4[components.Name, components.Schedule, components.BoundaryPreprocessor, components.BoundaryState]
	env    Env
}

// NewBoundarySystem creates a new boundary preprocessing system.
func NewBoundarySystem(w *ecs.World, env Env) *BoundarySystem {
	return &BoundarySystem{
		filter: *ecs.NewFilter4[components.Name, components.Schedule, components.BoundaryPreprocessor, components.BoundaryState](w),
		env:    env,
	}
}

// Update runs every preprocessor scheduled for this half of the step.
func (s *BoundarySystem) Update(beforeSolver bool) error {
	query := s.filter.Query()
	for query.Next() {
		name, sched, bp, st := query.Get()
		if !sched.Point.Runs(beforeSolver) || (bp.Once && st.Runs > 0) {
			continue
		}
		n, err := s.correct()
		if err != nil {
			query.Close()
			return fmt.Errorf("boundary preprocessor %q: %w", name.Value, err)
		}
		st.Runs++
		st.Corrected = n
	}
	return nil
}

// IdealVolumeReciprocal samples a straight wall of spacing ps through the
// origin.
func IdealVolumeReciprocal(k kernel.Kernel, ps float64) float64 {
	sum := 0.0
	for y := -2; y <= 2; y++ {
		sum += k.Value(r2.Vec{Y: float64(y) * ps})
	}
	return sum
}

func (s *BoundarySystem) correct() (int, error) {
	store := s.env.Store
	if err := store.Require(particles.KindMovement, particles.KindData, particles.KindInfo); err != nil {
		return 0, err
	}
	if err := s.env.Search.FindNeighbors(); err != nil {
		return 0, err
	}

	ps, rho0 := s.env.ParticleSize, s.env.RestDensity
	gamma1 := ps * ps * IdealVolumeReciprocal(s.env.Kernel, ps)
	maxMass := rho0 * ps * ps

	mv := particles.MustColumn[particles.Movement](store)
	data := particles.MustColumn[particles.Data](store)
	info := particles.MustColumn[particles.Info](store)

	corrected := 0
	for i := range info {
		if info[i].Type != particles.Boundary {
			continue
		}
		vr := 0.0
		for j := range s.env.Search.Neighbors(i).All() {
			if info[j].Type != particles.Boundary {
				continue
			}
			vr += kernel.ValueAt(s.env.Kernel, mv[i].Position, mv[j].Position)
		}
		if vr <= 0 {
			continue
		}
		data[i].Mass = math.Min(maxMass, rho0*gamma1/vr)
		corrected++
	}
	return corrected, nil
}
