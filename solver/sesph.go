package solver

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/kernel"
	"github.com/pthm-cable/sph/parallel"
	"github.com/pthm-cable/sph/particles"
)

// SESPHSettings tune the weakly compressible solver.
type SESPHSettings struct {
	Stiffness float64 // equation of state constant K
	Viscosity float64
}

// DefaultSESPHSettings returns K = 100000 and viscosity 5.
func DefaultSESPHSettings() SESPHSettings {
	return SESPHSettings{Stiffness: 100000, Viscosity: 5}
}

// SESPH is the state equation solver. Pressure is p = max(0, K (rho/rho0 - 1)).
type SESPH struct {
	base
	Settings SESPHSettings
}

var sesphKinds = []particles.Kind{
	particles.KindMovement, particles.KindData, particles.KindInfo, particles.KindExternalForces,
}

func NewSESPH(deps Deps, settings SESPHSettings) *SESPH {
	return &SESPH{base: newBase(deps), Settings: settings}
}

func (s *SESPH) Validate() error {
	errs := s.validateDeps(sesphKinds...)
	if s.Settings.Stiffness <= 0 {
		errs = append(errs, fmt.Errorf("%w: stiffness must be positive", ErrInvalidSettings))
	}
	if s.Settings.Viscosity < 0 {
		errs = append(errs, fmt.Errorf("%w: viscosity must not be negative", ErrInvalidSettings))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("sesph: %w", err)
	}
	return nil
}

func (s *SESPH) Step(dt float64) error {
	if err := s.prepare(dt, sesphKinds...); err != nil {
		return fmt.Errorf("sesph: %w", err)
	}
	defer s.enter(PhaseIdle)

	s.enter(PhaseNeighborSearch)
	if err := s.search.FindNeighbors(); err != nil {
		return fmt.Errorf("sesph neighbor search: %w", err)
	}

	c := s.columns()
	n := len(c.mv)

	s.enter(PhaseDensityPressure)
	parallel.ForEach(s.exec, n, func(i int) {
		if c.info[i].Type != particles.Normal {
			return
		}
		rho := s.density(c, i)
		c.data[i].Density = rho
		c.data[i].Pressure = math.Max(0, s.Settings.Stiffness*(rho/s.params.RestDensity-1))
	})

	s.enter(PhaseAcceleration)
	parallel.ForEach(s.exec, n, func(i int) {
		switch c.info[i].Type {
		case particles.Dead:
			return
		case particles.Boundary:
			c.ext[i].NonPressureAcceleration = r2.Vec{}
			return
		}
		acc := r2.Add(s.gravity(), s.viscosity(c, i, s.Settings.Viscosity))
		acc = r2.Add(acc, c.ext[i].NonPressureAcceleration)
		acc = r2.Add(acc, s.pressureAcceleration(c, i))
		c.mv[i].Acceleration = acc
		c.ext[i].NonPressureAcceleration = r2.Vec{}
	})

	s.enter(PhaseIntegrate)
	parallel.ForEach(s.exec, n, func(i int) {
		if c.info[i].Type != particles.Normal {
			return
		}
		m := &c.mv[i]
		m.Velocity = r2.Add(m.Velocity, r2.Scale(dt, m.Acceleration))
		m.Position = r2.Add(m.Position, r2.Scale(dt, m.Velocity))
	})
	return nil
}

// pressureAcceleration uses the symmetric form for fluid neighbors and
// mirrors the particle's own pressure and mass onto boundary neighbors.
func (s *SESPH) pressureAcceleration(c columns, i int) r2.Vec {
	pos := c.mv[i].Position
	pdi := pressureOverDensitySquared(c.data[i])
	mass := c.data[i].Mass

	var acc r2.Vec
	for j := range s.search.Neighbors(i).All() {
		var w float64
		switch c.info[j].Type {
		case particles.Dead:
			continue
		case particles.Boundary:
			w = -mass * (pdi + pdi)
		default:
			w = -c.data[j].Mass * (pdi + pressureOverDensitySquared(c.data[j]))
		}
		acc = r2.Add(acc, r2.Scale(w, kernel.GradientReversed(s.kern, pos, c.mv[j].Position)))
	}
	return acc
}

func pressureOverDensitySquared(d particles.Data) float64 {
	if d.Density == 0 {
		return 0
	}
	return d.Pressure / (d.Density * d.Density)
}
