package solver

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/kernel"
	"github.com/pthm-cable/sph/parallel"
	"github.com/pthm-cable/sph/particles"
)

// diagonalEpsilon is the smallest diagonal element that takes part in the
// pressure update.
const diagonalEpsilon = 1.1920929e-07

// IISPHSettings tune the implicit incompressible solver.
type IISPHSettings struct {
	MaxDensityErrorAllowed float64
	MinIterations          int
	MaxIterations          int
	Omega                  float64 // relaxation factor
	Gamma                  float64 // boundary mirroring factor
	Viscosity              float64
}

func DefaultIISPHSettings() IISPHSettings {
	return IISPHSettings{
		MaxDensityErrorAllowed: 0.001,
		MinIterations:          2,
		MaxIterations:          100,
		Omega:                  0.5,
		Gamma:                  0.7,
		Viscosity:              5,
	}
}

func (s IISPHSettings) validate() []error {
	var errs []error
	if s.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("%w: max iterations must be at least 1", ErrInvalidSettings))
	}
	if s.MinIterations < 0 {
		errs = append(errs, fmt.Errorf("%w: min iterations must not be negative", ErrInvalidSettings))
	}
	if s.MaxIterations < s.MinIterations {
		errs = append(errs, fmt.Errorf("%w: max iterations are less than min iterations", ErrInvalidSettings))
	}
	if s.MaxDensityErrorAllowed <= 0 {
		errs = append(errs, fmt.Errorf("%w: max density error must be positive", ErrInvalidSettings))
	}
	if s.Omega <= 0 || s.Omega > 1 {
		errs = append(errs, fmt.Errorf("%w: omega must be in (0, 1]", ErrInvalidSettings))
	}
	if s.Viscosity < 0 {
		errs = append(errs, fmt.Errorf("%w: viscosity must not be negative", ErrInvalidSettings))
	}
	return errs
}

// IISPHStats is the convergence telemetry of the last step.
type IISPHStats struct {
	Iterations             int
	DensityError           float64
	MaxDensityErrorReached float64
}

// IISPH is the implicit incompressible SPH solver. Pressure accelerations
// are kept in Movement.Acceleration.
type IISPH struct {
	base
	Settings IISPHSettings

	lastIterations  int
	lastError       float64
	maxErrorReached float64

	// per-particle scratch for the error reduction
	errs    []float64
	counted []float64
}

var iisphKinds = []particles.Kind{
	particles.KindMovement, particles.KindData, particles.KindInfo,
	particles.KindExternalForces, particles.KindIISPH,
}

// NewIISPH creates the solver and registers the IISPHData attribute on the
// store if it is missing.
func NewIISPH(deps Deps, settings IISPHSettings) *IISPH {
	if deps.Store != nil {
		deps.Store.AddKind(particles.KindIISPH)
	}
	return &IISPH{base: newBase(deps), Settings: settings}
}

// LastIterations is the number of relaxation iterations of the last step.
func (s *IISPH) LastIterations() int { return s.lastIterations }

// LastDensityError is the average predicted density error after the last step.
func (s *IISPH) LastDensityError() float64 { return s.lastError }

// MaxDensityErrorReached is the largest LastDensityError seen so far.
func (s *IISPH) MaxDensityErrorReached() float64 { return s.maxErrorReached }

func (s *IISPH) Stats() IISPHStats {
	return IISPHStats{
		Iterations:             s.lastIterations,
		DensityError:           s.lastError,
		MaxDensityErrorReached: s.maxErrorReached,
	}
}

func (s *IISPH) Validate() error {
	errs := s.validateDeps(iisphKinds...)
	errs = append(errs, s.Settings.validate()...)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("iisph: %w", err)
	}
	return nil
}

func (s *IISPH) Step(dt float64) error {
	if err := s.prepare(dt, iisphKinds...); err != nil {
		return fmt.Errorf("iisph: %w", err)
	}
	if err := errors.Join(s.Settings.validate()...); err != nil {
		return fmt.Errorf("iisph: %w", err)
	}
	defer s.enter(PhaseIdle)

	s.enter(PhaseNeighborSearch)
	if err := s.search.FindNeighbors(); err != nil {
		return fmt.Errorf("iisph neighbor search: %w", err)
	}

	c := s.columns()
	ii := particles.MustColumn[particles.IISPHData](s.store)
	n := len(c.mv)

	s.enter(PhaseDensityPressure)
	parallel.ForEach(s.exec, n, func(i int) {
		if c.info[i].Type == particles.Normal {
			c.data[i].Density = s.density(c, i)
		}
	})

	s.enter(PhaseAcceleration)
	// Viscosity reads neighbor densities, so this runs after the density pass.
	parallel.ForEach(s.exec, n, func(i int) {
		if c.info[i].Type == particles.Dead {
			return
		}
		acc := c.ext[i].NonPressureAcceleration
		if c.info[i].Type != particles.Boundary {
			acc = r2.Add(acc, s.gravity())
			acc = r2.Add(acc, s.viscosity(c, i, s.Settings.Viscosity))
		}
		ii[i].PredictedVelocity = r2.Add(c.mv[i].Velocity, r2.Scale(dt, acc))
		c.ext[i].NonPressureAcceleration = r2.Vec{}
	})

	s.enter(PhasePressureSolve)
	parallel.ForEach(s.exec, n, func(i int) {
		if c.info[i].Type != particles.Normal {
			return
		}
		ii[i].SourceTerm = s.sourceTerm(c, ii, i, dt)
		ii[i].DiagonalElement = s.diagonalElement(c, i, dt)
		c.data[i].Pressure = 0
	})
	s.solvePressure(c, ii, dt)

	s.enter(PhaseIntegrate)
	parallel.ForEach(s.exec, n, func(i int) {
		if c.info[i].Type != particles.Normal {
			return
		}
		m := &c.mv[i]
		m.Velocity = r2.Add(ii[i].PredictedVelocity, r2.Scale(dt, m.Acceleration))
		m.Position = r2.Add(m.Position, r2.Scale(dt, m.Velocity))
	})
	return nil
}

// sourceTerm is rho0 - rho_i - dt sum_j m_j (v*_i - v*_j) . gradW_ij.
func (s *IISPH) sourceTerm(c columns, ii []particles.IISPHData, i int, dt float64) float64 {
	pos := c.mv[i].Position
	vi := ii[i].PredictedVelocity
	sum := 0.0
	for j := range s.search.Neighbors(i).All() {
		if c.info[j].Type == particles.Dead {
			continue
		}
		grad := kernel.GradientReversed(s.kern, pos, c.mv[j].Position)
		sum += c.data[j].Mass * r2.Dot(r2.Sub(vi, ii[j].PredictedVelocity), grad)
	}
	return s.params.RestDensity - c.data[i].Density - dt*sum
}

// diagonalElement is a_ii of the pressure system:
//
//	dt^2 [ sum_j m_j (-sum_k m_k/rho0^2 gradW_ik) . gradW_ij
//	     + sum_j m_j (m_i/rho0^2 gradW_ji) . gradW_ij ]
//
// with boundary k weighted by 2 gamma. The second sum runs over fluid j only.
func (s *IISPH) diagonalElement(c columns, i int, dt float64) float64 {
	pos := c.mv[i].Position
	rho2 := s.params.RestDensity * s.params.RestDensity
	view := s.search.Neighbors(i)

	var inner r2.Vec
	for k := range view.All() {
		var w float64
		switch c.info[k].Type {
		case particles.Normal:
			w = c.data[k].Mass / rho2
		case particles.Boundary:
			w = 2 * s.Settings.Gamma * c.data[k].Mass / rho2
		default:
			continue
		}
		inner = r2.Add(inner, r2.Scale(w, kernel.GradientReversed(s.kern, pos, c.mv[k].Position)))
	}
	inner = r2.Scale(-1, inner)

	sum := 0.0
	mi := c.data[i].Mass
	for j := range view.All() {
		t := c.info[j].Type
		if t == particles.Dead {
			continue
		}
		pj := c.mv[j].Position
		gradIJ := kernel.GradientReversed(s.kern, pos, pj)
		sum += c.data[j].Mass * r2.Dot(inner, gradIJ)
		if t == particles.Normal {
			gradJI := kernel.GradientReversed(s.kern, pj, pos)
			sum += c.data[j].Mass * r2.Dot(r2.Scale(mi/rho2, gradJI), gradIJ)
		}
	}
	return dt * dt * sum
}

// solvePressure runs the relaxed Jacobi iterations. The loop continues
// while fewer than MinIterations ran or the average error is above the
// allowed maximum, and never exceeds MaxIterations.
func (s *IISPH) solvePressure(c columns, ii []particles.IISPHData, dt float64) {
	n := len(c.mv)
	s.errs = resizeScratch(s.errs, n)
	s.counted = resizeScratch(s.counted, n)
	rho2 := s.params.RestDensity * s.params.RestDensity

	iter := 0
	avgErr := math.Inf(1)
	for (iter < s.Settings.MinIterations || avgErr > s.Settings.MaxDensityErrorAllowed) &&
		iter < s.Settings.MaxIterations {

		// Pass A: pressure accelerations from the current pressure field.
		parallel.ForEach(s.exec, n, func(i int) {
			if c.info[i].Type != particles.Normal {
				return
			}
			pos := c.mv[i].Position
			pi := c.data[i].Pressure / rho2
			var sum r2.Vec
			for j := range s.search.Neighbors(i).All() {
				var w float64
				switch c.info[j].Type {
				case particles.Normal:
					w = c.data[j].Mass * (pi + c.data[j].Pressure/rho2)
				case particles.Boundary:
					w = s.Settings.Gamma * c.data[j].Mass * 2 * pi
				default:
					continue
				}
				sum = r2.Add(sum, r2.Scale(w, kernel.GradientReversed(s.kern, pos, c.mv[j].Position)))
			}
			c.mv[i].Acceleration = r2.Scale(-1, sum)
		})

		// Pass B: Ap, pressure update and per-particle error.
		parallel.ForEach(s.exec, n, func(i int) {
			s.errs[i], s.counted[i] = 0, 0
			if c.info[i].Type != particles.Normal {
				return
			}
			pos := c.mv[i].Position
			ai := c.mv[i].Acceleration
			sum := 0.0
			for j := range s.search.Neighbors(i).All() {
				grad := kernel.GradientReversed(s.kern, pos, c.mv[j].Position)
				switch c.info[j].Type {
				case particles.Normal:
					sum += c.data[j].Mass * r2.Dot(r2.Sub(ai, c.mv[j].Acceleration), grad)
				case particles.Boundary:
					sum += c.data[j].Mass * r2.Dot(ai, grad)
				}
			}
			ap := dt * dt * sum

			diag := ii[i].DiagonalElement
			residual := ii[i].SourceTerm - ap
			if math.Abs(diag) <= diagonalEpsilon {
				c.data[i].Pressure = 0
				return
			}
			p := math.Max(0, c.data[i].Pressure+s.Settings.Omega*residual/diag)
			c.data[i].Pressure = p

			if p > diagonalEpsilon {
				s.errs[i] = math.Abs(residual)
			}
			s.counted[i] = 1
		})

		if valid := floats.Sum(s.counted); valid > 0 {
			avgErr = floats.Sum(s.errs) / valid
		} else {
			avgErr = 0
		}
		iter++
	}

	s.lastIterations = iter
	s.lastError = avgErr
	s.maxErrorReached = math.Max(s.maxErrorReached, avgErr)
}

func resizeScratch(s []float64, n int) []float64 {
	if cap(s) < n {
		return make([]float64, n)
	}
	return s[:n]
}
