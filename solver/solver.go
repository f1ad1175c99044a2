// Package solver advances a particle store by one SPH timestep.
//
// Two pipelines are provided. SESPH computes pressure from a stiff equation
// of state and integrates explicitly. IISPH solves the pressure Poisson
// equation with relaxed Jacobi iterations and enforces incompressibility
// up to a configurable density error.
package solver

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/kernel"
	"github.com/pthm-cable/sph/neighbors"
	"github.com/pthm-cable/sph/parallel"
	"github.com/pthm-cable/sph/particles"
)

var (
	// ErrInvalidTimestep is returned by Step for a non-positive dt.
	ErrInvalidTimestep = errors.New("timestep must be positive")

	// ErrInvalidSettings wraps every settings problem reported by Validate.
	ErrInvalidSettings = errors.New("invalid solver settings")
)

// Phase is the pipeline stage a solver is in.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseNeighborSearch
	PhaseDensityPressure
	PhaseAcceleration
	PhasePressureSolve
	PhaseIntegrate
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseNeighborSearch:
		return "neighbor_search"
	case PhaseDensityPressure:
		return "density_pressure"
	case PhaseAcceleration:
		return "acceleration"
	case PhasePressureSolve:
		return "pressure_solve"
	case PhaseIntegrate:
		return "integrate"
	}
	return "unknown"
}

// Parameters are the physical constants shared by both solvers.
type Parameters struct {
	RestDensity  float64
	Gravity      float64 // magnitude, applied along -y
	ParticleSize float64
}

// DefaultParameters returns unit rest density and particle size with
// earth gravity.
func DefaultParameters() Parameters {
	return Parameters{RestDensity: 1, Gravity: 9.81, ParticleSize: 1}
}

// Solver advances the store by one timestep.
type Solver interface {
	Step(dt float64) error
	// Phase is the stage currently executing, PhaseIdle between steps.
	Phase() Phase
	// Validate reports every configuration problem at once.
	Validate() error
	Search() neighbors.Search
}

// Deps are the collaborators a solver runs on.
type Deps struct {
	Store  *particles.Store
	Kernel kernel.Kernel
	Search neighbors.Search
	Exec   parallel.Executor
	Params Parameters
	// OnPhase, if set, is called on the stepping goroutine whenever the
	// solver enters a phase. PhaseIdle marks the end of a step.
	OnPhase func(Phase)
}

// Names accepted by New.
const (
	NameSESPH = "sesph"
	NameIISPH = "iisph"
)

// New builds a solver by name.
func New(name string, deps Deps, sesph SESPHSettings, iisph IISPHSettings) (Solver, error) {
	switch name {
	case NameSESPH:
		return NewSESPH(deps, sesph), nil
	case NameIISPH, "":
		return NewIISPH(deps, iisph), nil
	}
	return nil, fmt.Errorf("unknown solver %q", name)
}

// base holds what both pipelines share.
type base struct {
	store   *particles.Store
	kern    kernel.Kernel
	search  neighbors.Search
	exec    parallel.Executor
	params  Parameters
	onPhase func(Phase)

	phase Phase
}

func newBase(deps Deps) base {
	if deps.Exec == nil {
		deps.Exec = parallel.Sequential{}
	}
	return base{
		store:   deps.Store,
		kern:    deps.Kernel,
		search:  deps.Search,
		exec:    deps.Exec,
		params:  deps.Params,
		onPhase: deps.OnPhase,
	}
}

func (b *base) Phase() Phase { return b.phase }

func (b *base) Search() neighbors.Search { return b.search }

func (b *base) enter(p Phase) {
	b.phase = p
	if b.onPhase != nil {
		b.onPhase(p)
	}
}

// validateDeps collects problems common to both solvers.
func (b *base) validateDeps(kinds ...particles.Kind) []error {
	var errs []error
	if b.store == nil {
		errs = append(errs, errors.New("particle store is nil"))
	} else if err := b.store.Require(kinds...); err != nil {
		errs = append(errs, err)
	}
	if b.kern == nil {
		errs = append(errs, errors.New("kernel is nil"))
	}
	if b.search == nil {
		errs = append(errs, errors.New("neighborhood search is nil"))
	}
	if b.kern != nil && b.search != nil && b.search.Radius() < b.kern.Support() {
		errs = append(errs, fmt.Errorf("%w: search radius %g is smaller than kernel support %g",
			ErrInvalidSettings, b.search.Radius(), b.kern.Support()))
	}
	if b.params.RestDensity <= 0 {
		errs = append(errs, fmt.Errorf("%w: rest density must be positive", ErrInvalidSettings))
	}
	if b.params.ParticleSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: particle size must be positive", ErrInvalidSettings))
	}
	return errs
}

// columns caches the attribute slices for one step.
type columns struct {
	mv   []particles.Movement
	data []particles.Data
	info []particles.Info
	ext  []particles.ExternalForces
}

func (b *base) columns() columns {
	return columns{
		mv:   particles.MustColumn[particles.Movement](b.store),
		data: particles.MustColumn[particles.Data](b.store),
		info: particles.MustColumn[particles.Info](b.store),
		ext:  particles.MustColumn[particles.ExternalForces](b.store),
	}
}

// density sums neighbor mass times kernel value over live neighbors.
func (b *base) density(c columns, i int) float64 {
	pos := c.mv[i].Position
	rho := 0.0
	for j := range b.search.Neighbors(i).All() {
		if c.info[j].Type == particles.Dead {
			continue
		}
		rho += c.data[j].Mass * kernel.ValueAt(b.kern, pos, c.mv[j].Position)
	}
	return rho
}

// viscosity is the artificial viscosity acceleration of particle i:
//
//	2 nu sum_j (m_j/rho_j) (v_ij . x_ij) / (x_ij . x_ij + 0.01 ps^2) gradW_ij
func (b *base) viscosity(c columns, i int, nu float64) r2.Vec {
	pos, vel := c.mv[i].Position, c.mv[i].Velocity
	reg := 0.01 * b.params.ParticleSize * b.params.ParticleSize
	var sum r2.Vec
	for j := range b.search.Neighbors(i).All() {
		if c.info[j].Type == particles.Dead || c.data[j].Density == 0 {
			continue
		}
		vij := r2.Sub(vel, c.mv[j].Velocity)
		xij := r2.Sub(pos, c.mv[j].Position)
		w := c.data[j].Mass / c.data[j].Density * r2.Dot(vij, xij) / (r2.Dot(xij, xij) + reg)
		sum = r2.Add(sum, r2.Scale(w, kernel.GradientReversed(b.kern, pos, c.mv[j].Position)))
	}
	return r2.Scale(2*nu, sum)
}

func (b *base) gravity() r2.Vec {
	return r2.Vec{Y: -b.params.Gravity}
}

// prepare checks dt and attributes before a step.
func (b *base) prepare(dt float64, kinds ...particles.Kind) error {
	if !(dt > 0) {
		return fmt.Errorf("%w: %g", ErrInvalidTimestep, dt)
	}
	return b.store.Require(kinds...)
}
