// Package timestep chooses the length of the next simulation step.
package timestep

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/particles"
)

// ErrInvalidSettings wraps every problem reported by Validate.
var ErrInvalidSettings = errors.New("invalid timestep settings")

// MinAllowedTimestep is the floor applied to any CFL estimate.
const MinAllowedTimestep = 1e-6

// epsilon is the smallest speed or acceleration that bounds the step.
const epsilon = 1.1920929e-07

// Generator produces the next timestep from the current particle state.
type Generator interface {
	Next(s *particles.Store) (float64, error)
	Validate() error
}

// Names accepted by New.
const (
	NameConstant = "constant"
	NameCFL      = "cfl"
)

// New builds a generator by name.
func New(name string, constant Constant, cfl CFL) (Generator, error) {
	switch name {
	case NameConstant, "":
		return constant, nil
	case NameCFL:
		return cfl, nil
	}
	return nil, fmt.Errorf("unknown timestep generator %q", name)
}

// Constant always returns DT.
type Constant struct {
	DT float64
}

func (c Constant) Next(*particles.Store) (float64, error) {
	return c.DT, nil
}

func (c Constant) Validate() error {
	if c.DT <= 0 {
		return fmt.Errorf("%w: timestep %g must be positive", ErrInvalidSettings, c.DT)
	}
	return nil
}

// CFL adapts the step to the fastest live particle:
//
//	dt_v = ps / maxVel * LambdaV
//	dt_a = sqrt(ps / maxAcc) * LambdaA
//	dt   = max(MinTimestep, min(MaxTimestep, min(dt_v, dt_a)))
//
// While the fluid is at rest the step stays at MinTimestep.
type CFL struct {
	ParticleSize float64
	MinTimestep  float64
	MaxTimestep  float64
	LambdaV      float64
	LambdaA      float64
}

// DefaultCFL returns conservative factors for a unit particle size.
func DefaultCFL() CFL {
	return CFL{
		ParticleSize: 1,
		MinTimestep:  0.0001,
		MaxTimestep:  0.02,
		LambdaV:      0.4,
		LambdaA:      0.4,
	}
}

func (c CFL) Validate() error {
	var errs []error
	if c.ParticleSize <= 0 {
		errs = append(errs, errors.New("particle size must be positive"))
	}
	if c.MinTimestep <= 0 {
		errs = append(errs, errors.New("min timestep must be positive"))
	}
	if c.MinTimestep > c.MaxTimestep {
		errs = append(errs, errors.New("min timestep exceeds max timestep"))
	}
	if c.LambdaV <= 0 || c.LambdaV >= 1 {
		errs = append(errs, errors.New("lambda_v must be in (0, 1)"))
	}
	if c.LambdaA <= 0 || c.LambdaA >= 1 {
		errs = append(errs, errors.New("lambda_a must be in (0, 1)"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return nil
}

func (c CFL) Next(s *particles.Store) (float64, error) {
	if err := s.Require(particles.KindMovement, particles.KindInfo); err != nil {
		return 0, err
	}
	maxVel, maxAcc := Extremes(s)

	dt := c.MinTimestep
	if maxVel > epsilon && maxAcc > epsilon {
		dtA := math.Sqrt(c.ParticleSize/maxAcc) * c.LambdaA
		dtV := c.ParticleSize / maxVel * c.LambdaV
		allowed := math.Max(math.Min(dtA, dtV), MinAllowedTimestep)
		dt = math.Max(dt, math.Min(c.MaxTimestep, allowed))
	}
	return dt, nil
}

// Extremes returns the largest speed and acceleration magnitude over Normal
// particles.
func Extremes(s *particles.Store) (maxVel, maxAcc float64) {
	mv := particles.MustColumn[particles.Movement](s)
	info := particles.MustColumn[particles.Info](s)
	for i := range mv {
		if info[i].Type != particles.Normal {
			continue
		}
		maxVel = math.Max(maxVel, r2.Norm(mv[i].Velocity))
		maxAcc = math.Max(maxAcc, r2.Norm(mv[i].Acceleration))
	}
	return maxVel, maxAcc
}
