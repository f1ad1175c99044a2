// Package scenario builds initial particle layouts.
package scenario

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/particles"
)

// ErrInvalidScenario is returned when a layout cannot be built.
var ErrInvalidScenario = errors.New("invalid scenario")

// Box is a closed rectangular container of boundary particles with a block
// of fluid inside. The inner region spans [0, Width] x [0, Height]; walls
// grow outward from it. All particles sit on a lattice of spacing
// ParticleSize, offset by half a spacing from the inner corner.
type Box struct {
	Width, Height float64
	WallLayers    int
	// Fluid is the block filled with fluid particles, in box coordinates.
	Fluid        r2.Box
	ParticleSize float64
	RestDensity  float64
	FluidTag     uint32
	BoundaryTag  uint32
}

// Validate checks the box dimensions.
func (b Box) Validate() error {
	var errs []error
	if b.ParticleSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: particle size %v", ErrInvalidScenario, b.ParticleSize))
	}
	if b.RestDensity <= 0 {
		errs = append(errs, fmt.Errorf("%w: rest density %v", ErrInvalidScenario, b.RestDensity))
	}
	if b.Width <= 0 || b.Height <= 0 {
		errs = append(errs, fmt.Errorf("%w: box %vx%v", ErrInvalidScenario, b.Width, b.Height))
	}
	if b.WallLayers < 0 {
		errs = append(errs, fmt.Errorf("%w: %d wall layers", ErrInvalidScenario, b.WallLayers))
	}
	f := b.Fluid
	if f.Min.X < 0 || f.Min.Y < 0 || f.Max.X > b.Width || f.Max.Y > b.Height || f.Min.X > f.Max.X || f.Min.Y > f.Max.Y {
		errs = append(errs, fmt.Errorf("%w: fluid block %v outside box", ErrInvalidScenario, f))
	}
	return errors.Join(errs...)
}

// cells returns the number of lattice cells covering length l.
func (b Box) cells(l float64) int {
	return int(math.Floor(l/b.ParticleSize + 1e-9))
}

// Counts returns the number of fluid and boundary particles Build adds.
func (b Box) Counts() (fluid, boundary int) {
	nx, ny := b.cells(b.Width), b.cells(b.Height)
	l := b.WallLayers
	boundary = (nx+2*l)*(ny+2*l) - nx*ny
	fluid = b.cells(b.Fluid.Max.X-b.Fluid.Min.X) * b.cells(b.Fluid.Max.Y-b.Fluid.Min.Y)
	return fluid, boundary
}

// Build appends the walls, then the fluid, to the store.
// Particles start at rest with rest density and mass RestDensity*ParticleSize^2.
func (b Box) Build(s *particles.Store) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := s.Require(particles.KindMovement, particles.KindData, particles.KindInfo); err != nil {
		return err
	}

	nFluid, nBoundary := b.Counts()
	first := s.Len()
	s.Resize(first + nFluid + nBoundary)
	mv := particles.MustColumn[particles.Movement](s)
	data := particles.MustColumn[particles.Data](s)
	info := particles.MustColumn[particles.Info](s)

	ps := b.ParticleSize
	mass := b.RestDensity * ps * ps
	i := first
	put := func(pos r2.Vec, typ particles.Type, tag uint32) {
		mv[i] = particles.Movement{Position: pos}
		data[i] = particles.Data{Mass: mass, Density: b.RestDensity}
		info[i] = particles.Info{Tag: tag, Type: typ}
		i++
	}

	nx, ny := b.cells(b.Width), b.cells(b.Height)
	l := b.WallLayers
	for y := -l; y < ny+l; y++ {
		for x := -l; x < nx+l; x++ {
			if x >= 0 && x < nx && y >= 0 && y < ny {
				continue
			}
			put(r2.Vec{X: (float64(x) + 0.5) * ps, Y: (float64(y) + 0.5) * ps}, particles.Boundary, b.BoundaryTag)
		}
	}

	fx := b.cells(b.Fluid.Max.X - b.Fluid.Min.X)
	fy := b.cells(b.Fluid.Max.Y - b.Fluid.Min.Y)
	for y := 0; y < fy; y++ {
		for x := 0; x < fx; x++ {
			off := r2.Vec{X: (float64(x) + 0.5) * ps, Y: (float64(y) + 0.5) * ps}
			put(r2.Add(b.Fluid.Min, off), particles.Normal, b.FluidTag)
		}
	}
	return nil
}
