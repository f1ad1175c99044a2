// Package kernel provides SPH smoothing kernels.
package kernel

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"
)

// ErrInvalidSupport is returned for a non-positive support radius.
var ErrInvalidSupport = errors.New("kernel support must be positive")

// epsilon guards the gradient direction at zero separation.
const epsilon = 1e-9

// Kernel evaluates a radially symmetric smoothing function.
// offset is position minus neighbor position.
type Kernel interface {
	Value(offset r2.Vec) float64
	Gradient(offset r2.Vec) r2.Vec
	Support() float64
}

// ValueAt returns W(pos - neighborPos).
func ValueAt(k Kernel, pos, neighborPos r2.Vec) float64 {
	return k.Value(r2.Sub(pos, neighborPos))
}

// GradientAt returns the kernel gradient at pos for a neighbor at neighborPos.
func GradientAt(k Kernel, pos, neighborPos r2.Vec) r2.Vec {
	return k.Gradient(r2.Sub(pos, neighborPos))
}

// GradientReversed returns the negated gradient seen from the neighbor.
// For radially symmetric kernels this equals GradientAt(k, pos, neighborPos).
func GradientReversed(k Kernel, pos, neighborPos r2.Vec) r2.Vec {
	return r2.Scale(-1, GradientAt(k, neighborPos, pos))
}

// Names accepted by New.
const (
	NameCubicSpline = "cubic_spline"
	NameTabulated   = "tabulated"
)

// New builds a kernel by name. resolution is only used by tabulated kernels.
func New(name string, support float64, resolution int) (Kernel, error) {
	cs, err := NewCubicSpline(support)
	if err != nil {
		return nil, err
	}
	switch name {
	case NameCubicSpline, "":
		return cs, nil
	case NameTabulated:
		return NewTabulated(cs, resolution)
	}
	return nil, fmt.Errorf("unknown kernel %q", name)
}
