package kernel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// DefaultResolution is the number of table intervals per axis.
const DefaultResolution = 512

// Tabulated precomputes another kernel on a regular grid and answers
// queries by interpolation. Values are sampled radially over [0, support],
// gradients on a square grid over [-support, support]^2.
type Tabulated struct {
	support    float64
	resolution int

	values  []float64
	valueDR float64

	grads  []r2.Vec
	gradDX float64
}

// NewTabulated samples base at the given resolution.
func NewTabulated(base Kernel, resolution int) (*Tabulated, error) {
	if resolution < 2 {
		return nil, fmt.Errorf("table resolution %d too small", resolution)
	}
	support := base.Support()
	if support <= 0 {
		return nil, ErrInvalidSupport
	}

	t := &Tabulated{
		support:    support,
		resolution: resolution,
		valueDR:    support / float64(resolution),
		gradDX:     2 * support / float64(resolution),
	}

	t.values = make([]float64, resolution+1)
	for i := range t.values {
		t.values[i] = base.Value(r2.Vec{X: float64(i) * t.valueDR})
	}

	n := resolution + 1
	t.grads = make([]r2.Vec, n*n)
	for iy := 0; iy < n; iy++ {
		y := -support + float64(iy)*t.gradDX
		for ix := 0; ix < n; ix++ {
			x := -support + float64(ix)*t.gradDX
			t.grads[iy*n+ix] = base.Gradient(r2.Vec{X: x, Y: y})
		}
	}
	return t, nil
}

func (t *Tabulated) Support() float64 { return t.support }

// Resolution returns the number of table intervals per axis.
func (t *Tabulated) Resolution() int { return t.resolution }

func (t *Tabulated) Value(offset r2.Vec) float64 {
	r := r2.Norm(offset)
	if r >= t.support {
		return 0
	}
	pos := r / t.valueDR
	i := int(pos)
	if i >= t.resolution {
		return t.values[t.resolution]
	}
	frac := pos - float64(i)
	return t.values[i]*(1-frac) + t.values[i+1]*frac
}

func (t *Tabulated) Gradient(offset r2.Vec) r2.Vec {
	if r2.Norm(offset) >= t.support {
		return r2.Vec{}
	}
	n := t.resolution + 1
	fx := (offset.X + t.support) / t.gradDX
	fy := (offset.Y + t.support) / t.gradDX
	ix := min(int(math.Floor(fx)), t.resolution-1)
	iy := min(int(math.Floor(fy)), t.resolution-1)
	ix, iy = max(ix, 0), max(iy, 0)
	tx, ty := fx-float64(ix), fy-float64(iy)

	g00 := t.grads[iy*n+ix]
	g10 := t.grads[iy*n+ix+1]
	g01 := t.grads[(iy+1)*n+ix]
	g11 := t.grads[(iy+1)*n+ix+1]

	bottom := r2.Add(r2.Scale(1-tx, g00), r2.Scale(tx, g10))
	top := r2.Add(r2.Scale(1-tx, g01), r2.Scale(tx, g11))
	return r2.Add(r2.Scale(1-ty, bottom), r2.Scale(ty, top))
}
