package kernel

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// CubicSpline is the 2D cubic spline kernel with support 2h.
type CubicSpline struct {
	support float64
	h       float64
	alpha   float64
}

// NewCubicSpline creates a cubic spline kernel for the given support radius.
func NewCubicSpline(support float64) (*CubicSpline, error) {
	if support <= 0 || math.IsNaN(support) {
		return nil, ErrInvalidSupport
	}
	h := support / 2
	return &CubicSpline{
		support: support,
		h:       h,
		alpha:   5 / (14 * math.Pi * h * h),
	}, nil
}

func (k *CubicSpline) Support() float64 { return k.support }

func (k *CubicSpline) Value(offset r2.Vec) float64 {
	return k.radial(r2.Norm(offset))
}

// radial evaluates W at distance r.
func (k *CubicSpline) radial(r float64) float64 {
	q := r / k.h
	switch {
	case q < 1:
		a, b := 2-q, 1-q
		return k.alpha * (a*a*a - 4*b*b*b)
	case q < 2:
		a := 2 - q
		return k.alpha * a * a * a
	}
	return 0
}

func (k *CubicSpline) Gradient(offset r2.Vec) r2.Vec {
	r := r2.Norm(offset)
	if r <= epsilon {
		return r2.Vec{}
	}
	q := r / k.h
	var dwdq float64
	switch {
	case q < 1:
		a, b := 2-q, 1-q
		dwdq = -3*a*a + 12*b*b
	case q < 2:
		a := 2 - q
		dwdq = -3 * a * a
	default:
		return r2.Vec{}
	}
	return r2.Scale(k.alpha*dwdq/(k.h*r), offset)
}
