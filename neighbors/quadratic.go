package neighbors

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/parallel"
	"github.com/pthm-cable/sph/particles"
)

// Quadratic compares every particle pair. O(n^2).
type Quadratic struct {
	store  *particles.Store
	radius float64
	exec   parallel.Executor
	lists  [][]int32
}

// NewQuadratic creates a brute-force search.
func NewQuadratic(store *particles.Store, radius float64, exec parallel.Executor) (*Quadratic, error) {
	if radius <= 0 || math.IsNaN(radius) {
		return nil, ErrInvalidRadius
	}
	if exec == nil {
		exec = parallel.Sequential{}
	}
	return &Quadratic{store: store, radius: radius, exec: exec}, nil
}

func (q *Quadratic) Radius() float64 { return q.radius }

func (q *Quadratic) SetRadius(r float64) error {
	if r <= 0 || math.IsNaN(r) {
		return ErrInvalidRadius
	}
	q.radius = r
	return nil
}

func (q *Quadratic) FindNeighbors() error {
	if err := q.store.Require(particles.KindMovement, particles.KindInfo); err != nil {
		return err
	}
	mv := particles.MustColumn[particles.Movement](q.store)
	info := particles.MustColumn[particles.Info](q.store)
	n := len(mv)

	if cap(q.lists) < n {
		grown := make([][]int32, n)
		copy(grown, q.lists)
		q.lists = grown
	}
	q.lists = q.lists[:n]

	r2max := q.radius * q.radius
	parallel.ForEach(q.exec, n, func(i int) {
		list := q.lists[i][:0]
		if info[i].Type != particles.Dead {
			pos := mv[i].Position
			for j := 0; j < n; j++ {
				if info[j].Type == particles.Dead {
					continue
				}
				d := r2.Sub(mv[j].Position, pos)
				if r2.Dot(d, d) <= r2max {
					list = append(list, int32(j))
				}
			}
		}
		q.lists[i] = list
	})
	return nil
}

func (q *Quadratic) Neighbors(i int) View {
	if i < 0 || i >= len(q.lists) {
		return View{}
	}
	return View{handles: q.lists[i]}
}

func (q *Quadratic) NeighborsOfPosition(p r2.Vec) []int {
	return neighborsOfPosition(q.store, q.radius, p)
}
