// Package neighbors finds, for every particle, the particles within a fixed
// search radius.
//
// Two implementations share the Search interface: Quadratic compares every
// pair and serves as a reference, CompactHash buckets particles into a
// hashed uniform grid and updates it incrementally between steps.
package neighbors

import (
	"errors"
	"fmt"
	"iter"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/parallel"
	"github.com/pthm-cable/sph/particles"
)

var (
	// ErrNeighborCapacity is returned when a particle has more neighbors
	// than the per-particle storage can hold.
	ErrNeighborCapacity = errors.New("neighbor capacity exceeded")

	// ErrHashTableFull is returned when probing visited every slot of the
	// cell hash table without finding a free one.
	ErrHashTableFull = errors.New("cell hash table full")

	// ErrInvalidRadius is returned for a non-positive search radius.
	ErrInvalidRadius = errors.New("search radius must be positive")
)

// View is the neighbor set of one particle, including the particle itself.
// It is valid until the next FindNeighbors call.
type View struct {
	handles []int32
}

// Len returns the number of neighbors.
func (v View) Len() int { return len(v.handles) }

// At returns the k-th neighbor handle.
func (v View) At(k int) int { return int(v.handles[k]) }

// Handles returns the backing slice. Callers must not modify it.
func (v View) Handles() []int32 { return v.handles }

// All iterates over the neighbor handles.
func (v View) All() iter.Seq[int] {
	return func(yield func(int) bool) {
		for _, h := range v.handles {
			if !yield(int(h)) {
				return
			}
		}
	}
}

// Search is a neighborhood search over a particle store.
type Search interface {
	// FindNeighbors recomputes the neighbor sets of all particles.
	FindNeighbors() error
	// Neighbors returns the set computed by the last FindNeighbors.
	// Dead particles and out-of-range handles get an empty set.
	Neighbors(i int) View
	// NeighborsOfPosition scans all live particles; it is not meant for
	// per-particle use in hot loops.
	NeighborsOfPosition(p r2.Vec) []int
	Radius() float64
	// SetRadius changes the search radius. The next FindNeighbors
	// rebuilds from scratch.
	SetRadius(r float64) error
}

// Names accepted by New.
const (
	NameQuadratic   = "quadratic"
	NameCompactHash = "compact_hash"
)

// Options configures a Search.
type Options struct {
	// MaxNeighbors bounds the neighbor count per particle (compact hash only).
	MaxNeighbors int
	// SectionSize is the length of a cell storage section, including the
	// count header (compact hash only).
	SectionSize int
}

// New builds a Search by name.
func New(name string, store *particles.Store, radius float64, exec parallel.Executor, opts Options) (Search, error) {
	switch name {
	case NameQuadratic:
		return NewQuadratic(store, radius, exec)
	case NameCompactHash, "":
		return NewCompactHash(store, radius, exec, opts)
	}
	return nil, fmt.Errorf("unknown neighborhood search %q", name)
}

// neighborsOfPosition is the brute-force scan shared by both searches.
func neighborsOfPosition(store *particles.Store, radius float64, p r2.Vec) []int {
	mv, err := particles.Column[particles.Movement](store)
	if err != nil {
		return nil
	}
	info, err := particles.Column[particles.Info](store)
	if err != nil {
		return nil
	}
	r2max := radius * radius
	var out []int
	for j := range mv {
		if info[j].Type == particles.Dead {
			continue
		}
		d := r2.Sub(mv[j].Position, p)
		if r2.Dot(d, d) <= r2max {
			out = append(out, j)
		}
	}
	return out
}
