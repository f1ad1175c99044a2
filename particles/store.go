package particles

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrMissingAttribute is returned when an attribute kind is accessed
	// before it was registered.
	ErrMissingAttribute = errors.New("attribute not registered")

	// ErrOutOfRange is returned for a particle index outside [0, Len()).
	ErrOutOfRange = errors.New("particle index out of range")
)

// Store is a set of equally sized attribute columns.
type Store struct {
	size    int
	present [numKinds]bool

	movement []Movement
	data     []Data
	info     []Info
	external []ExternalForces
	iisph    []IISPHData
	sortInfo []SortInfo

	// generation changes whenever indices are permuted or the size changes.
	generation atomic.Uint64
}

// NewStore creates an empty store with the given attributes registered.
func NewStore(kinds ...Kind) *Store {
	s := &Store{}
	for _, k := range kinds {
		s.AddKind(k)
	}
	return s
}

// AddKind registers an attribute column. Registering twice is a no-op.
func (s *Store) AddKind(k Kind) {
	if k >= numKinds || s.present[k] {
		return
	}
	s.present[k] = true
	switch k {
	case KindMovement:
		s.movement = make([]Movement, s.size)
	case KindData:
		s.data = make([]Data, s.size)
	case KindInfo:
		s.info = make([]Info, s.size)
	case KindExternalForces:
		s.external = make([]ExternalForces, s.size)
	case KindIISPH:
		s.iisph = make([]IISPHData, s.size)
	case KindSortInfo:
		s.sortInfo = make([]SortInfo, s.size)
	}
}

// Has reports whether the attribute kind is registered.
func (s *Store) Has(k Kind) bool {
	return k < numKinds && s.present[k]
}

// Kinds returns the registered attribute kinds.
func (s *Store) Kinds() []Kind {
	kinds := make([]Kind, 0, numKinds)
	for _, k := range AllKinds {
		if s.present[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Require returns an error naming every missing kind, or nil.
func (s *Store) Require(kinds ...Kind) error {
	var errs []error
	for _, k := range kinds {
		if !s.Has(k) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingAttribute, k))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of particles.
func (s *Store) Len() int {
	return s.size
}

// Generation returns a counter that changes on every structural mutation.
// Callers caching per-index data compare it to detect stale caches.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// Add appends a zero-valued particle and returns its index.
func (s *Store) Add() int {
	s.Resize(s.size + 1)
	return s.size - 1
}

// Resize truncates or grows every registered column to n.
// Grown slots are zero-valued.
func (s *Store) Resize(n int) {
	if n < 0 {
		n = 0
	}
	if s.present[KindMovement] {
		s.movement = resize(s.movement, n)
	}
	if s.present[KindData] {
		s.data = resize(s.data, n)
	}
	if s.present[KindInfo] {
		s.info = resize(s.info, n)
	}
	if s.present[KindExternalForces] {
		s.external = resize(s.external, n)
	}
	if s.present[KindIISPH] {
		s.iisph = resize(s.iisph, n)
	}
	if s.present[KindSortInfo] {
		s.sortInfo = resize(s.sortInfo, n)
	}
	s.size = n
	s.generation.Add(1)
}

// Clear removes all particles but keeps the registered kinds.
func (s *Store) Clear() {
	s.Resize(0)
}

// Swap exchanges every registered attribute of particles i and j.
// Swaps on disjoint index pairs may run concurrently.
func (s *Store) Swap(i, j int) {
	if i == j {
		return
	}
	if s.present[KindMovement] {
		s.movement[i], s.movement[j] = s.movement[j], s.movement[i]
	}
	if s.present[KindData] {
		s.data[i], s.data[j] = s.data[j], s.data[i]
	}
	if s.present[KindInfo] {
		s.info[i], s.info[j] = s.info[j], s.info[i]
	}
	if s.present[KindExternalForces] {
		s.external[i], s.external[j] = s.external[j], s.external[i]
	}
	if s.present[KindIISPH] {
		s.iisph[i], s.iisph[j] = s.iisph[j], s.iisph[i]
	}
	if s.present[KindSortInfo] {
		s.sortInfo[i], s.sortInfo[j] = s.sortInfo[j], s.sortInfo[i]
	}
	s.generation.Add(1)
}

// Clone returns a deep copy of the store.
func (s *Store) Clone() *Store {
	c := &Store{size: s.size, present: s.present}
	c.movement = cloneSlice(s.movement)
	c.data = cloneSlice(s.data)
	c.info = cloneSlice(s.info)
	c.external = cloneSlice(s.external)
	c.iisph = cloneSlice(s.iisph)
	c.sortInfo = cloneSlice(s.sortInfo)
	c.generation.Store(s.generation.Load())
	return c
}

// MoveFrom takes over all columns of src, leaving src empty with no
// registered kinds.
func (s *Store) MoveFrom(src *Store) {
	if src == s {
		return
	}
	s.size = src.size
	s.present = src.present
	s.movement, src.movement = src.movement, nil
	s.data, src.data = src.data, nil
	s.info, src.info = src.info, nil
	s.external, src.external = src.external, nil
	s.iisph, src.iisph = src.iisph, nil
	s.sortInfo, src.sortInfo = src.sortInfo, nil
	src.size = 0
	src.present = [numKinds]bool{}
	s.generation.Add(1)
	src.generation.Add(1)
}

// Column returns the whole column for attribute T.
// The slice is invalidated by Add, Resize, Clear and MoveFrom.
func Column[T Attribute](s *Store) ([]T, error) {
	col, k := column[T](s)
	if !s.present[k] {
		return nil, fmt.Errorf("%w: %s", ErrMissingAttribute, k)
	}
	return *col, nil
}

// MustColumn is like Column but panics if T is not registered.
func MustColumn[T Attribute](s *Store) []T {
	col, err := Column[T](s)
	if err != nil {
		panic(fmt.Sprintf("particles: %v", err))
	}
	return col
}

// Get returns a pointer to attribute T of particle i.
func Get[T Attribute](s *Store, i int) (*T, error) {
	col, err := Column[T](s)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(col) {
		return nil, fmt.Errorf("%w: %d (len %d)", ErrOutOfRange, i, len(col))
	}
	return &col[i], nil
}

// column maps an attribute type to its backing slice and kind.
func column[T Attribute](s *Store) (*[]T, Kind) {
	var zero T
	switch any(zero).(type) {
	case Movement:
		return any(&s.movement).(*[]T), KindMovement
	case Data:
		return any(&s.data).(*[]T), KindData
	case Info:
		return any(&s.info).(*[]T), KindInfo
	case ExternalForces:
		return any(&s.external).(*[]T), KindExternalForces
	case IISPHData:
		return any(&s.iisph).(*[]T), KindIISPH
	default:
		return any(&s.sortInfo).(*[]T), KindSortInfo
	}
}

func resize[T any](col []T, n int) []T {
	old := len(col)
	if n <= old {
		return col[:n]
	}
	if n <= cap(col) {
		col = col[:n]
		clear(col[old:])
		return col
	}
	grown := make([]T, n, max(n, 2*cap(col)))
	copy(grown, col)
	return grown
}

func cloneSlice[T any](col []T) []T {
	if col == nil {
		return nil
	}
	out := make([]T, len(col))
	copy(out, col)
	return out
}
