package neighbors

import (
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/parallel"
	"github.com/pthm-cable/sph/particles"
)

const (
	// DefaultMaxNeighbors is the per-particle neighbor capacity.
	DefaultMaxNeighbors = 150
	// DefaultSectionSize is the storage section length including its header.
	DefaultSectionSize = 10
)

// UpdateKind describes how the last FindNeighbors refreshed the grid.
type UpdateKind uint8

const (
	UpdateNone UpdateKind = iota
	UpdateFull
	UpdateIncremental
)

func (u UpdateKind) String() string {
	switch u {
	case UpdateFull:
		return "full"
	case UpdateIncremental:
		return "incremental"
	}
	return "none"
}

// CompactHash is a uniform grid with cell size equal to the search radius.
// Occupied cells live in a hash table of size 2n; each cell's particles are
// kept in chained fixed-size storage sections.
//
// When the particle count and the store generation are unchanged since the
// previous call, only particles that changed cell are moved. That update is
// sequential; the neighbor queries that follow run on the executor.
type CompactHash struct {
	store        *particles.Store
	radius       float64
	exec         parallel.Executor
	maxNeighbors int

	table   *hashTable
	storage *sectionStorage

	cellOf   []cell  // cell each handle is stored in
	inGrid   []bool  // whether the handle is stored at all
	newCells []cell  // scratch for incremental updates
	movers   []int32 // scratch for incremental updates

	counts    []int32
	neighbors []int32 // maxNeighbors entries per particle

	built          bool
	lastSize       int
	lastGeneration uint64
	lastUpdate     UpdateKind
}

// NewCompactHash creates a grid-hash search. Zero option fields select
// DefaultMaxNeighbors and DefaultSectionSize.
func NewCompactHash(store *particles.Store, radius float64, exec parallel.Executor, opts Options) (*CompactHash, error) {
	if radius <= 0 || math.IsNaN(radius) {
		return nil, ErrInvalidRadius
	}
	if exec == nil {
		exec = parallel.Sequential{}
	}
	if opts.MaxNeighbors <= 0 {
		opts.MaxNeighbors = DefaultMaxNeighbors
	}
	if opts.SectionSize <= 0 {
		opts.SectionSize = DefaultSectionSize
	}
	return &CompactHash{
		store:        store,
		radius:       radius,
		exec:         exec,
		maxNeighbors: opts.MaxNeighbors,
		storage:      newSectionStorage(opts.SectionSize),
	}, nil
}

func (c *CompactHash) Radius() float64 { return c.radius }

func (c *CompactHash) SetRadius(r float64) error {
	if r <= 0 || math.IsNaN(r) {
		return ErrInvalidRadius
	}
	c.radius = r
	c.built = false
	return nil
}

// LastUpdate reports which strategy the previous FindNeighbors used.
func (c *CompactHash) LastUpdate() UpdateKind { return c.lastUpdate }

// Invalidate forces the next FindNeighbors to rebuild the grid.
func (c *CompactHash) Invalidate() { c.built = false }

func (c *CompactHash) cellFor(p r2.Vec) cell {
	return cell{
		x: int32(math.Floor(p.X / c.radius)),
		y: int32(math.Floor(p.Y / c.radius)),
	}
}

func (c *CompactHash) FindNeighbors() error {
	if err := c.store.Require(particles.KindMovement, particles.KindInfo); err != nil {
		return err
	}
	n := c.store.Len()

	var err error
	if !c.built || n != c.lastSize || c.store.Generation() != c.lastGeneration {
		err = c.rebuild()
		c.lastUpdate = UpdateFull
	} else {
		err = c.update()
		c.lastUpdate = UpdateIncremental
	}
	if err != nil {
		c.built = false
		return err
	}
	c.built = true
	c.lastSize = n
	c.lastGeneration = c.store.Generation()

	return c.query()
}

// rebuild clears the grid and inserts every live particle.
func (c *CompactHash) rebuild() error {
	mv := particles.MustColumn[particles.Movement](c.store)
	info := particles.MustColumn[particles.Info](c.store)
	n := len(mv)

	c.table = newHashTable(2 * n)
	c.storage.reset()
	c.cellOf = resizeSlice(c.cellOf, n)
	c.inGrid = resizeSlice(c.inGrid, n)

	for i := 0; i < n; i++ {
		c.inGrid[i] = false
		if info[i].Type == particles.Dead {
			continue
		}
		cl := c.cellFor(mv[i].Position)
		if err := c.insert(int32(i), cl); err != nil {
			return err
		}
	}
	return nil
}

// update moves only particles whose cell or liveness changed.
func (c *CompactHash) update() error {
	mv := particles.MustColumn[particles.Movement](c.store)
	info := particles.MustColumn[particles.Info](c.store)
	n := len(mv)

	c.newCells = resizeSlice(c.newCells, n)
	parallel.ForEach(c.exec, n, func(i int) {
		c.newCells[i] = c.cellFor(mv[i].Position)
	})

	c.movers = c.movers[:0]
	for i := 0; i < n; i++ {
		live := info[i].Type != particles.Dead
		if live != c.inGrid[i] || (live && c.newCells[i] != c.cellOf[i]) {
			c.movers = append(c.movers, int32(i))
		}
	}

	for _, h := range c.movers {
		if c.inGrid[h] {
			c.detach(h)
		}
	}
	for _, h := range c.movers {
		if info[h].Type == particles.Dead {
			continue
		}
		if err := c.insert(h, c.newCells[h]); err != nil {
			return err
		}
	}
	return nil
}

func (c *CompactHash) insert(h int32, cl cell) error {
	idx, created, err := c.table.insert(cl)
	if err != nil {
		return fmt.Errorf("inserting particle %d into cell (%d,%d): %w", h, cl.x, cl.y, err)
	}
	s := &c.table.slots[idx]
	if created {
		s.section = c.storage.alloc()
	}
	c.storage.add(s.section, h)
	c.cellOf[h] = cl
	c.inGrid[h] = true
	return nil
}

// detach removes h from its cell and frees the cell once it is empty.
func (c *CompactHash) detach(h int32) {
	c.inGrid[h] = false
	idx := c.table.lookup(c.cellOf[h])
	if idx < 0 {
		return
	}
	first := c.table.slots[idx].section
	if c.storage.remove(first, h) {
		c.storage.releaseFrom(first)
		c.table.remove(idx)
	}
}

// query fills the per-particle neighbor storage from the 3x3 cell block
// around each particle.
func (c *CompactHash) query() error {
	mv := particles.MustColumn[particles.Movement](c.store)
	info := particles.MustColumn[particles.Info](c.store)
	n := len(mv)

	c.counts = resizeSlice(c.counts, n)
	c.neighbors = resizeSlice(c.neighbors, n*c.maxNeighbors)

	r2max := c.radius * c.radius
	limit := int32(c.maxNeighbors)
	var overflow atomic.Int64
	overflow.Store(-1)

	parallel.ForEach(c.exec, n, func(i int) {
		c.counts[i] = 0
		if !c.inGrid[i] || info[i].Type == particles.Dead {
			return
		}
		pos := mv[i].Position
		home := c.cellOf[i]
		out := c.neighbors[i*c.maxNeighbors : (i+1)*c.maxNeighbors]
		count := int32(0)
		full := false

		for dx := int32(-1); dx <= 1 && !full; dx++ {
			for dy := int32(-1); dy <= 1 && !full; dy++ {
				idx := c.table.lookup(cell{x: home.x + dx, y: home.y + dy})
				if idx < 0 {
					continue
				}
				c.storage.each(c.table.slots[idx].section, func(j int32) bool {
					d := r2.Sub(mv[j].Position, pos)
					if r2.Dot(d, d) > r2max {
						return true
					}
					if count == limit {
						full = true
						return false
					}
					out[count] = j
					count++
					return true
				})
			}
		}
		c.counts[i] = count
		if full {
			overflow.CompareAndSwap(-1, int64(i))
		}
	})

	if i := overflow.Load(); i >= 0 {
		return fmt.Errorf("particle %d has more than %d neighbors: %w", i, c.maxNeighbors, ErrNeighborCapacity)
	}
	return nil
}

func (c *CompactHash) Neighbors(i int) View {
	if i < 0 || i >= len(c.counts) {
		return View{}
	}
	start := i * c.maxNeighbors
	return View{handles: c.neighbors[start : start+int(c.counts[i])]}
}

func (c *CompactHash) NeighborsOfPosition(p r2.Vec) []int {
	return neighborsOfPosition(c.store, c.radius, p)
}

func resizeSlice[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}
