package neighbors

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/parallel"
	"github.com/pthm-cable/sph/particles"
)

func newStore(positions []r2.Vec) *particles.Store {
	s := particles.NewStore(particles.KindMovement, particles.KindInfo)
	s.Resize(len(positions))
	mv := particles.MustColumn[particles.Movement](s)
	info := particles.MustColumn[particles.Info](s)
	for i, p := range positions {
		mv[i].Position = p
		info[i] = particles.Info{Tag: uint32(i), Type: particles.Normal}
	}
	return s
}

func randomPositions(n int, extent float64, seed int64) []r2.Vec {
	rng := rand.New(rand.NewSource(seed))
	out := make([]r2.Vec, n)
	for i := range out {
		out[i] = r2.Vec{X: (rng.Float64() - 0.5) * extent, Y: (rng.Float64() - 0.5) * extent}
	}
	return out
}

// gridPositions lays out a 5x5 grid with spacing 1 over [-2, 2]^2.
// Index = (y+2)*5 + (x+2).
func gridPositions() []r2.Vec {
	out := make([]r2.Vec, 0, 25)
	for y := -2; y <= 2; y++ {
		for x := -2; x <= 2; x++ {
			out = append(out, r2.Vec{X: float64(x), Y: float64(y)})
		}
	}
	return out
}

func gridIndex(x, y int) int { return (y+2)*5 + (x + 2) }

func sortedHandles(v View) []int {
	out := make([]int, 0, v.Len())
	for h := range v.All() {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

func requireSameNeighbors(t *testing.T, a, b Search, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ga, gb := sortedHandles(a.Neighbors(i)), sortedHandles(b.Neighbors(i))
		if !slices.Equal(ga, gb) {
			t.Fatalf("particle %d: neighbors differ\n  a: %v\n  b: %v", i, ga, gb)
		}
	}
}

func TestCompactHash_MatchesQuadratic(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		extent float64
		radius float64
	}{
		{"sparse", 200, 100, 3},
		{"dense", 400, 10, 1},
		{"tiny radius", 300, 20, 0.25},
		{"single", 1, 1, 1},
		{"empty", 0, 1, 1},
	}
	execs := []struct {
		name string
		exec parallel.Executor
	}{
		{"sequential", parallel.Sequential{}},
		{"pool", parallel.NewPool(4, 8, 16)},
	}

	for _, ec := range execs {
		for _, tt := range tests {
			t.Run(ec.name+"/"+tt.name, func(t *testing.T) {
				store := newStore(randomPositions(tt.n, tt.extent, int64(tt.n)))
				// Mark a few particles dead.
				info := particles.MustColumn[particles.Info](store)
				for i := 0; i < tt.n; i += 7 {
					info[i].Type = particles.Dead
				}

				quad, err := NewQuadratic(store, tt.radius, ec.exec)
				if err != nil {
					t.Fatal(err)
				}
				hash, err := NewCompactHash(store, tt.radius, ec.exec, Options{MaxNeighbors: 400})
				if err != nil {
					t.Fatal(err)
				}
				if err := quad.FindNeighbors(); err != nil {
					t.Fatal(err)
				}
				if err := hash.FindNeighbors(); err != nil {
					t.Fatal(err)
				}
				requireSameNeighbors(t, quad, hash, tt.n)
			})
		}
	}
}

func TestGridCounts(t *testing.T) {
	type probe struct {
		x, y int
		want int
	}
	tests := []struct {
		radius float64
		probes []probe
	}{
		{1.5, []probe{
			{-2, -2, 4}, {2, 2, 4}, {-2, 2, 4}, // corners
			{0, 0, 9},                         // center
			{2, 0, 6}, {0, -2, 6}, {-2, 0, 6}, // edge centers
		}},
		{2.5, []probe{
			{-2, -2, 8}, {2, -2, 8},
			{0, 0, 21},
			{2, 0, 13},
			{1, -1, 15},
		}},
	}
	transforms := []struct {
		name string
		fn   func(r2.Vec) r2.Vec
	}{
		{"identity", func(p r2.Vec) r2.Vec { return p }},
		{"translated", func(p r2.Vec) r2.Vec { return r2.Add(p, r2.Vec{X: 1000.37, Y: -537.71}) }},
		{"rotated", r2.NewRotation(0.6109, r2.Vec{}).Rotate},
		{"rotated about point", r2.NewRotation(-2.3, r2.Vec{X: 5, Y: 3}).Rotate},
		{"rotated and translated", func(p r2.Vec) r2.Vec {
			return r2.Add(r2.NewRotation(math.Pi/7, r2.Vec{}).Rotate(p), r2.Vec{X: -12.5, Y: 0.25})
		}},
	}
	kinds := []string{NameQuadratic, NameCompactHash}

	for _, kind := range kinds {
		for _, tf := range transforms {
			for _, tt := range tests {
				t.Run(kind+"/"+tf.name, func(t *testing.T) {
					pos := gridPositions()
					for i := range pos {
						pos[i] = tf.fn(pos[i])
					}
					store := newStore(pos)
					search, err := New(kind, store, tt.radius, parallel.Sequential{}, Options{})
					if err != nil {
						t.Fatal(err)
					}
					if err := search.FindNeighbors(); err != nil {
						t.Fatal(err)
					}
					for _, p := range tt.probes {
						got := search.Neighbors(gridIndex(p.x, p.y)).Len()
						if got != p.want {
							t.Errorf("r=%v (%d,%d): %d neighbors, want %d", tt.radius, p.x, p.y, got, p.want)
						}
					}
				})
			}
		}
	}
}

func TestNeighbors_SelfInclusiveAndDeadExcluded(t *testing.T) {
	store := newStore(gridPositions())
	dead := gridIndex(0, 0)
	particles.MustColumn[particles.Info](store)[dead].Type = particles.Dead

	for _, kind := range []string{NameQuadratic, NameCompactHash} {
		t.Run(kind, func(t *testing.T) {
			search, err := New(kind, store, 1.5, parallel.Sequential{}, Options{})
			if err != nil {
				t.Fatal(err)
			}
			if err := search.FindNeighbors(); err != nil {
				t.Fatal(err)
			}
			if n := search.Neighbors(dead).Len(); n != 0 {
				t.Errorf("dead particle has %d neighbors, want 0", n)
			}
			for i := 0; i < store.Len(); i++ {
				hs := sortedHandles(search.Neighbors(i))
				if i != dead && !slices.Contains(hs, i) {
					t.Errorf("particle %d is not its own neighbor", i)
				}
				if slices.Contains(hs, dead) {
					t.Errorf("particle %d lists dead particle as neighbor", i)
				}
			}
			if got := search.Neighbors(-1).Len() + search.Neighbors(1000).Len(); got != 0 {
				t.Errorf("out-of-range handles returned %d neighbors", got)
			}
			// (1,0) normally has 9 neighbors; the dead center is dropped.
			if got := search.Neighbors(gridIndex(1, 0)).Len(); got != 8 {
				t.Errorf("(1,0) has %d neighbors, want 8", got)
			}
		})
	}
}

func TestCompactHash_IncrementalMatchesFull(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	store := newStore(randomPositions(500, 30, 5))
	exec := parallel.NewPool(4, 8, 16)
	defer exec.Close()

	hash, err := NewCompactHash(store, 1.2, exec, Options{SectionSize: 4, MaxNeighbors: 300})
	if err != nil {
		t.Fatal(err)
	}
	quad, _ := NewQuadratic(store, 1.2, exec)

	if err := hash.FindNeighbors(); err != nil {
		t.Fatal(err)
	}
	if hash.LastUpdate() != UpdateFull {
		t.Fatalf("first update = %v, want full", hash.LastUpdate())
	}

	mv := particles.MustColumn[particles.Movement](store)
	info := particles.MustColumn[particles.Info](store)
	for step := 0; step < 25; step++ {
		for i := range mv {
			mv[i].Position = r2.Add(mv[i].Position, r2.Vec{X: rng.NormFloat64() * 0.4, Y: rng.NormFloat64() * 0.4})
		}
		// Kill and revive some particles without changing indices.
		k := rng.Intn(len(info))
		if info[k].Type == particles.Dead {
			info[k].Type = particles.Normal
		} else {
			info[k].Type = particles.Dead
		}

		if err := hash.FindNeighbors(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		if hash.LastUpdate() != UpdateIncremental {
			t.Fatalf("step %d: update = %v, want incremental", step, hash.LastUpdate())
		}
		if err := quad.FindNeighbors(); err != nil {
			t.Fatal(err)
		}
		requireSameNeighbors(t, quad, hash, store.Len())
	}

	// A permutation forces a full rebuild.
	store.Swap(0, 1)
	if err := hash.FindNeighbors(); err != nil {
		t.Fatal(err)
	}
	if hash.LastUpdate() != UpdateFull {
		t.Errorf("after swap update = %v, want full", hash.LastUpdate())
	}
	_ = quad.FindNeighbors()
	requireSameNeighbors(t, quad, hash, store.Len())

	// So does a size change.
	idx := store.Add()
	particles.MustColumn[particles.Movement](store)[idx].Position = r2.Vec{X: 0.1, Y: 0.1}
	if err := hash.FindNeighbors(); err != nil {
		t.Fatal(err)
	}
	if hash.LastUpdate() != UpdateFull {
		t.Errorf("after add update = %v, want full", hash.LastUpdate())
	}
	_ = quad.FindNeighbors()
	requireSameNeighbors(t, quad, hash, store.Len())
}

func TestCompactHash_NeighborCapacity(t *testing.T) {
	store := newStore(gridPositions())
	hash, err := NewCompactHash(store, 1.5, parallel.Sequential{}, Options{MaxNeighbors: 5})
	if err != nil {
		t.Fatal(err)
	}
	err = hash.FindNeighbors()
	if !errors.Is(err, ErrNeighborCapacity) {
		t.Fatalf("FindNeighbors() error = %v, want ErrNeighborCapacity", err)
	}
}

func TestHashTable_Full(t *testing.T) {
	table := newHashTable(3)
	for i := int32(0); i < 3; i++ {
		if _, _, err := table.insert(cell{x: i, y: -i}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if _, _, err := table.insert(cell{x: 100, y: 100}); !errors.Is(err, ErrHashTableFull) {
		t.Fatalf("insert into full table error = %v, want ErrHashTableFull", err)
	}
	// Existing keys are still found after a failed insert.
	for i := int32(0); i < 3; i++ {
		if table.lookup(cell{x: i, y: -i}) < 0 {
			t.Errorf("cell %d lost", i)
		}
	}
	if table.lookup(cell{x: 100, y: 100}) >= 0 {
		t.Error("failed insert left a key behind")
	}
}

func TestHashTable_RemoveKeepsProbeChain(t *testing.T) {
	table := newHashTable(1)
	a := cell{x: 1, y: 1}
	idx, created, err := table.insert(a)
	if err != nil || !created {
		t.Fatalf("insert: idx=%d created=%v err=%v", idx, created, err)
	}
	if again, created, _ := table.insert(a); again != idx || created {
		t.Errorf("re-insert = (%d, %v), want (%d, false)", again, created, idx)
	}

	big := newHashTable(8)
	keys := []cell{{0, 0}, {8, 0}, {16, 0}, {24, 0}}
	for _, k := range keys {
		if _, _, err := big.insert(k); err != nil {
			t.Fatal(err)
		}
	}
	big.remove(big.lookup(keys[1]))
	for _, k := range []cell{keys[0], keys[2], keys[3]} {
		if big.lookup(k) < 0 {
			t.Errorf("key %v unreachable after removing a neighbor", k)
		}
	}
	if big.lookup(keys[1]) >= 0 {
		t.Error("removed key still found")
	}
}

func TestSectionStorage_Chaining(t *testing.T) {
	s := newSectionStorage(3) // two handles per section
	first := s.alloc()
	for h := int32(0); h < 7; h++ {
		s.add(first, h)
	}
	if got := s.count(first); got != 7 {
		t.Fatalf("count = %d, want 7", got)
	}

	for _, h := range []int32{3, 0, 6, 5} {
		if s.remove(first, h) {
			t.Fatalf("chain reported empty after removing %d", h)
		}
	}
	var rest []int
	s.each(first, func(h int32) bool { rest = append(rest, int(h)); return true })
	slices.Sort(rest)
	if !slices.Equal(rest, []int{1, 2, 4}) {
		t.Errorf("remaining = %v, want [1 2 4]", rest)
	}
	if len(s.free) == 0 {
		t.Error("emptied overflow sections were not freed")
	}

	for _, h := range []int32{1, 2} {
		s.remove(first, h)
	}
	if !s.remove(first, 4) {
		t.Error("chain not reported empty after removing every handle")
	}
}

func TestNeighborsOfPosition(t *testing.T) {
	store := newStore(gridPositions())
	particles.MustColumn[particles.Info](store)[gridIndex(0, 0)].Type = particles.Dead

	for _, kind := range []string{NameQuadratic, NameCompactHash} {
		search, _ := New(kind, store, 1.0, nil, Options{})
		got := search.NeighborsOfPosition(r2.Vec{X: 0.5, Y: 0})
		slices.Sort(got)
		want := []int{gridIndex(1, 0)}
		if !slices.Equal(got, want) {
			t.Errorf("%s: NeighborsOfPosition = %v, want %v", kind, got, want)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	store := newStore(nil)
	if _, err := New("octree", store, 1, nil, Options{}); err == nil {
		t.Error("expected error for unknown search")
	}
	if _, err := New(NameCompactHash, store, 0, nil, Options{}); !errors.Is(err, ErrInvalidRadius) {
		t.Errorf("zero radius error = %v, want ErrInvalidRadius", err)
	}
	missing := particles.NewStore(particles.KindMovement)
	search, _ := New(NameCompactHash, missing, 1, nil, Options{})
	if err := search.FindNeighbors(); !errors.Is(err, particles.ErrMissingAttribute) {
		t.Errorf("FindNeighbors without Info error = %v, want ErrMissingAttribute", err)
	}
}

func TestInvalidRadius(t *testing.T) {
	store := newStore(gridPositions())
	radii := []float64{0, -1, math.NaN()}
	for _, name := range []string{NameQuadratic, NameCompactHash} {
		for _, r := range radii {
			t.Run(fmt.Sprintf("%s/r=%v", name, r), func(t *testing.T) {
				if _, err := New(name, store, r, nil, Options{}); !errors.Is(err, ErrInvalidRadius) {
					t.Errorf("New(%v) error = %v, want ErrInvalidRadius", r, err)
				}
				search, err := New(name, store, 1.5, nil, Options{})
				if err != nil {
					t.Fatal(err)
				}
				if err := search.SetRadius(r); !errors.Is(err, ErrInvalidRadius) {
					t.Errorf("SetRadius(%v) error = %v, want ErrInvalidRadius", r, err)
				}
				if got := search.Radius(); got != 1.5 {
					t.Errorf("Radius() = %v after rejected SetRadius, want 1.5", got)
				}
			})
		}
	}
}

func TestSetRadius_Rebuilds(t *testing.T) {
	store := newStore(gridPositions())
	hash, _ := NewCompactHash(store, 1.5, nil, Options{})
	if err := hash.FindNeighbors(); err != nil {
		t.Fatal(err)
	}
	if err := hash.SetRadius(2.5); err != nil {
		t.Fatal(err)
	}
	if err := hash.FindNeighbors(); err != nil {
		t.Fatal(err)
	}
	if hash.LastUpdate() != UpdateFull {
		t.Errorf("update after SetRadius = %v, want full", hash.LastUpdate())
	}
	if got := hash.Neighbors(gridIndex(0, 0)).Len(); got != 21 {
		t.Errorf("center has %d neighbors at r=2.5, want 21", got)
	}
	if err := hash.SetRadius(-1); !errors.Is(err, ErrInvalidRadius) {
		t.Errorf("SetRadius(-1) error = %v, want ErrInvalidRadius", err)
	}
}

func BenchmarkCompactHash(b *testing.B) {
	store := newStore(randomPositions(20000, 150, 1))
	exec := parallel.NewPool(0, 0, 0)
	defer exec.Close()
	hash, _ := NewCompactHash(store, 2, exec, Options{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := hash.FindNeighbors(); err != nil {
			b.Fatal(err)
		}
	}
}
