package solver

import (
	"errors"
	"math"
	"slices"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/kernel"
	"github.com/pthm-cable/sph/neighbors"
	"github.com/pthm-cable/sph/parallel"
	"github.com/pthm-cable/sph/particles"
)

// latticeDensity is the cubic spline density of an interior particle on a
// unit lattice with unit mass and support 2.
const latticeDensity = 1.000861832776646

type fixture struct {
	store *particles.Store
	deps  Deps
}

func newFixture(t testing.TB, exec parallel.Executor) *fixture {
	t.Helper()
	store := particles.NewStore(particles.AllKinds...)
	k, err := kernel.NewCubicSpline(2)
	if err != nil {
		t.Fatal(err)
	}
	search, err := neighbors.NewCompactHash(store, 2, exec, neighbors.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store: store,
		deps: Deps{
			Store:  store,
			Kernel: k,
			Search: search,
			Exec:   exec,
			Params: DefaultParameters(),
		},
	}
}

// addLattice adds an nx by ny block at the given spacing with its lower
// left particle at origin and returns the first index.
func (f *fixture) addLattice(origin r2.Vec, nx, ny int, spacing float64, typ particles.Type) int {
	first := f.store.Len()
	f.store.Resize(first + nx*ny)
	mv := particles.MustColumn[particles.Movement](f.store)
	data := particles.MustColumn[particles.Data](f.store)
	info := particles.MustColumn[particles.Info](f.store)
	i := first
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			mv[i].Position = r2.Add(origin, r2.Vec{X: float64(x) * spacing, Y: float64(y) * spacing})
			data[i] = particles.Data{Mass: 1, Density: 1}
			info[i] = particles.Info{Tag: uint32(i), Type: typ}
			i++
		}
	}
	return first
}

func TestSESPH_FreeFall(t *testing.T) {
	f := newFixture(t, nil)
	f.addLattice(r2.Vec{}, 1, 1, 1, particles.Normal)
	s := NewSESPH(f.deps, DefaultSESPHSettings())

	const dt = 0.01
	if err := s.Step(dt); err != nil {
		t.Fatal(err)
	}
	mv := particles.MustColumn[particles.Movement](f.store)[0]
	g := f.deps.Params.Gravity
	if !scalar.EqualWithinAbs(mv.Velocity.Y, -g*dt, 1e-12) || mv.Velocity.X != 0 {
		t.Errorf("velocity = %v, want (0, %g)", mv.Velocity, -g*dt)
	}
	if !scalar.EqualWithinAbs(mv.Position.Y, -g*dt*dt, 1e-12) {
		t.Errorf("position.y = %g, want %g", mv.Position.Y, -g*dt*dt)
	}
	if p := particles.MustColumn[particles.Data](f.store)[0].Pressure; p != 0 {
		t.Errorf("isolated particle pressure = %g, want 0", p)
	}
}

func TestSESPH_LatticeDensityAndSymmetry(t *testing.T) {
	f := newFixture(t, parallel.NewPool(4, 4, 8))
	f.addLattice(r2.Vec{X: -3, Y: -3}, 7, 7, 1, particles.Normal)
	settings := DefaultSESPHSettings()
	s := NewSESPH(f.deps, settings)

	if err := s.Step(1e-6); err != nil {
		t.Fatal(err)
	}
	center := 3*7 + 3
	data := particles.MustColumn[particles.Data](f.store)
	if !scalar.EqualWithinAbs(data[center].Density, latticeDensity, 1e-9) {
		t.Errorf("center density = %.12f, want %.12f", data[center].Density, latticeDensity)
	}
	wantP := settings.Stiffness * (latticeDensity - 1)
	if !scalar.EqualWithinRel(data[center].Pressure, wantP, 1e-6) {
		t.Errorf("center pressure = %g, want %g", data[center].Pressure, wantP)
	}
	for i, d := range data {
		if d.Pressure < 0 {
			t.Fatalf("particle %d has negative pressure %g", i, d.Pressure)
		}
	}
	// Symmetric neighborhood: pressure and viscosity cancel, only gravity remains.
	acc := particles.MustColumn[particles.Movement](f.store)[center].Acceleration
	if math.Abs(acc.X) > 1e-6 || !scalar.EqualWithinAbs(acc.Y, -f.deps.Params.Gravity, 1e-6) {
		t.Errorf("center acceleration = %v, want (0, %g)", acc, -f.deps.Params.Gravity)
	}
}

func TestSESPH_BoundaryAndDeadStayPut(t *testing.T) {
	f := newFixture(t, nil)
	f.addLattice(r2.Vec{X: 0, Y: 0}, 5, 1, 1, particles.Boundary)
	fluid := f.addLattice(r2.Vec{X: 0, Y: 0.9}, 5, 2, 1, particles.Normal)
	info := particles.MustColumn[particles.Info](f.store)
	info[fluid].Type = particles.Dead

	before := slices.Clone(particles.MustColumn[particles.Movement](f.store))
	ext := particles.MustColumn[particles.ExternalForces](f.store)
	for i := range ext {
		ext[i].NonPressureAcceleration = r2.Vec{X: 3}
	}

	// Near-zero stiffness keeps pressure from masking the external push.
	s := NewSESPH(f.deps, SESPHSettings{Stiffness: 1e-6, Viscosity: 5})
	for step := 0; step < 3; step++ {
		if err := s.Step(1e-4); err != nil {
			t.Fatal(err)
		}
	}

	mv := particles.MustColumn[particles.Movement](f.store)
	for i := range mv {
		switch info[i].Type {
		case particles.Boundary, particles.Dead:
			if mv[i] != before[i] {
				t.Errorf("%s particle %d moved: %v -> %v", info[i].Type, i, before[i].Position, mv[i].Position)
			}
		case particles.Normal:
			if mv[i].Velocity.X <= 0 {
				t.Errorf("particle %d did not pick up external acceleration: v = %v", i, mv[i].Velocity)
			}
		}
		if info[i].Type != particles.Dead && ext[i].NonPressureAcceleration != (r2.Vec{}) {
			t.Errorf("particle %d accumulator not reset", i)
		}
	}
}

func TestSESPH_PhaseSequence(t *testing.T) {
	f := newFixture(t, nil)
	f.addLattice(r2.Vec{}, 2, 2, 1, particles.Normal)
	var phases []Phase
	f.deps.OnPhase = func(p Phase) { phases = append(phases, p) }
	s := NewSESPH(f.deps, DefaultSESPHSettings())
	if err := s.Step(0.001); err != nil {
		t.Fatal(err)
	}
	want := []Phase{PhaseNeighborSearch, PhaseDensityPressure, PhaseAcceleration, PhaseIntegrate, PhaseIdle}
	if !slices.Equal(phases, want) {
		t.Errorf("phases = %v, want %v", phases, want)
	}
	if s.Phase() != PhaseIdle {
		t.Errorf("Phase() after step = %v, want idle", s.Phase())
	}
}

func TestIISPH_SteadyStateConverges(t *testing.T) {
	f := newFixture(t, parallel.NewPool(4, 4, 8))
	f.deps.Params.Gravity = 0
	f.addLattice(r2.Vec{}, 10, 10, 1, particles.Normal)

	settings := DefaultIISPHSettings()
	settings.MinIterations = 0
	s := NewIISPH(f.deps, settings)
	if err := s.Step(0.01); err != nil {
		t.Fatal(err)
	}
	if s.LastIterations() < 1 || s.LastIterations() >= settings.MaxIterations {
		t.Errorf("iterations = %d, want within [1, %d)", s.LastIterations(), settings.MaxIterations)
	}
	if s.LastDensityError() > settings.MaxDensityErrorAllowed {
		t.Errorf("density error = %g, want <= %g", s.LastDensityError(), settings.MaxDensityErrorAllowed)
	}
	for i, d := range particles.MustColumn[particles.Data](f.store) {
		if d.Pressure < 0 {
			t.Fatalf("particle %d has negative pressure %g", i, d.Pressure)
		}
	}
}

func TestIISPH_CompressedBlockRelaxes(t *testing.T) {
	run := func(maxIter int) (*IISPH, *fixture) {
		f := newFixture(t, nil)
		f.deps.Params.Gravity = 0
		f.addLattice(r2.Vec{}, 12, 12, 0.9, particles.Normal)
		settings := DefaultIISPHSettings()
		settings.MinIterations = min(2, maxIter)
		settings.MaxIterations = maxIter
		settings.MaxDensityErrorAllowed = 1e-4
		s := NewIISPH(f.deps, settings)
		if err := s.Step(0.005); err != nil {
			t.Fatal(err)
		}
		return s, f
	}

	short, _ := run(1)
	long, f := run(200)

	if short.LastIterations() != 1 {
		t.Errorf("capped run iterations = %d, want 1", short.LastIterations())
	}
	if long.LastIterations() < 2 || long.LastIterations() > 200 {
		t.Errorf("iterations = %d, want within [2, 200]", long.LastIterations())
	}
	if long.LastDensityError() >= short.LastDensityError() {
		t.Errorf("density error did not decrease: %g after %d iterations, %g after 1",
			long.LastDensityError(), long.LastIterations(), short.LastDensityError())
	}
	if long.MaxDensityErrorReached() < long.LastDensityError() {
		t.Errorf("max error %g below last error %g", long.MaxDensityErrorReached(), long.LastDensityError())
	}

	data := particles.MustColumn[particles.Data](f.store)
	positive := 0
	for i, d := range data {
		if d.Pressure < 0 {
			t.Fatalf("particle %d has negative pressure %g", i, d.Pressure)
		}
		if d.Pressure > 0 {
			positive++
		}
	}
	if positive == 0 {
		t.Error("compressed block has no positive pressure")
	}
}

func TestIISPH_FluidOnBoundary(t *testing.T) {
	f := newFixture(t, parallel.NewPool(2, 4, 8))
	f.addLattice(r2.Vec{X: -2, Y: -2}, 20, 2, 1, particles.Boundary)
	fluid := f.addLattice(r2.Vec{X: 2, Y: 0}, 8, 6, 1, particles.Normal)

	s := NewIISPH(f.deps, DefaultIISPHSettings())
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	for step := 0; step < 20; step++ {
		if err := s.Step(0.005); err != nil {
			t.Fatal(err)
		}
		stats := s.Stats()
		if stats.Iterations < s.Settings.MinIterations || stats.Iterations > s.Settings.MaxIterations {
			t.Fatalf("step %d: iterations %d out of bounds", step, stats.Iterations)
		}
	}

	mv := particles.MustColumn[particles.Movement](f.store)
	data := particles.MustColumn[particles.Data](f.store)
	for i := fluid; i < len(mv); i++ {
		p := mv[i].Position
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			t.Fatalf("particle %d position not finite: %v", i, p)
		}
		if data[i].Pressure < 0 {
			t.Fatalf("particle %d has negative pressure %g", i, data[i].Pressure)
		}
	}
	for i := 0; i < fluid; i++ {
		if mv[i].Velocity != (r2.Vec{}) {
			t.Errorf("boundary particle %d moved", i)
		}
	}
}

func TestValidate(t *testing.T) {
	f := newFixture(t, nil)
	bad := DefaultIISPHSettings()
	bad.MinIterations = 10
	bad.MaxIterations = 5
	bad.MaxDensityErrorAllowed = 0

	err := NewIISPH(f.deps, bad).Validate()
	if !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("Validate() = %v, want ErrInvalidSettings", err)
	}
	if err := NewIISPH(f.deps, DefaultIISPHSettings()).Validate(); err != nil {
		t.Errorf("default settings rejected: %v", err)
	}

	bare := f.deps
	bare.Store = particles.NewStore(particles.KindMovement)
	if err := NewSESPH(bare, DefaultSESPHSettings()).Validate(); !errors.Is(err, particles.ErrMissingAttribute) {
		t.Errorf("Validate() on bare store = %v, want ErrMissingAttribute", err)
	}

	small, _ := neighbors.NewQuadratic(f.store, 1, nil)
	narrow := f.deps
	narrow.Search = small
	if err := NewSESPH(narrow, DefaultSESPHSettings()).Validate(); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("Validate() with narrow search = %v, want ErrInvalidSettings", err)
	}
}

func TestStep_Errors(t *testing.T) {
	f := newFixture(t, nil)
	f.addLattice(r2.Vec{}, 2, 2, 1, particles.Normal)
	tests := []struct {
		name   string
		solver Solver
	}{
		{"sesph", NewSESPH(f.deps, DefaultSESPHSettings())},
		{"iisph", NewIISPH(f.deps, DefaultIISPHSettings())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, dt := range []float64{0, -1, math.NaN()} {
				if err := tt.solver.Step(dt); !errors.Is(err, ErrInvalidTimestep) {
					t.Errorf("Step(%g) = %v, want ErrInvalidTimestep", dt, err)
				}
			}
		})
	}

	bare := particles.NewStore(particles.KindMovement, particles.KindInfo)
	search, _ := neighbors.NewQuadratic(bare, 2, nil)
	deps := f.deps
	deps.Store, deps.Search = bare, search
	if err := NewSESPH(deps, DefaultSESPHSettings()).Step(0.01); !errors.Is(err, particles.ErrMissingAttribute) {
		t.Errorf("Step on bare store = %v, want ErrMissingAttribute", err)
	}
}

func TestStep_NeighborOverflow(t *testing.T) {
	f := newFixture(t, nil)
	f.addLattice(r2.Vec{}, 6, 6, 0.2, particles.Normal)
	search, _ := neighbors.NewCompactHash(f.store, 2, nil, neighbors.Options{MaxNeighbors: 8})
	f.deps.Search = search
	err := NewIISPH(f.deps, DefaultIISPHSettings()).Step(0.001)
	if !errors.Is(err, neighbors.ErrNeighborCapacity) {
		t.Errorf("Step() = %v, want ErrNeighborCapacity", err)
	}
}

func TestNew(t *testing.T) {
	f := newFixture(t, nil)
	for _, tt := range []struct {
		name    string
		wantErr bool
	}{
		{NameSESPH, false},
		{NameIISPH, false},
		{"", false},
		{"pcisph", true},
	} {
		_, err := New(tt.name, f.deps, DefaultSESPHSettings(), DefaultIISPHSettings())
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func BenchmarkIISPHStep(b *testing.B) {
	pool := parallel.NewPool(0, 0, 0)
	defer pool.Close()
	f := newFixture(b, pool)
	f.addLattice(r2.Vec{X: -1, Y: -2}, 60, 2, 1, particles.Boundary)
	f.addLattice(r2.Vec{}, 40, 40, 1, particles.Normal)
	s := NewIISPH(f.deps, DefaultIISPHSettings())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Step(0.001); err != nil {
			b.Fatal(err)
		}
	}
}
