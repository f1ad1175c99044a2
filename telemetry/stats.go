package telemetry

import (
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/sph/neighbors"
	"github.com/pthm-cable/sph/particles"
)

// ParticleStats is a snapshot of the particle population.
// Density and pressure figures cover Normal particles only.
type ParticleStats struct {
	Fluid    int
	Boundary int
	Dead     int

	DensityMean float64
	DensityMin  float64
	DensityMax  float64
	DensityP10  float64
	DensityP50  float64
	DensityP90  float64

	PressureMean float64
	PressureMax  float64

	MaxSpeed      float64
	KineticEnergy float64

	// Neighbor counts (self included) from the last search; zero without one.
	NeighborsMean float64
	NeighborsMin  float64
	NeighborsMax  float64
}

// MeasureParticles computes ParticleStats from the store. Neighbor counts
// are read from search, which may be nil.
func MeasureParticles(s *particles.Store, search neighbors.Search) (ParticleStats, error) {
	if err := s.Require(particles.KindMovement, particles.KindData, particles.KindInfo); err != nil {
		return ParticleStats{}, err
	}
	mv := particles.MustColumn[particles.Movement](s)
	data := particles.MustColumn[particles.Data](s)
	info := particles.MustColumn[particles.Info](s)

	var ps ParticleStats
	densities := make([]float64, 0, len(info))
	pressures := make([]float64, 0, len(info))
	var counts []float64
	if search != nil {
		counts = make([]float64, 0, len(info))
	}
	for i := range info {
		switch info[i].Type {
		case particles.Boundary:
			ps.Boundary++
			continue
		case particles.Dead:
			ps.Dead++
			continue
		}
		ps.Fluid++
		densities = append(densities, data[i].Density)
		pressures = append(pressures, data[i].Pressure)
		if search != nil {
			counts = append(counts, float64(search.Neighbors(i).Len()))
		}

		v2 := r2.Dot(mv[i].Velocity, mv[i].Velocity)
		ps.MaxSpeed = math.Max(ps.MaxSpeed, math.Sqrt(v2))
		ps.KineticEnergy += 0.5 * data[i].Mass * v2
	}
	if ps.Fluid == 0 {
		return ps, nil
	}

	ps.DensityMean = stat.Mean(densities, nil)
	ps.DensityMin = floats.Min(densities)
	ps.DensityMax = floats.Max(densities)
	sort.Float64s(densities)
	ps.DensityP10 = stat.Quantile(0.10, stat.Empirical, densities, nil)
	ps.DensityP50 = stat.Quantile(0.50, stat.Empirical, densities, nil)
	ps.DensityP90 = stat.Quantile(0.90, stat.Empirical, densities, nil)

	ps.PressureMean = stat.Mean(pressures, nil)
	ps.PressureMax = floats.Max(pressures)

	if len(counts) > 0 {
		ps.NeighborsMean = stat.Mean(counts, nil)
		ps.NeighborsMin = floats.Min(counts)
		ps.NeighborsMax = floats.Max(counts)
	}
	return ps, nil
}

// WindowStats holds aggregated statistics for a window of steps.
type WindowStats struct {
	WindowStartStep int     `csv:"-"`
	WindowEndStep   int     `csv:"window_end"`
	SimTime         float64 `csv:"sim_time"`

	// Stepping during window
	Steps   int     `csv:"steps"`
	MeanDT  float64 `csv:"dt_mean"`
	Spawned int     `csv:"spawned"`

	// Population at window end
	Fluid    int `csv:"fluid"`
	Boundary int `csv:"boundary"`
	Dead     int `csv:"dead"`

	// Density distribution at window end
	DensityMean float64 `csv:"density_mean"`
	DensityMin  float64 `csv:"density_min"`
	DensityMax  float64 `csv:"density_max"`
	DensityP10  float64 `csv:"density_p10"`
	DensityP50  float64 `csv:"density_p50"`
	DensityP90  float64 `csv:"density_p90"`

	PressureMean float64 `csv:"pressure_mean"`
	PressureMax  float64 `csv:"pressure_max"`

	MaxSpeed      float64 `csv:"max_speed"`
	KineticEnergy float64 `csv:"kinetic_energy"`

	// Neighbor counts at window end
	NeighborsMean float64 `csv:"neighbors_mean"`
	NeighborsMin  float64 `csv:"neighbors_min"`
	NeighborsMax  float64 `csv:"neighbors_max"`

	// Pressure solver, zero for solvers without iterations
	IterationsMean  float64 `csv:"iter_mean"`
	IterationsMax   int     `csv:"iter_max"`
	DensityErrorMax float64 `csv:"density_error_max"`
	Unconverged     int     `csv:"unconverged"`
}

// LogValue implements slog.LogValuer for structured logging.
func (s WindowStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("window_start", s.WindowStartStep),
		slog.Int("window_end", s.WindowEndStep),
		slog.Float64("sim_time", s.SimTime),
		slog.Int("steps", s.Steps),
		slog.Float64("dt_mean", s.MeanDT),
		slog.Int("spawned", s.Spawned),
		slog.Int("fluid", s.Fluid),
		slog.Int("boundary", s.Boundary),
		slog.Int("dead", s.Dead),
		slog.Float64("density_mean", s.DensityMean),
		slog.Float64("density_min", s.DensityMin),
		slog.Float64("density_max", s.DensityMax),
		slog.Float64("density_p10", s.DensityP10),
		slog.Float64("density_p50", s.DensityP50),
		slog.Float64("density_p90", s.DensityP90),
		slog.Float64("pressure_mean", s.PressureMean),
		slog.Float64("pressure_max", s.PressureMax),
		slog.Float64("max_speed", s.MaxSpeed),
		slog.Float64("kinetic_energy", s.KineticEnergy),
		slog.Float64("neighbors_mean", s.NeighborsMean),
		slog.Float64("neighbors_min", s.NeighborsMin),
		slog.Float64("neighbors_max", s.NeighborsMax),
		slog.Float64("iter_mean", s.IterationsMean),
		slog.Int("iter_max", s.IterationsMax),
		slog.Float64("density_error_max", s.DensityErrorMax),
		slog.Int("unconverged", s.Unconverged),
	)
}

// LogStats logs the window stats using slog.
func (s WindowStats) LogStats() {
	slog.Info("stats",
		"window_end", s.WindowEndStep,
		"sim_time", s.SimTime,
		"steps", s.Steps,
		"dt_mean", s.MeanDT,
		"fluid", s.Fluid,
		"spawned", s.Spawned,
		"density_mean", s.DensityMean,
		"density_max", s.DensityMax,
		"density_p90", s.DensityP90,
		"pressure_max", s.PressureMax,
		"neighbors_max", s.NeighborsMax,
		"max_speed", s.MaxSpeed,
		"iter_mean", s.IterationsMean,
		"density_error_max", s.DensityErrorMax,
		"unconverged", s.Unconverged,
	)
}
