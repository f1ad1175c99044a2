// Package config provides configuration loading and access for the simulation.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/sph/components"
	"github.com/pthm-cable/sph/kernel"
	"github.com/pthm-cable/sph/neighbors"
	"github.com/pthm-cable/sph/particles"
	"github.com/pthm-cable/sph/solver"
	"github.com/pthm-cable/sph/timestep"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrIncompatible wraps every problem reported by Validate.
var ErrIncompatible = errors.New("incompatible configuration")

// Config holds all simulation configuration parameters.
type Config struct {
	Simulation   SimulationConfig   `yaml:"simulation"`
	Kernel       KernelConfig       `yaml:"kernel"`
	Neighborhood NeighborhoodConfig `yaml:"neighborhood"`
	SESPH        SESPHConfig        `yaml:"sesph"`
	IISPH        IISPHConfig        `yaml:"iisph"`
	Timestep     TimestepConfig     `yaml:"timestep"`
	Parallel     ParallelConfig     `yaml:"parallel"`
	Scenario     ScenarioConfig     `yaml:"scenario"`
	Entities     EntitiesConfig     `yaml:"entities"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// SimulationConfig holds the physical parameters and component choices.
type SimulationConfig struct {
	ParticleSize float64 `yaml:"particle_size"` // lattice spacing of the fluid
	RestDensity  float64 `yaml:"rest_density"`
	Gravity      float64 `yaml:"gravity"`      // acts along -y
	Solver       string  `yaml:"solver"`       // sesph | iisph
	Neighborhood string  `yaml:"neighborhood"` // quadratic | compact_hash
	Kernel       string  `yaml:"kernel"`       // cubic_spline | tabulated
	Timestep     string  `yaml:"timestep"`     // constant | cfl
}

// KernelConfig holds kernel parameters.
type KernelConfig struct {
	SupportFactor   float64 `yaml:"support_factor"`   // support = factor * particle size
	TableResolution int     `yaml:"table_resolution"` // table samples for tabulated kernels
}

// NeighborhoodConfig holds neighbor search and particle sorting parameters.
type NeighborhoodConfig struct {
	MaxNeighbors int    `yaml:"max_neighbors"`
	SectionSize  int    `yaml:"section_size"`
	SortEvery    int    `yaml:"sort_every"` // steps between Z-order sorts, 0 disables
	Sorter       string `yaml:"sorter"`     // insertion | merge | quick | parallel_quick
	MinPartition int    `yaml:"min_partition"`
}

// SESPHConfig holds state-equation solver parameters.
type SESPHConfig struct {
	Stiffness float64 `yaml:"stiffness"`
	Viscosity float64 `yaml:"viscosity"`
}

// IISPHConfig holds implicit incompressible solver parameters.
type IISPHConfig struct {
	MaxDensityError float64 `yaml:"max_density_error"`
	MinIterations   int     `yaml:"min_iterations"`
	MaxIterations   int     `yaml:"max_iterations"`
	Omega           float64 `yaml:"omega"` // relaxed Jacobi factor
	Gamma           float64 `yaml:"gamma"` // boundary pressure mirroring
	Viscosity       float64 `yaml:"viscosity"`
}

// TimestepConfig holds timestep generator parameters.
type TimestepConfig struct {
	Constant float64   `yaml:"constant"`
	CFL      CFLConfig `yaml:"cfl"`
}

// CFLConfig holds adaptive timestep parameters.
type CFLConfig struct {
	MinTimestep float64 `yaml:"min_timestep"`
	MaxTimestep float64 `yaml:"max_timestep"`
	LambdaV     float64 `yaml:"lambda_v"`
	LambdaA     float64 `yaml:"lambda_a"`
}

// ParallelConfig holds worker pool parameters.
type ParallelConfig struct {
	Workers   int `yaml:"workers"` // 0 = GOMAXPROCS, 1 = sequential
	MinChunk  int `yaml:"min_chunk"`
	Threshold int `yaml:"threshold"` // below this many items loops run inline
}

// ScenarioConfig describes the initial particle layout.
type ScenarioConfig struct {
	Width       float64     `yaml:"width"`  // inner box width
	Height      float64     `yaml:"height"` // inner box height
	WallLayers  int         `yaml:"wall_layers"`
	BoundaryTag uint32      `yaml:"boundary_tag"` // fluid particles are tagged 0
	Fluid       BlockConfig `yaml:"fluid"`
}

// BlockConfig is an axis-aligned rectangle inside the box.
type BlockConfig struct {
	X      float64 `yaml:"x"`
	Y      float64 `yaml:"y"`
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// EntitiesConfig lists the simulation entities to create.
type EntitiesConfig struct {
	Boundary          BoundaryConfig           `yaml:"boundary"`
	Spawners          []SpawnerConfig          `yaml:"spawners"`
	VelocityOverrides []VelocityOverrideConfig `yaml:"velocity_overrides"`
}

// BoundaryConfig controls boundary mass preprocessing.
type BoundaryConfig struct {
	Enabled bool `yaml:"enabled"`
	Once    bool `yaml:"once"`
}

// SpawnerConfig describes a particle spawner.
type SpawnerConfig struct {
	Name            string  `yaml:"name"`
	ExecutionPoint  string  `yaml:"execution_point"` // before_solver | after_solver | before_and_after_solver
	X               float64 `yaml:"x"`
	Y               float64 `yaml:"y"`
	DirX            float64 `yaml:"dir_x"`
	DirY            float64 `yaml:"dir_y"`
	Width           float64 `yaml:"width"`
	InitialVelocity float64 `yaml:"initial_velocity"`
	Mass            float64 `yaml:"mass"`         // 0 = rest density * particle size^2
	RestDensity     float64 `yaml:"rest_density"` // 0 = simulation rest density
	Tag             uint32  `yaml:"tag"`
}

// VelocityOverrideConfig forces the velocity of tagged particles.
type VelocityOverrideConfig struct {
	Name string  `yaml:"name"`
	Tag  uint32  `yaml:"tag"`
	VelX float64 `yaml:"vel_x"`
	VelY float64 `yaml:"vel_y"`
}

// TelemetryConfig holds stats and performance logging parameters.
type TelemetryConfig struct {
	StatsWindow   int `yaml:"stats_window"`   // steps per stats window
	PerfWindow    int `yaml:"perf_window"`    // steps averaged by the perf collector
	SnapshotEvery int `yaml:"snapshot_every"` // steps between particle snapshots, 0 disables
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	Support      float64 // kernel support radius
	CellSize     float64 // neighbor grid cell size and Z-order cell size
	ParticleMass float64 // rest density * particle size^2
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.computeDerived()
	return cfg, nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	ps := c.Simulation.ParticleSize
	c.Derived.Support = c.Kernel.SupportFactor * ps
	c.Derived.CellSize = c.Derived.Support
	c.Derived.ParticleMass = c.Simulation.RestDensity * ps * ps
}

// Validate reports every incompatible setting, joined into one error.
// Each problem wraps ErrIncompatible.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrIncompatible}, args...)...))
	}

	sim := c.Simulation
	if sim.ParticleSize <= 0 {
		bad("simulation.particle_size must be positive, got %v", sim.ParticleSize)
	}
	if sim.RestDensity <= 0 {
		bad("simulation.rest_density must be positive, got %v", sim.RestDensity)
	}
	switch sim.Solver {
	case solver.NameSESPH, solver.NameIISPH:
	default:
		bad("unknown solver %q", sim.Solver)
	}
	switch sim.Neighborhood {
	case neighbors.NameQuadratic, neighbors.NameCompactHash:
	default:
		bad("unknown neighborhood search %q", sim.Neighborhood)
	}
	switch sim.Kernel {
	case kernel.NameCubicSpline:
	case kernel.NameTabulated:
		if c.Kernel.TableResolution < 2 {
			bad("kernel.table_resolution must be at least 2, got %d", c.Kernel.TableResolution)
		}
	default:
		bad("unknown kernel %q", sim.Kernel)
	}
	switch sim.Timestep {
	case timestep.NameConstant:
		if c.Timestep.Constant <= 0 {
			bad("timestep.constant must be positive, got %v", c.Timestep.Constant)
		}
	case timestep.NameCFL:
		if err := c.CFL().Validate(); err != nil {
			bad("timestep.cfl: %v", err)
		}
	default:
		bad("unknown timestep %q", sim.Timestep)
	}

	if c.Kernel.SupportFactor <= 0 {
		bad("kernel.support_factor must be positive, got %v", c.Kernel.SupportFactor)
	}
	if c.Neighborhood.SortEvery > 0 && particles.NewSorter(c.Neighborhood.Sorter, c.Neighborhood.MinPartition) == nil {
		bad("unknown sorter %q", c.Neighborhood.Sorter)
	}
	if sim.Neighborhood == neighbors.NameCompactHash {
		if c.Neighborhood.MaxNeighbors <= 0 {
			bad("neighborhood.max_neighbors must be positive, got %d", c.Neighborhood.MaxNeighbors)
		}
		if c.Neighborhood.SectionSize < 2 {
			bad("neighborhood.section_size must be at least 2, got %d", c.Neighborhood.SectionSize)
		}
	}

	sc := c.Scenario
	if sc.Width <= 0 || sc.Height <= 0 {
		bad("scenario box must have positive size, got %vx%v", sc.Width, sc.Height)
	}
	if sc.WallLayers < 0 {
		bad("scenario.wall_layers must not be negative, got %d", sc.WallLayers)
	}
	f := sc.Fluid
	if f.X < 0 || f.Y < 0 || f.X+f.Width > sc.Width || f.Y+f.Height > sc.Height {
		bad("scenario fluid block %+v lies outside the box", f)
	}

	for _, s := range c.Entities.Spawners {
		if _, ok := components.ParseExecutionPoint(s.ExecutionPoint); !ok {
			bad("spawner %q: unknown execution point %q", s.Name, s.ExecutionPoint)
		}
	}

	if c.Telemetry.StatsWindow < 1 || c.Telemetry.PerfWindow < 1 {
		bad("telemetry windows must be at least 1 step")
	}

	return errors.Join(errs...)
}

// SolverParameters returns the solver parameters.
func (c *Config) SolverParameters() solver.Parameters {
	return solver.Parameters{
		RestDensity:  c.Simulation.RestDensity,
		Gravity:      c.Simulation.Gravity,
		ParticleSize: c.Simulation.ParticleSize,
	}
}

// SESPHSettings returns the SESPH solver settings.
func (c *Config) SESPHSettings() solver.SESPHSettings {
	return solver.SESPHSettings{Stiffness: c.SESPH.Stiffness, Viscosity: c.SESPH.Viscosity}
}

// IISPHSettings returns the IISPH solver settings.
func (c *Config) IISPHSettings() solver.IISPHSettings {
	return solver.IISPHSettings{
		MaxDensityErrorAllowed: c.IISPH.MaxDensityError,
		MinIterations:          c.IISPH.MinIterations,
		MaxIterations:          c.IISPH.MaxIterations,
		Omega:                  c.IISPH.Omega,
		Gamma:                  c.IISPH.Gamma,
		Viscosity:              c.IISPH.Viscosity,
	}
}

// CFL returns the adaptive timestep settings.
func (c *Config) CFL() timestep.CFL {
	return timestep.CFL{
		ParticleSize: c.Simulation.ParticleSize,
		MinTimestep:  c.Timestep.CFL.MinTimestep,
		MaxTimestep:  c.Timestep.CFL.MaxTimestep,
		LambdaV:      c.Timestep.CFL.LambdaV,
		LambdaA:      c.Timestep.CFL.LambdaA,
	}
}

// NeighborOptions returns the neighbor search options.
func (c *Config) NeighborOptions() neighbors.Options {
	return neighbors.Options{
		MaxNeighbors: c.Neighborhood.MaxNeighbors,
		SectionSize:  c.Neighborhood.SectionSize,
	}
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
