package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("embedded defaults are invalid: %v", err)
	}
	if cfg.Simulation.Solver != "iisph" {
		t.Errorf("solver = %q, want iisph", cfg.Simulation.Solver)
	}
	if cfg.Derived.Support != 2 {
		t.Errorf("Derived.Support = %v, want 2", cfg.Derived.Support)
	}
	if cfg.Derived.ParticleMass != 1 {
		t.Errorf("Derived.ParticleMass = %v, want 1", cfg.Derived.ParticleMass)
	}
}

func TestLoadMergesUserFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.yaml")
	user := `
simulation:
  particle_size: 0.5
  solver: sesph
iisph:
  omega: 0.3
entities:
  spawners:
    - name: inlet
      execution_point: after_solver
      x: 10
      y: 30
      dir_y: -1
      width: 4
      initial_velocity: 2
`
	if err := os.WriteFile(path, []byte(user), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		name      string
		got, want any
	}{
		{"particle_size", cfg.Simulation.ParticleSize, 0.5},
		{"solver", cfg.Simulation.Solver, "sesph"},
		{"omega", cfg.IISPH.Omega, 0.3},
		{"untouched gamma", cfg.IISPH.Gamma, 0.7},
		{"untouched rest density", cfg.Simulation.RestDensity, 1.0},
		{"derived support", cfg.Derived.Support, 1.0},
		{"derived mass", cfg.Derived.ParticleMass, 0.25},
		{"spawners", len(cfg.Entities.Spawners), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}

	if got := cfg.IISPHSettings().Omega; got != 0.3 {
		t.Errorf("IISPHSettings().Omega = %v, want 0.3", got)
	}
	if got := cfg.CFL().ParticleSize; got != 0.5 {
		t.Errorf("CFL().ParticleSize = %v, want 0.5", got)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("simulation: [1, 2"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load of malformed YAML succeeded")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Simulation.Solver = "pcisph"
	cfg.Simulation.ParticleSize = 0
	cfg.Simulation.Kernel = "tabulated"
	cfg.Kernel.TableResolution = 1
	cfg.Scenario.Fluid.Width = 1000
	cfg.Entities.Spawners = []SpawnerConfig{{Name: "s", ExecutionPoint: "sometimes"}}

	err = cfg.Validate()
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("Validate() = %v, want ErrIncompatible", err)
	}
	msg := err.Error()
	for _, want := range []string{"pcisph", "particle_size", "table_resolution", "fluid block", "sometimes"} {
		if !strings.Contains(msg, want) {
			t.Errorf("report does not mention %q:\n%s", want, msg)
		}
	}
}

func TestValidateTimestep(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero constant", func(c *Config) { c.Simulation.Timestep = "constant"; c.Timestep.Constant = 0 }},
		{"cfl min above max", func(c *Config) { c.Timestep.CFL.MinTimestep = 1 }},
		{"cfl lambda", func(c *Config) { c.Timestep.CFL.LambdaV = 2 }},
		{"unknown", func(c *Config) { c.Simulation.Timestep = "adaptive" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrIncompatible) {
				t.Errorf("Validate() = %v, want ErrIncompatible", err)
			}
		})
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.SESPH.Stiffness = 1234
	cfg.Entities.VelocityOverrides = []VelocityOverrideConfig{{Name: "lid", Tag: 9, VelX: 1}}

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := cfg.WriteYAML(path); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.SESPH.Stiffness != 1234 {
		t.Errorf("stiffness = %v, want 1234", loaded.SESPH.Stiffness)
	}
	if len(loaded.Entities.VelocityOverrides) != 1 || loaded.Entities.VelocityOverrides[0].Tag != 9 {
		t.Errorf("velocity overrides = %+v", loaded.Entities.VelocityOverrides)
	}
	if loaded.Derived != cfg.Derived {
		t.Errorf("Derived = %+v, want %+v", loaded.Derived, cfg.Derived)
	}
}

func TestCfgBeforeInit(t *testing.T) {
	saved := global
	t.Cleanup(func() { global = saved })

	global = nil
	defer func() {
		if recover() == nil {
			t.Error("Cfg() before Init did not panic")
		}
	}()
	Cfg()
}

func TestInit(t *testing.T) {
	saved := global
	t.Cleanup(func() { global = saved })

	if err := Init(""); err != nil {
		t.Fatal(err)
	}
	if Cfg().Simulation.RestDensity != 1 {
		t.Errorf("Cfg().Simulation.RestDensity = %v, want 1", Cfg().Simulation.RestDensity)
	}
}
