// Package components defines the ECS components of simulation entities.
//
// Entities are the objects that act on the particle store around the
// solver step: particle spawners, velocity overrides for tagged particles
// and the boundary mass preprocessor. Each entity carries a Name and a
// Schedule plus the component describing what it does.
package components

import "gonum.org/v1/gonum/spatial/r2"

// ExecutionPoint selects when an entity runs relative to the solver.
type ExecutionPoint uint8

const (
	BeforeSolver ExecutionPoint = iota
	AfterSolver
	BeforeAndAfterSolver
)

func (p ExecutionPoint) String() string {
	switch p {
	case BeforeSolver:
		return "before_solver"
	case AfterSolver:
		return "after_solver"
	case BeforeAndAfterSolver:
		return "before_and_after_solver"
	}
	return "unknown"
}

// Runs reports whether an entity scheduled at p executes in the given
// half of the step.
func (p ExecutionPoint) Runs(beforeSolver bool) bool {
	switch p {
	case BeforeSolver:
		return beforeSolver
	case AfterSolver:
		return !beforeSolver
	}
	return true
}

// ParseExecutionPoint is the inverse of ExecutionPoint.String.
// The empty string selects BeforeSolver.
func ParseExecutionPoint(s string) (ExecutionPoint, bool) {
	switch s {
	case "", "before_solver":
		return BeforeSolver, true
	case "after_solver":
		return AfterSolver, true
	case "before_and_after_solver":
		return BeforeAndAfterSolver, true
	}
	return BeforeSolver, false
}

// Name identifies an entity in logs and reports.
type Name struct {
	Value string
}

// Schedule holds the execution point of an entity.
type Schedule struct {
	Point ExecutionPoint
}

// Spawner emits a row of fluid particles across Width, perpendicular to
// Direction, once the previously emitted row has moved one particle size.
type Spawner struct {
	Position        r2.Vec
	Direction       r2.Vec
	Width           float64
	InitialVelocity float64 // speed along Direction
	Mass            float64
	RestDensity     float64
	Tag             uint32 // written to Info.Tag of spawned particles
}

// SpawnerState is the mutable part of a spawner.
type SpawnerState struct {
	TimeLeftOver float64
	Spawned      int
}

// VelocityOverride forces the velocity of every particle carrying Tag.
type VelocityOverride struct {
	Tag      uint32
	Velocity r2.Vec
}

// BoundaryPreprocessor corrects boundary particle masses from their local
// boundary sampling density.
type BoundaryPreprocessor struct {
	// Once stops the preprocessor after its first run. Boundaries are
	// static, so repeated runs give the same masses.
	Once bool
}

// BoundaryState is the mutable part of a boundary preprocessor.
type BoundaryState struct {
	Runs      int
	Corrected int // boundary particles updated by the last run
}
