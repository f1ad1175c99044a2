// Package particles provides columnar particle storage for the SPH solvers.
//
// A Store holds one slice per registered attribute kind. All slices always
// have the same length, and a particle is addressed by its dense index into
// them. Indices are not stable across Add, Resize or sorting; use Info.Tag
// when a stable identity is required.
package particles

import "gonum.org/v1/gonum/spatial/r2"

// Type classifies how a particle takes part in the simulation.
type Type uint8

const (
	Normal   Type = iota // fluid particle, fully simulated
	Boundary             // static wall particle, contributes density and pressure only
	Dead                 // occupies a slot but is ignored everywhere
)

func (t Type) String() string {
	switch t {
	case Normal:
		return "normal"
	case Boundary:
		return "boundary"
	case Dead:
		return "dead"
	}
	return "unknown"
}

// Kind identifies a registered attribute column.
type Kind uint8

const (
	KindMovement Kind = iota
	KindData
	KindInfo
	KindExternalForces
	KindIISPH
	KindSortInfo

	numKinds
)

// AllKinds lists every attribute kind in registration order.
var AllKinds = []Kind{KindMovement, KindData, KindInfo, KindExternalForces, KindIISPH, KindSortInfo}

func (k Kind) String() string {
	switch k {
	case KindMovement:
		return "Movement"
	case KindData:
		return "Data"
	case KindInfo:
		return "Info"
	case KindExternalForces:
		return "ExternalForces"
	case KindIISPH:
		return "IISPHData"
	case KindSortInfo:
		return "SortInfo"
	}
	return "Unknown"
}

// Movement holds kinematic state.
type Movement struct {
	Position     r2.Vec
	Velocity     r2.Vec
	Acceleration r2.Vec
}

// Data holds the scalar fluid quantities.
type Data struct {
	Mass     float64
	Density  float64
	Pressure float64
}

// Info carries identity and classification.
type Info struct {
	Tag  uint32
	Type Type
}

// ExternalForces accumulates non-pressure accelerations between steps.
// Solvers consume and reset it every step.
type ExternalForces struct {
	NonPressureAcceleration r2.Vec
}

// IISPHData is scratch state owned by the IISPH solver.
type IISPHData struct {
	PredictedVelocity r2.Vec
	SourceTerm        float64
	DiagonalElement   float64
}

// SortInfo holds a precomputed ordering key.
type SortInfo struct {
	Key uint64
}

// Attribute is the closed set of attribute types a Store can hold.
type Attribute interface {
	Movement | Data | Info | ExternalForces | IISPHData | SortInfo
}
