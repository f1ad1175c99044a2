package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/sph/particles"
)

// SnapshotVersion is incremented when the format changes.
const SnapshotVersion = 1

// ErrSnapshotVersion is returned when loading a snapshot written by a
// different format version.
var ErrSnapshotVersion = errors.New("unsupported snapshot version")

// ErrInvalidSnapshot is returned when a snapshot holds values the store
// cannot represent.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Snapshot holds the particle state needed to resume a simulation.
type Snapshot struct {
	Version int     `json:"version"`
	Step    int     `json:"step"`
	Time    float64 `json:"time"`

	Particles []ParticleState `json:"particles"`
}

// ParticleState holds one particle's persistent attributes.
type ParticleState struct {
	Tag  uint32         `json:"tag"`
	Type particles.Type `json:"type"`

	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	VelX float64 `json:"vel_x"`
	VelY float64 `json:"vel_y"`

	Mass     float64 `json:"mass"`
	Density  float64 `json:"density"`
	Pressure float64 `json:"pressure"`
}

// CaptureSnapshot copies the persistent attributes of every particle.
func CaptureSnapshot(s *particles.Store, step int, simTime float64) (*Snapshot, error) {
	if err := s.Require(particles.KindMovement, particles.KindData, particles.KindInfo); err != nil {
		return nil, err
	}
	mv := particles.MustColumn[particles.Movement](s)
	data := particles.MustColumn[particles.Data](s)
	info := particles.MustColumn[particles.Info](s)

	snap := &Snapshot{
		Version:   SnapshotVersion,
		Step:      step,
		Time:      simTime,
		Particles: make([]ParticleState, len(info)),
	}
	for i := range info {
		snap.Particles[i] = ParticleState{
			Tag:      info[i].Tag,
			Type:     info[i].Type,
			X:        mv[i].Position.X,
			Y:        mv[i].Position.Y,
			VelX:     mv[i].Velocity.X,
			VelY:     mv[i].Velocity.Y,
			Mass:     data[i].Mass,
			Density:  data[i].Density,
			Pressure: data[i].Pressure,
		}
	}
	return snap, nil
}

// Validate checks every particle type. Types above Dead are rejected.
func (snap *Snapshot) Validate() error {
	for i, p := range snap.Particles {
		if p.Type > particles.Dead {
			return fmt.Errorf("%w: particle %d has type %d", ErrInvalidSnapshot, i, p.Type)
		}
	}
	return nil
}

// Restore replaces the store contents with the snapshot particles.
// Attributes not held in the snapshot are zeroed. The store is left
// untouched when the snapshot is invalid.
func (snap *Snapshot) Restore(s *particles.Store) error {
	if err := s.Require(particles.KindMovement, particles.KindData, particles.KindInfo); err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	s.Clear()
	s.Resize(len(snap.Particles))
	mv := particles.MustColumn[particles.Movement](s)
	data := particles.MustColumn[particles.Data](s)
	info := particles.MustColumn[particles.Info](s)
	for i, p := range snap.Particles {
		info[i] = particles.Info{Tag: p.Tag, Type: p.Type}
		mv[i] = particles.Movement{
			Position: r2.Vec{X: p.X, Y: p.Y},
			Velocity: r2.Vec{X: p.VelX, Y: p.VelY},
		}
		data[i] = particles.Data{Mass: p.Mass, Density: p.Density, Pressure: p.Pressure}
	}
	return nil
}

// SaveSnapshot writes a snapshot to disk.
// Returns the filepath where it was saved.
func SaveSnapshot(snapshot *Snapshot, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("snapshot_%d.json", snapshot.Step))

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	return path, nil
}

// LoadSnapshot reads a snapshot from disk.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snapshot.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotVersion, snapshot.Version)
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}

	return &snapshot, nil
}
