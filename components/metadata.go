package components

import (
	"fmt"
	"log/slog"
)

// FieldDescriptor describes a component field for logs and reports.
type FieldDescriptor struct {
	ID     string // Unique identifier, used as the log key
	Label  string // Display name
	Format string // Printf format (e.g., "%.2f")
}

// SpawnerFieldDescriptors returns metadata for Spawner and SpawnerState fields.
func SpawnerFieldDescriptors() []FieldDescriptor {
	return []FieldDescriptor{
		{ID: "x", Label: "X", Format: "%.3f"},
		{ID: "y", Label: "Y", Format: "%.3f"},
		{ID: "width", Label: "Width", Format: "%.3f"},
		{ID: "speed", Label: "Speed", Format: "%.3f"},
		{ID: "mass", Label: "Mass", Format: "%.4f"},
		{ID: "spawned", Label: "Spawned", Format: "%.0f"},
	}
}

// VelocityOverrideFieldDescriptors returns metadata for VelocityOverride fields.
func VelocityOverrideFieldDescriptors() []FieldDescriptor {
	return []FieldDescriptor{
		{ID: "tag", Label: "Tag", Format: "%.0f"},
		{ID: "vx", Label: "Vx", Format: "%.3f"},
		{ID: "vy", Label: "Vy", Format: "%.3f"},
	}
}

// BoundaryFieldDescriptors returns metadata for BoundaryState fields.
func BoundaryFieldDescriptors() []FieldDescriptor {
	return []FieldDescriptor{
		{ID: "runs", Label: "Runs", Format: "%.0f"},
		{ID: "corrected", Label: "Corrected", Format: "%.0f"},
	}
}

// GetSpawnerValue extracts a spawner field value by ID.
func GetSpawnerValue(s *Spawner, st *SpawnerState, fieldID string) float64 {
	switch fieldID {
	case "x":
		return s.Position.X
	case "y":
		return s.Position.Y
	case "width":
		return s.Width
	case "speed":
		return s.InitialVelocity
	case "mass":
		return s.Mass
	case "spawned":
		return float64(st.Spawned)
	default:
		return 0
	}
}

// GetVelocityOverrideValue extracts a velocity override field value by ID.
func GetVelocityOverrideValue(v *VelocityOverride, fieldID string) float64 {
	switch fieldID {
	case "tag":
		return float64(v.Tag)
	case "vx":
		return v.Velocity.X
	case "vy":
		return v.Velocity.Y
	default:
		return 0
	}
}

// GetBoundaryValue extracts a boundary preprocessor field value by ID.
func GetBoundaryValue(st *BoundaryState, fieldID string) float64 {
	switch fieldID {
	case "runs":
		return float64(st.Runs)
	case "corrected":
		return float64(st.Corrected)
	default:
		return 0
	}
}

// Attrs formats every described field as a string attribute.
func Attrs(fields []FieldDescriptor, value func(id string) float64) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.String(f.ID, fmt.Sprintf(f.Format, value(f.ID))))
	}
	return attrs
}
