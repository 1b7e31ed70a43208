package domain

import "time"

// ZoneVariant distinguishes restricted zones (entering them is the
// dangerous transition) from safe zones (leaving them is the dangerous
// transition).
type ZoneVariant string

const (
	ZoneRestricted ZoneVariant = "restricted"
	ZoneSafe       ZoneVariant = "safe"
)

// Severity mirrors the three-level scale used throughout alerting.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Point is a WGS84 coordinate. The wire boundary fixes [lng, lat]
// order; internally every field is named explicitly so the two axes
// can never be swapped silently.
type Point struct {
	Lat float64
	Lng float64
}

// Polygon is a closed simple ring: Vertices[0] == Vertices[len-1], at
// least 4 vertices. Circles are normalized to a Polygon at registration
// time (see geometry.NormalizeCircle) so the rest of the system never
// branches on shape.
type Polygon struct {
	Vertices []Point
}

// Zone is a registered restricted or safe area.
type Zone struct {
	ID          string
	Name        string
	Variant     ZoneVariant
	Geometry    Polygon
	Severity    Severity
	Active      bool
	Description string
	CreatedAt   time.Time

	// Deleted marks a tombstone: the zone no longer participates in
	// containment or listings, but stays in the snapshot so lookups for
	// a tourist's stale membership (the exit edge after a deletion)
	// still resolve its variant and name. Tombstones are dropped by the
	// registry's compaction pass.
	Deleted bool

	// IsCircle and the original center/radius are retained for reporting
	// only; containment always uses Geometry.
	IsCircle     bool
	CircleCenter Point
	CircleRadius float64 // meters
}

// ZonePatch carries the mutable subset of Zone fields: geometry is
// replace-only (delete+create) and never appears here.
type ZonePatch struct {
	Name        *string
	Severity    *Severity
	Active      *bool
	Description *string
}

// ZoneSnapshot is an immutable, versioned view of the zone registry.
// Readers hold a ZoneSnapshot for the duration of one evaluation so that
// a concurrent registry write can never produce a torn read: a write
// publishes a brand new snapshot rather than mutating one in place.
type ZoneSnapshot struct {
	Version uint64
	Zones   []Zone
}

// Lookup returns the zone with the given id, if present and part of
// this snapshot.
func (s ZoneSnapshot) Lookup(id string) (Zone, bool) {
	for _, z := range s.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return Zone{}, false
}

// Variant is the ZoneSnapshot-backed lookup function TouristState.Status
// expects: the variant of a zone id, or ok=false if it left the
// snapshot entirely.
func (s ZoneSnapshot) Variant(id string) (ZoneVariant, bool) {
	z, ok := s.Lookup(id)
	if !ok {
		return "", false
	}
	return z.Variant, true
}
