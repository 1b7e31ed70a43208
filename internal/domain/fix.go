package domain

import "time"

// WGS84 coordinate bounds. Wide-accuracy fixes are flagged as anomalous
// rather than rejected, see Fix.Anomalous.
const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// Fix is a single accepted position update for a tourist. Fixes are
// immutable once accepted: every field here is set once at ingest time.
type Fix struct {
	TouristID string `json:"touristId"`
	Sequence  uint64 `json:"sequence"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// Accuracy is the reported GPS accuracy in meters; zero means unreported.
	Accuracy float64 `json:"accuracy"`

	// Speed and Heading are derived when the client did not report them.
	Speed   float64 `json:"speed"`
	Heading float64 `json:"heading"`

	ClientTimestamp time.Time `json:"clientTimestamp"`
	IngestTimestamp time.Time `json:"ingestTimestamp"`

	DeviceInfo  string `json:"deviceInfo,omitempty"`
	NetworkInfo string `json:"networkInfo,omitempty"`

	// Derived quality signals, computed during ingest.
	DistanceFromPrevious float64 `json:"distanceFromPreviousMeters"`
	TimeFromPrevious     float64 `json:"timeFromPreviousSeconds"`
	QualityScore         float64 `json:"qualityScore"`
	Anomalous            bool    `json:"anomalous"`
}

// ValidateCoordinates checks latitude/longitude bounds and a non-negative
// accuracy. It does not check timestamps — monotonicity and future-skew
// checks depend on per-tourist state and ingest-time configuration, and
// live in the ingest pipeline instead.
func (f *Fix) ValidateCoordinates() error {
	if f.Latitude < MinLatitude || f.Latitude > MaxLatitude {
		return InvalidInput("latitude out of range")
	}
	if f.Longitude < MinLongitude || f.Longitude > MaxLongitude {
		return InvalidInput("longitude out of range")
	}
	if f.Accuracy < 0 {
		return InvalidInput("accuracy must be non-negative")
	}
	if f.Speed < 0 {
		return InvalidInput("speed must be non-negative")
	}
	return nil
}

// Status is the tourist's derived safety state.
type Status string

const (
	StatusSafe Status = "safe"
	StatusRisk Status = "risk"
	StatusSOS  Status = "sos"
)

// TouristState is the engine's authoritative per-tourist record: the
// latest accepted fix, the zone membership set evaluated against it, and
// the snapshot version that membership set is coherent with.
type TouristState struct {
	TouristID   string
	DisplayName string

	LatestFix Fix
	HasFix    bool

	// Membership is the set of zone ids containing LatestFix, as of
	// SnapshotVersion.
	Membership       map[string]struct{}
	SnapshotVersion  uint64
	LastEvaluatedAt  time.Time

	// SOSActive is pinned by the external SOS subsystem via
	// TriggerSOS/ResolveSOS; it takes priority over zone-derived status.
	SOSActive bool
}

// Status derives the tourist's {safe, risk, sos} status from the current
// membership set and SOS flag.
func (s *TouristState) Status(zoneVariant func(zoneID string) (ZoneVariant, bool)) Status {
	if s.SOSActive {
		return StatusSOS
	}
	for id := range s.Membership {
		if v, ok := zoneVariant(id); ok && v == ZoneRestricted {
			return StatusRisk
		}
	}
	return StatusSafe
}

// CloneMembership returns a defensive copy of the membership set so
// callers cannot mutate the store's internal state.
func (s *TouristState) CloneMembership() map[string]struct{} {
	out := make(map[string]struct{}, len(s.Membership))
	for k := range s.Membership {
		out[k] = struct{}{}
	}
	return out
}
