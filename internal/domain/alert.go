package domain

import "time"

// AlertKind enumerates every event the alert engine can materialize.
type AlertKind string

const (
	AlertGeofenceBreach AlertKind = "geofence_breach"
	AlertSafeZoneExit   AlertKind = "safe_zone_exit"
	AlertSOSTriggered   AlertKind = "sos_triggered"
	AlertSOSResolved    AlertKind = "sos_resolved"
)

// Alert is a materialized, fan-out-ready event.
type Alert struct {
	ID              string    `json:"id"`
	Kind            AlertKind `json:"kind"`
	TouristID       string    `json:"touristId"`
	TouristName     string    `json:"touristName"`
	Position        Point     `json:"position"`
	ZoneID          string    `json:"zoneId,omitempty"`
	ZoneName        string    `json:"zoneName,omitempty"`
	Severity        Severity  `json:"severity"`
	Description     string    `json:"description"`
	ServerTimestamp time.Time `json:"serverTimestamp"`

	// edgeSequence is the monotonic per-tourist counter stamped on every
	// alert generated for that tourist. It is not serialized to JSON; it is bookkeeping
	// for duplicate suppression.
	edgeSequence uint64
}

// EdgeSequence exposes the bookkeeping counter for tests and storage rows
// that want to record it.
func (a Alert) EdgeSequence() uint64 { return a.edgeSequence }

// WithEdgeSequence returns a copy of a stamped with seq, used by the alert
// engine when it constructs an alert.
func (a Alert) WithEdgeSequence(seq uint64) Alert {
	a.edgeSequence = seq
	return a
}

// Consent is a per-tourist privacy preference record. Absence is
// treated as no consent.
type Consent struct {
	TouristID        string
	LocationSharing  bool
	RetentionDays    int
	Anonymize        bool
	ConsentGiven     bool
	ConsentTimestamp time.Time
}

// Role distinguishes the two kinds of authenticated principal the engine
// ever sees; everything else (token issuance, session auth) is external.
type Role string

const (
	RoleTourist   Role = "tourist"
	RoleAuthority Role = "authority"
)

// Principal is the opaque identity+role the engine consumes from an
// authenticated session. ImpersonationAllowed lets an authority principal
// submit fixes on behalf of a tourist id; disabled by default.
type Principal struct {
	ID                   string
	Role                 Role
	ImpersonationAllowed bool
}
