// Package alerts materializes geofence edges and SOS events into
// domain.Alert values, deduplicates near-simultaneous duplicates, and
// keeps a bounded in-memory history ring for recent-alerts queries.
// The ring is fixed-capacity behind a single mutex; every operation on
// it is O(1).
package alerts

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/touristsafety/trackengine/internal/domain"
	"github.com/touristsafety/trackengine/internal/geofence"
)

// DefaultCapacity is the default number of alerts retained in memory.
const DefaultCapacity = 1000

// JitterWindow is the window within which a repeated alert for the same
// (tourist, kind, zone) is treated as a duplicate rather than a new
// event, absorbing GPS jitter at a zone boundary.
const JitterWindow = 2 * time.Second

// dedupKey identifies a repeatable alert. The per-tourist edge sequence
// is deliberately not part of the key: two crossings of the same
// boundary within the jitter window carry different sequences but are
// still the same event to an operator.
type dedupKey struct {
	touristID string
	kind      domain.AlertKind
	zoneID    string
}

// Ring is a fixed-capacity circular buffer of alerts plus the
// bookkeeping needed for idempotent generation.
type Ring struct {
	mu       sync.Mutex
	buf      []domain.Alert
	capacity int
	head     int // next write index
	size     int

	edgeSeq  map[string]uint64 // touristID -> monotonic edge counter
	lastSeen map[dedupKey]time.Time
}

// New builds a Ring with the given capacity. A capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		buf:      make([]domain.Alert, capacity),
		capacity: capacity,
		edgeSeq:  make(map[string]uint64),
		lastSeen: make(map[dedupKey]time.Time),
	}
}

func (r *Ring) push(a domain.Alert) {
	r.buf[r.head] = a
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// Recent returns up to n most recent alerts, newest first. n <= 0
// returns everything currently retained.
func (r *Ring) Recent(n int) []domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]domain.Alert, 0, n)
	idx := (r.head - 1 + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		out = append(out, r.buf[idx])
		idx = (idx - 1 + r.capacity) % r.capacity
	}
	return out
}

// FromEdges converts geofence edges observed for a tourist's fix into
// alerts, applying the engine's firing rules:
//   - EdgeEnter on a restricted zone -> geofence_breach
//   - EdgeExit on a safe zone, when the tourist has no remaining safe
//     zone membership, -> safe_zone_exit (leaving one safe zone for
//     another does not itself warrant an alert)
//   - EdgeEnter on a safe zone, or EdgeExit on a restricted zone, is not
//     independently alerted: the risk transition in the opposite
//     direction already covers it.
func (r *Ring) FromEdges(touristID, touristName string, point domain.Point, edges []geofence.Edge, remainingSafeMembership int) []domain.Alert {
	var out []domain.Alert
	for _, e := range edges {
		var kind domain.AlertKind
		switch {
		case e.Kind == geofence.EdgeEnter && e.Zone.Variant == domain.ZoneRestricted:
			kind = domain.AlertGeofenceBreach
		case e.Kind == geofence.EdgeExit && e.Zone.Variant == domain.ZoneSafe && remainingSafeMembership == 0:
			kind = domain.AlertSafeZoneExit
		default:
			continue
		}
		a := r.generate(kind, touristID, touristName, point, e.Zone)
		if a != nil {
			out = append(out, *a)
		}
	}
	return out
}

// TriggerSOS generates an sos_triggered alert for touristID. SOS alerts
// are not deduplicated by edge sequence — every distinct trigger is a
// new, real event.
func (r *Ring) TriggerSOS(touristID, touristName string, point domain.Point) domain.Alert {
	return r.force(domain.AlertSOSTriggered, touristID, touristName, point, domain.Zone{})
}

// ResolveSOS generates an sos_resolved alert for touristID.
func (r *Ring) ResolveSOS(touristID, touristName string, point domain.Point) domain.Alert {
	return r.force(domain.AlertSOSResolved, touristID, touristName, point, domain.Zone{})
}

func (r *Ring) generate(kind domain.AlertKind, touristID, touristName string, point domain.Point, zone domain.Zone) *domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.edgeSeq[touristID] + 1
	r.edgeSeq[touristID] = seq

	key := dedupKey{touristID: touristID, kind: kind, zoneID: zone.ID}
	now := time.Now()
	if last, ok := r.lastSeen[key]; ok && now.Sub(last) < JitterWindow {
		return nil
	}
	r.lastSeen[key] = now

	severity := zone.Severity
	if kind == domain.AlertSafeZoneExit {
		severity = domain.SeverityMedium
	}
	a := domain.Alert{
		ID:              uuid.NewString(),
		Kind:            kind,
		TouristID:       touristID,
		TouristName:     touristName,
		Position:        point,
		ZoneID:          zone.ID,
		ZoneName:        zone.Name,
		Severity:        severity,
		Description:     description(kind, zone),
		ServerTimestamp: now,
	}.WithEdgeSequence(seq)
	r.push(a)
	return &a
}

func (r *Ring) force(kind domain.AlertKind, touristID, touristName string, point domain.Point, zone domain.Zone) domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.edgeSeq[touristID] + 1
	r.edgeSeq[touristID] = seq

	a := domain.Alert{
		ID:              uuid.NewString(),
		Kind:            kind,
		TouristID:       touristID,
		TouristName:     touristName,
		Position:        point,
		Severity:        domain.SeverityHigh,
		Description:     description(kind, zone),
		ServerTimestamp: time.Now(),
	}.WithEdgeSequence(seq)
	r.push(a)
	return a
}

func description(kind domain.AlertKind, zone domain.Zone) string {
	switch kind {
	case domain.AlertGeofenceBreach:
		return "entered restricted zone " + zone.Name
	case domain.AlertSafeZoneExit:
		return "left all known safe zones, last: " + zone.Name
	case domain.AlertSOSTriggered:
		return "SOS triggered"
	case domain.AlertSOSResolved:
		return "SOS resolved"
	default:
		return ""
	}
}
