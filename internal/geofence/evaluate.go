// Package geofence evaluates a tourist's position against a zone
// snapshot and diffs the resulting membership set against the
// previously known one to produce enter/exit edges. It holds no state
// of its own; every call is a pure function of its inputs, which keeps
// the edge semantics independently testable from the ingest pipeline
// and the tourist store.
package geofence

import (
	"github.com/touristsafety/trackengine/internal/domain"
	"github.com/touristsafety/trackengine/internal/geometry"
)

// EdgeKind distinguishes a zone-membership transition from the steady
// states either side of it.
type EdgeKind string

const (
	EdgeEnter EdgeKind = "enter"
	EdgeExit  EdgeKind = "exit"
)

// Edge is one membership transition detected between two evaluations.
type Edge struct {
	Kind EdgeKind
	Zone domain.Zone
}

// Evaluate computes the new membership set for point against snapshot,
// and the edges between oldMembership and the new set.
//
// Edge semantics: a zone that entered the snapshot between
// the previous fix and this one (i.e. is new to the tourist's known
// zone universe) and already contains the point fires an Enter edge on
// this fix rather than being silently absorbed into the steady state.
// A deleted or deactivated zone stops contributing membership, so the
// exit is observed on the tourist's next fix through the normal diff;
// deletion tombstones stay in the snapshot until compaction, so the
// Exit edge still carries the zone's variant and name.
func Evaluate(snapshot domain.ZoneSnapshot, point domain.Point, oldMembership map[string]struct{}) (newMembership map[string]struct{}, edges []Edge) {
	newMembership = make(map[string]struct{})

	for _, z := range snapshot.Zones {
		if !z.Active {
			continue
		}
		if geometry.Contains(z.Geometry, point) {
			newMembership[z.ID] = struct{}{}
		}
	}

	for id := range newMembership {
		if _, wasMember := oldMembership[id]; !wasMember {
			z, ok := snapshot.Lookup(id)
			if !ok {
				continue
			}
			edges = append(edges, Edge{Kind: EdgeEnter, Zone: z})
		}
	}
	for id := range oldMembership {
		if _, stillMember := newMembership[id]; !stillMember {
			z, ok := snapshot.Lookup(id)
			if !ok {
				// The zone left the snapshot entirely (its tombstone
				// was compacted away between fixes); that still counts
				// as an exit edge, though the variant is lost.
				edges = append(edges, Edge{Kind: EdgeExit, Zone: domain.Zone{ID: id}})
				continue
			}
			edges = append(edges, Edge{Kind: EdgeExit, Zone: z})
		}
	}
	return newMembership, edges
}
