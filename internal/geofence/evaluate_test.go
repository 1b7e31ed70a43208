package geofence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/touristsafety/trackengine/internal/domain"
)

func square(id string, variant domain.ZoneVariant) domain.Zone {
	return domain.Zone{
		ID:      id,
		Name:    id,
		Variant: variant,
		Active:  true,
		Geometry: domain.Polygon{Vertices: []domain.Point{
			{Lat: 0, Lng: 0}, {Lat: 0, Lng: 10}, {Lat: 10, Lng: 10}, {Lat: 10, Lng: 0}, {Lat: 0, Lng: 0},
		}},
	}
}

func TestEvaluate_FirstFixInsideZoneFiresEnter(t *testing.T) {
	snap := domain.ZoneSnapshot{Version: 1, Zones: []domain.Zone{square("z1", domain.ZoneRestricted)}}

	membership, edges := Evaluate(snap, domain.Point{Lat: 5, Lng: 5}, map[string]struct{}{})

	assert.Contains(t, membership, "z1")
	assert.Len(t, edges, 1)
	assert.Equal(t, EdgeEnter, edges[0].Kind)
	assert.Equal(t, "z1", edges[0].Zone.ID)
}

func TestEvaluate_LeavingZoneFiresExit(t *testing.T) {
	snap := domain.ZoneSnapshot{Version: 1, Zones: []domain.Zone{square("z1", domain.ZoneSafe)}}

	membership, edges := Evaluate(snap, domain.Point{Lat: 50, Lng: 50}, map[string]struct{}{"z1": {}})

	assert.NotContains(t, membership, "z1")
	assert.Len(t, edges, 1)
	assert.Equal(t, EdgeExit, edges[0].Kind)
}

func TestEvaluate_SteadyStateInsideProducesNoEdges(t *testing.T) {
	snap := domain.ZoneSnapshot{Version: 1, Zones: []domain.Zone{square("z1", domain.ZoneRestricted)}}

	_, edges := Evaluate(snap, domain.Point{Lat: 5, Lng: 5}, map[string]struct{}{"z1": {}})
	assert.Empty(t, edges)
}

func TestEvaluate_ZoneAddedBetweenFixesFiresEnterOnNextFix(t *testing.T) {
	// tourist was already standing at (5,5), old membership empty because
	// the zone didn't exist on the previous evaluation
	snap := domain.ZoneSnapshot{Version: 2, Zones: []domain.Zone{square("new-zone", domain.ZoneRestricted)}}

	membership, edges := Evaluate(snap, domain.Point{Lat: 5, Lng: 5}, map[string]struct{}{})

	assert.Contains(t, membership, "new-zone")
	assert.Len(t, edges, 1)
	assert.Equal(t, EdgeEnter, edges[0].Kind)
}

func TestEvaluate_DeletedZoneTombstoneFiresExitWithVariant(t *testing.T) {
	// zone "z1" was deleted; its tombstone is still in the snapshot, so
	// the exit edge resolves the zone's variant and name
	z := square("z1", domain.ZoneSafe)
	z.Active = false
	z.Deleted = true
	snap := domain.ZoneSnapshot{Version: 3, Zones: []domain.Zone{z}}

	membership, edges := Evaluate(snap, domain.Point{Lat: 5, Lng: 5}, map[string]struct{}{"z1": {}})

	assert.Empty(t, membership)
	assert.Len(t, edges, 1)
	assert.Equal(t, EdgeExit, edges[0].Kind)
	assert.Equal(t, "z1", edges[0].Zone.ID)
	assert.Equal(t, domain.ZoneSafe, edges[0].Zone.Variant)
}

func TestEvaluate_CompactedZoneStillFiresExitOnNextFix(t *testing.T) {
	// the tombstone was compacted away between fixes; the exit edge
	// still fires, but carries only the zone id
	snap := domain.ZoneSnapshot{Version: 4, Zones: nil}

	membership, edges := Evaluate(snap, domain.Point{Lat: 5, Lng: 5}, map[string]struct{}{"z1": {}})

	assert.Empty(t, membership)
	assert.Len(t, edges, 1)
	assert.Equal(t, EdgeExit, edges[0].Kind)
	assert.Equal(t, "z1", edges[0].Zone.ID)
}

func TestEvaluate_InactiveZoneNeverContributesMembership(t *testing.T) {
	z := square("z1", domain.ZoneRestricted)
	z.Active = false
	snap := domain.ZoneSnapshot{Version: 1, Zones: []domain.Zone{z}}

	membership, edges := Evaluate(snap, domain.Point{Lat: 5, Lng: 5}, map[string]struct{}{})
	assert.Empty(t, membership)
	assert.Empty(t, edges)
}

func TestEvaluate_MultipleOverlappingZones(t *testing.T) {
	restricted := square("restricted", domain.ZoneRestricted)
	safe := square("safe", domain.ZoneSafe)
	snap := domain.ZoneSnapshot{Version: 1, Zones: []domain.Zone{restricted, safe}}

	membership, edges := Evaluate(snap, domain.Point{Lat: 5, Lng: 5}, map[string]struct{}{})
	assert.Len(t, membership, 2)
	assert.Len(t, edges, 2)
}
