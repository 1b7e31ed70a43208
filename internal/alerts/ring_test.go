package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touristsafety/trackengine/internal/domain"
	"github.com/touristsafety/trackengine/internal/geofence"
)

func TestFromEdges_RestrictedEnterFiresGeofenceBreach(t *testing.T) {
	r := New(10)
	edges := []geofence.Edge{{Kind: geofence.EdgeEnter, Zone: domain.Zone{ID: "z1", Name: "Old Town", Variant: domain.ZoneRestricted}}}

	out := r.FromEdges("t1", "Alex", domain.Point{Lat: 1, Lng: 1}, edges, 0)
	require.Len(t, out, 1)
	assert.Equal(t, domain.AlertGeofenceBreach, out[0].Kind)
}

func TestFromEdges_SafeExitWithRemainingMembershipDoesNotFire(t *testing.T) {
	r := New(10)
	edges := []geofence.Edge{{Kind: geofence.EdgeExit, Zone: domain.Zone{ID: "z1", Name: "Hotel Zone", Variant: domain.ZoneSafe}}}

	out := r.FromEdges("t1", "Alex", domain.Point{Lat: 1, Lng: 1}, edges, 1)
	assert.Empty(t, out, "still inside another safe zone, no alert")
}

func TestFromEdges_SafeExitWithNoRemainingMembershipFires(t *testing.T) {
	r := New(10)
	edges := []geofence.Edge{{Kind: geofence.EdgeExit, Zone: domain.Zone{ID: "z1", Name: "Hotel Zone", Variant: domain.ZoneSafe}}}

	out := r.FromEdges("t1", "Alex", domain.Point{Lat: 1, Lng: 1}, edges, 0)
	require.Len(t, out, 1)
	assert.Equal(t, domain.AlertSafeZoneExit, out[0].Kind)
}

func TestFromEdges_RestrictedExitAndSafeEnterAreSilent(t *testing.T) {
	r := New(10)
	edges := []geofence.Edge{
		{Kind: geofence.EdgeExit, Zone: domain.Zone{ID: "r1", Variant: domain.ZoneRestricted}},
		{Kind: geofence.EdgeEnter, Zone: domain.Zone{ID: "s1", Variant: domain.ZoneSafe}},
	}
	out := r.FromEdges("t1", "Alex", domain.Point{}, edges, 1)
	assert.Empty(t, out)
}

func TestGenerate_DedupesWithinJitterWindow(t *testing.T) {
	r := New(10)
	zone := domain.Zone{ID: "z1", Variant: domain.ZoneRestricted}
	edges := []geofence.Edge{{Kind: geofence.EdgeEnter, Zone: zone}}

	first := r.FromEdges("t1", "Alex", domain.Point{}, edges, 0)
	require.Len(t, first, 1)

	// Re-evaluating the identical edge (e.g. a duplicate fix delivery)
	// within the jitter window should not produce a second alert.
	second := r.FromEdges("t1", "Alex", domain.Point{}, edges, 0)
	assert.Empty(t, second)
}

func TestGenerate_DistinctZoneIsNotDeduped(t *testing.T) {
	r := New(10)
	zone := domain.Zone{ID: "z1", Variant: domain.ZoneRestricted}

	first := r.FromEdges("t1", "Alex", domain.Point{}, []geofence.Edge{{Kind: geofence.EdgeEnter, Zone: zone}}, 0)
	require.Len(t, first, 1)

	// A different zone produces a distinct dedup key even with the same
	// tourist and kind.
	zone2 := domain.Zone{ID: "z2", Variant: domain.ZoneRestricted}
	second := r.FromEdges("t1", "Alex", domain.Point{}, []geofence.Edge{{Kind: geofence.EdgeEnter, Zone: zone2}}, 0)
	require.Len(t, second, 1)
}

func TestTriggerAndResolveSOS_AreNeverDeduped(t *testing.T) {
	r := New(10)
	a := r.TriggerSOS("t1", "Alex", domain.Point{Lat: 1, Lng: 1})
	assert.Equal(t, domain.AlertSOSTriggered, a.Kind)

	b := r.ResolveSOS("t1", "Alex", domain.Point{Lat: 1, Lng: 1})
	assert.Equal(t, domain.AlertSOSResolved, b.Kind)
}

func TestRecent_ReturnsNewestFirstAndRespectsCapacity(t *testing.T) {
	r := New(2)
	zone := domain.Zone{ID: "z1", Variant: domain.ZoneRestricted}
	for i := 0; i < 3; i++ {
		r.FromEdges("t1", "Alex", domain.Point{}, []geofence.Edge{{Kind: geofence.EdgeEnter, Zone: domain.Zone{ID: zone.ID, Variant: domain.ZoneRestricted}}}, 0)
		// distinct zone ids avoid dedup so each call yields a new alert
		zone.ID = zone.ID + "x"
		time.Sleep(time.Millisecond)
	}
	recent := r.Recent(0)
	require.Len(t, recent, 2, "capacity caps retained history")
	assert.Equal(t, "z1xx", recent[0].ZoneID, "newest first")
	assert.Equal(t, "z1x", recent[1].ZoneID)
}
