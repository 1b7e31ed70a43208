package zones

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touristsafety/trackengine/internal/domain"
)

func TestAddCircle_NormalizesAndVersionsSnapshot(t *testing.T) {
	r, err := New(Config{}, nil)
	require.NoError(t, err)
	defer r.Close(context.Background())

	initial := r.Snapshot()
	assert.Equal(t, uint64(0), initial.Version)
	assert.Empty(t, initial.Zones)

	z, err := r.AddCircle("Old Town", domain.ZoneRestricted, domain.Point{Lat: 1, Lng: 1}, 200, domain.SeverityHigh, "high crime area")
	require.NoError(t, err)
	assert.True(t, z.IsCircle)
	assert.NotEmpty(t, z.Geometry.Vertices)

	after := r.Snapshot()
	assert.Equal(t, uint64(1), after.Version)
	assert.Len(t, after.Zones, 1)

	// Readers holding the earlier snapshot must still see the old view.
	assert.Equal(t, uint64(0), initial.Version)
}

func TestAddCircle_RejectsNonPositiveRadius(t *testing.T) {
	r, err := New(Config{}, nil)
	require.NoError(t, err)
	defer r.Close(context.Background())

	_, err = r.AddCircle("x", domain.ZoneSafe, domain.Point{}, 0, domain.SeverityLow, "")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalidGeometry))
}

func TestAddPolygon_RejectsInvalidGeometry(t *testing.T) {
	r, err := New(Config{}, nil)
	require.NoError(t, err)
	defer r.Close(context.Background())

	bad := domain.Polygon{Vertices: []domain.Point{{Lat: 0, Lng: 0}, {Lat: 1, Lng: 1}}}
	_, err = r.AddPolygon("bad", domain.ZoneRestricted, bad, domain.SeverityLow, "")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalidGeometry))
}

func TestPatch_UpdatesFieldsNotGeometry(t *testing.T) {
	r, err := New(Config{}, nil)
	require.NoError(t, err)
	defer r.Close(context.Background())

	z, err := r.AddCircle("Harbor", domain.ZoneSafe, domain.Point{Lat: 2, Lng: 2}, 100, domain.SeverityLow, "")
	require.NoError(t, err)

	newName := "Harbor District"
	inactive := false
	updated, err := r.Patch(z.ID, domain.ZonePatch{Name: &newName, Active: &inactive})
	require.NoError(t, err)
	assert.Equal(t, "Harbor District", updated.Name)
	assert.False(t, updated.Active)
	assert.Equal(t, z.Geometry, updated.Geometry, "geometry is replace-only")
}

func TestPatch_UnknownZoneReturnsNotFound(t *testing.T) {
	r, err := New(Config{}, nil)
	require.NoError(t, err)
	defer r.Close(context.Background())

	_, err = r.Patch("missing", domain.ZonePatch{})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestDelete_TombstonesZoneUntilCompaction(t *testing.T) {
	r, err := New(Config{}, nil)
	require.NoError(t, err)
	defer r.Close(context.Background())

	z, err := r.AddCircle("Pier", domain.ZoneSafe, domain.Point{Lat: 3, Lng: 3}, 150, domain.SeverityMedium, "")
	require.NoError(t, err)

	before := r.Snapshot().Version
	require.NoError(t, r.Delete(z.ID))

	after := r.Snapshot()
	assert.Greater(t, after.Version, before)
	require.Len(t, after.Zones, 1, "tombstone remains in the snapshot")

	got, ok := after.Lookup(z.ID)
	require.True(t, ok, "stale membership lookups still resolve the tombstone")
	assert.True(t, got.Deleted)
	assert.False(t, got.Active)
	assert.Equal(t, domain.ZoneSafe, got.Variant, "tombstone keeps its variant for exit alerts")

	err = r.Delete(z.ID)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNotFound), "deleting a tombstone is NotFound")

	_, err = r.Patch(z.ID, domain.ZonePatch{})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNotFound), "patching a tombstone is NotFound")

	assert.Equal(t, 1, r.Compact())
	assert.Empty(t, r.Snapshot().Zones)
	assert.Equal(t, 0, r.Compact(), "nothing left to compact")
}

func TestRestore_ReloadsPersistedSnapshotOnStartup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.json")

	r1, err := New(Config{PersistPath: path}, nil)
	require.NoError(t, err)
	_, err = r1.AddCircle("Dock", domain.ZoneSafe, domain.Point{Lat: 4, Lng: 4}, 100, domain.SeverityLow, "")
	require.NoError(t, err)
	// give the write-behind persister a chance to flush
	require.Eventually(t, func() bool {
		_, statErr := os.Stat(path)
		return statErr == nil
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, r1.Close(context.Background()))

	r2, err := New(Config{PersistPath: path}, nil)
	require.NoError(t, err)
	defer r2.Close(context.Background())

	snap := r2.Snapshot()
	require.Len(t, snap.Zones, 1)
	assert.Equal(t, "Dock", snap.Zones[0].Name)
}
