package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/touristsafety/trackengine/internal/domain"
)

func square() domain.Polygon {
	return domain.Polygon{Vertices: []domain.Point{
		{Lat: 0, Lng: 0},
		{Lat: 0, Lng: 10},
		{Lat: 10, Lng: 10},
		{Lat: 10, Lng: 0},
		{Lat: 0, Lng: 0},
	}}
}

func TestContains_InsideOutsideEdge(t *testing.T) {
	s := square()

	assert.True(t, Contains(s, domain.Point{Lat: 5, Lng: 5}), "center should be inside")
	assert.False(t, Contains(s, domain.Point{Lat: 20, Lng: 20}), "far outside")

	// Edge-inclusive: a point exactly on the boundary counts as inside.
	assert.True(t, Contains(s, domain.Point{Lat: 0, Lng: 5}), "boundary point should be inside")
	assert.True(t, Contains(s, domain.Point{Lat: 5, Lng: 0}), "boundary point should be inside")
}

func TestContains_TooFewVerticesIsNeverInside(t *testing.T) {
	tooSmall := domain.Polygon{Vertices: []domain.Point{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}}}
	assert.False(t, Contains(tooSmall, domain.Point{Lat: 0, Lng: 0.5}))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(square()))

	notClosed := domain.Polygon{Vertices: []domain.Point{
		{Lat: 0, Lng: 0}, {Lat: 0, Lng: 10}, {Lat: 10, Lng: 10}, {Lat: 10, Lng: 0},
	}}
	assert.False(t, Valid(notClosed), "first and last vertex must coincide")

	tooFew := domain.Polygon{Vertices: []domain.Point{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0}}}
	assert.False(t, Valid(tooFew))

	bowtie := domain.Polygon{Vertices: []domain.Point{
		{Lat: 0, Lng: 0}, {Lat: 10, Lng: 10}, {Lat: 0, Lng: 10}, {Lat: 10, Lng: 0}, {Lat: 0, Lng: 0},
	}}
	assert.False(t, Valid(bowtie), "self-intersecting ring is invalid")
}

func TestDistance_KnownPoints(t *testing.T) {
	// Roughly the distance from London to Paris, ~343km.
	london := domain.Point{Lat: 51.5074, Lng: -0.1278}
	paris := domain.Point{Lat: 48.8566, Lng: 2.3522}

	d := Distance(london, paris)
	assert.InDelta(t, 343000, d, 10000)
}

func TestDistance_SamePoint(t *testing.T) {
	p := domain.Point{Lat: 12.34, Lng: 56.78}
	assert.InDelta(t, 0, Distance(p, p), 1e-6)
}

func TestBearing_Cardinal(t *testing.T) {
	origin := domain.Point{Lat: 0, Lng: 0}
	north := domain.Point{Lat: 1, Lng: 0}
	east := domain.Point{Lat: 0, Lng: 1}

	assert.InDelta(t, 0, Bearing(origin, north), 0.5)
	assert.InDelta(t, 90, Bearing(origin, east), 0.5)
}

func TestNormalizeCircle_ContainsCenterAndApproximatesRadius(t *testing.T) {
	center := domain.Point{Lat: 10, Lng: 10}
	radius := 500.0 // meters

	poly := NormalizeCircle(center, radius, DefaultCircleVertices)
	assert.True(t, Valid(poly))
	assert.True(t, Contains(poly, center))

	// every vertex should be within a small tolerance of the requested radius
	for _, v := range poly.Vertices[:len(poly.Vertices)-1] {
		d := Distance(center, v)
		assert.InDelta(t, radius, d, radius*0.02)
	}
}

func TestNormalizeCircle_DefaultsVertexCountWhenTooFew(t *testing.T) {
	poly := NormalizeCircle(domain.Point{Lat: 0, Lng: 0}, 100, 2)
	assert.Equal(t, DefaultCircleVertices+1, len(poly.Vertices))
}
