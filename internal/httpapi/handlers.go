package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/touristsafety/trackengine/internal/domain"
)

// positionBody is the POST /position request.
type positionBody struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Accuracy    float64   `json:"accuracy"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceInfo  string    `json:"deviceInfo"`
	NetworkInfo string    `json:"networkInfo"`
}

func (b positionBody) toFix(touristID string) domain.Fix {
	return domain.Fix{
		TouristID:       touristID,
		Latitude:        b.Lat,
		Longitude:       b.Lon,
		Accuracy:        b.Accuracy,
		ClientTimestamp: b.Timestamp,
		DeviceInfo:      b.DeviceInfo,
		NetworkInfo:     b.NetworkInfo,
	}
}

func (a *API) handlePostPosition(c *gin.Context) {
	var body positionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, domain.InvalidInput("malformed position body"))
		return
	}
	principal := principalFrom(c)
	a.engine.SetDisplayName(principal.ID, displayNameFrom(c))

	if err := a.engine.Ingest(c.Request.Context(), principal, body.toFix(principal.ID)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// batchBody is the POST /position/batch request: a buffered client
// queue flushed after reconnecting.
type batchBody struct {
	Fixes []positionBody `json:"fixes"`
}

func (a *API) handlePostPositionBatch(c *gin.Context) {
	var body batchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, domain.InvalidInput("malformed batch body"))
		return
	}
	principal := principalFrom(c)
	a.engine.SetDisplayName(principal.ID, displayNameFrom(c))

	fixes := make([]domain.Fix, 0, len(body.Fixes))
	for _, b := range body.Fixes {
		fixes = append(fixes, b.toFix(principal.ID))
	}
	accepted, err := a.engine.IngestBatch(c.Request.Context(), principal, fixes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted, "submitted": len(fixes)})
}

func (a *API) handleLivePositions(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.LivePositions())
}

// zoneJSON is the wire representation of a zone. Coordinates are
// [lng,lat] pairs; circles additionally report their original center
// and radius.
type zoneJSON struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Coordinates [][]float64 `json:"coordinates"`
	AlertLevel  string      `json:"alertLevel"`
	Active      bool        `json:"active"`
	Description string      `json:"description,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	Center      []float64   `json:"center,omitempty"`
	Radius      float64     `json:"radius,omitempty"`
}

func toZoneJSON(z domain.Zone) zoneJSON {
	coords := make([][]float64, 0, len(z.Geometry.Vertices))
	for _, v := range z.Geometry.Vertices {
		coords = append(coords, []float64{v.Lng, v.Lat})
	}
	out := zoneJSON{
		ID:          z.ID,
		Name:        z.Name,
		Type:        string(z.Variant),
		Coordinates: coords,
		AlertLevel:  string(z.Severity),
		Active:      z.Active,
		Description: z.Description,
		CreatedAt:   z.CreatedAt,
	}
	if z.IsCircle {
		out.Center = []float64{z.CircleCenter.Lng, z.CircleCenter.Lat}
		out.Radius = z.CircleRadius
	}
	return out
}

func (a *API) handleGetZones(c *gin.Context) {
	snap := a.engine.Zones.Snapshot()
	restricted := make([]zoneJSON, 0)
	safe := make([]zoneJSON, 0)
	for _, z := range snap.Zones {
		if z.Deleted {
			continue
		}
		j := toZoneJSON(z)
		if z.Variant == domain.ZoneRestricted {
			restricted = append(restricted, j)
		} else {
			safe = append(safe, j)
		}
	}
	c.JSON(http.StatusOK, gin.H{"restricted": restricted, "safe": safe})
}

func parseSeverity(level string) (domain.Severity, error) {
	switch domain.Severity(level) {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh:
		return domain.Severity(level), nil
	}
	return "", domain.InvalidInput("alertLevel must be low, medium, or high")
}

// polygonZoneBody is the POST /geofencing/zones/{restricted,safe}
// request. Coordinates are a closed ring of [lng,lat] pairs.
type polygonZoneBody struct {
	Name        string      `json:"name"`
	Coordinates [][]float64 `json:"coordinates"`
	AlertLevel  string      `json:"alertLevel"`
	Description string      `json:"description"`
}

func (a *API) handlePostPolygonZone(variant domain.ZoneVariant) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body polygonZoneBody
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, domain.InvalidInput("malformed zone body"))
			return
		}
		severity, err := parseSeverity(body.AlertLevel)
		if err != nil {
			respondError(c, err)
			return
		}

		vertices := make([]domain.Point, 0, len(body.Coordinates))
		for _, pair := range body.Coordinates {
			if len(pair) != 2 {
				respondError(c, domain.InvalidInput("coordinates must be [lng,lat] pairs"))
				return
			}
			vertices = append(vertices, domain.Point{Lng: pair[0], Lat: pair[1]})
		}

		zone, err := a.engine.Zones.AddPolygon(body.Name, variant, domain.Polygon{Vertices: vertices}, severity, body.Description)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toZoneJSON(zone))
	}
}

// circularZoneBody is the POST /geofencing/zones/circular request.
type circularZoneBody struct {
	Name        string    `json:"name"`
	Center      []float64 `json:"center"`
	Radius      float64   `json:"radius"`
	Type        string    `json:"type"`
	AlertLevel  string    `json:"alertLevel"`
	Description string    `json:"description"`
}

func (a *API) handlePostCircularZone(c *gin.Context) {
	var body circularZoneBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, domain.InvalidInput("malformed zone body"))
		return
	}
	variant := domain.ZoneVariant(body.Type)
	if variant != domain.ZoneRestricted && variant != domain.ZoneSafe {
		respondError(c, domain.InvalidInput("type must be restricted or safe"))
		return
	}
	severity, err := parseSeverity(body.AlertLevel)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(body.Center) != 2 {
		respondError(c, domain.InvalidInput("center must be a [lng,lat] pair"))
		return
	}

	center := domain.Point{Lng: body.Center[0], Lat: body.Center[1]}
	zone, err := a.engine.Zones.AddCircle(body.Name, variant, center, body.Radius, severity, body.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toZoneJSON(zone))
}

// patchZoneBody carries the mutable zone fields; geometry is
// replace-only via delete+create.
type patchZoneBody struct {
	Name        *string `json:"name"`
	AlertLevel  *string `json:"alertLevel"`
	Active      *bool   `json:"active"`
	Description *string `json:"description"`
}

func (a *API) handlePatchZone(c *gin.Context) {
	var body patchZoneBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, domain.InvalidInput("malformed patch body"))
		return
	}
	patch := domain.ZonePatch{
		Name:        body.Name,
		Active:      body.Active,
		Description: body.Description,
	}
	if body.AlertLevel != nil {
		severity, err := parseSeverity(*body.AlertLevel)
		if err != nil {
			respondError(c, err)
			return
		}
		patch.Severity = &severity
	}

	zone, err := a.engine.Zones.Patch(c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toZoneJSON(zone))
}

func (a *API) handleDeleteZone(c *gin.Context) {
	if err := a.engine.Zones.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 1000
)

func (a *API) handleGetAlerts(c *gin.Context) {
	limit := defaultAlertLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(c, domain.InvalidInput("limit must be a positive integer"))
			return
		}
		limit = n
	}
	if limit > maxAlertLimit {
		limit = maxAlertLimit
	}
	c.JSON(http.StatusOK, gin.H{"alerts": a.engine.Alerts.Recent(limit)})
}

func (a *API) handleSOSTrigger(c *gin.Context) {
	alert, err := a.engine.TriggerSOS(c.Param("tourist_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (a *API) handleSOSResolve(c *gin.Context) {
	alert, err := a.engine.ResolveSOS(c.Param("tourist_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}
