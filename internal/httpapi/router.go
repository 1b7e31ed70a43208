// Package httpapi exposes the engine over HTTP: fix ingestion, the
// live-position map, zone management, the alert feed, the SOS injection
// seam, health, metrics, and the WebSocket handshake for the
// subscription hub.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/touristsafety/trackengine/internal/domain"
	"github.com/touristsafety/trackengine/internal/engine"
	"github.com/touristsafety/trackengine/internal/ratelimit"
)

// principalKey is the gin context key the auth middleware stores the
// verified principal under.
const principalKey = "principal"

// displayNameKey holds the display name carried by the verified token.
const displayNameKey = "displayName"

// API wires the engine and its collaborators into a gin router.
type API struct {
	engine   *engine.Engine
	verifier TokenVerifier
	logger   *zap.Logger
	registry *prometheus.Registry
}

// New builds the API. registry backs the /metrics endpoint.
func New(e *engine.Engine, verifier TokenVerifier, logger *zap.Logger, registry *prometheus.Registry) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{engine: e, verifier: verifier, logger: logger, registry: registry}
}

// Router assembles the gin engine with recovery, auth, and per-class
// rate limiting on the routes that need it.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", a.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	router.GET("/ws", a.handleWebSocket)

	authed := router.Group("/", a.authMiddleware())
	{
		// The position class is charged inside the pipeline itself, so
		// ingestion routes carry no additional class here.
		authed.POST("/position", a.handlePostPosition)
		authed.POST("/position/batch", a.handlePostPositionBatch)

		authed.GET("/position/live", a.requireAuthority(), a.rateClass(ratelimit.ClassGeneral), a.handleLivePositions)

		geo := authed.Group("/geofencing")
		{
			geo.GET("/zones", a.rateClass(ratelimit.ClassGeneral), a.handleGetZones)
			geo.GET("/alerts", a.requireAuthority(), a.rateClass(ratelimit.ClassGeneral), a.handleGetAlerts)

			admin := geo.Group("/", a.requireAuthority(), a.rateClass(ratelimit.ClassGeofencingAdmin))
			{
				admin.POST("/zones/restricted", a.handlePostPolygonZone(domain.ZoneRestricted))
				admin.POST("/zones/safe", a.handlePostPolygonZone(domain.ZoneSafe))
				admin.POST("/zones/circular", a.handlePostCircularZone)
				admin.PATCH("/zones/:id", a.handlePatchZone)
				admin.DELETE("/zones/:id", a.handleDeleteZone)
			}

			// The SOS seam is charged its own class inside the engine.
			sos := geo.Group("/sos", a.requireAuthority())
			{
				sos.POST("/:tourist_id/trigger", a.handleSOSTrigger)
				sos.POST("/:tourist_id/resolve", a.handleSOSResolve)
			}
		}
	}

	return router
}

// authMiddleware verifies the bearer token and stores the principal.
func (a *API) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			respondError(c, domain.Unauthenticated("missing bearer token"))
			c.Abort()
			return
		}
		principal, name, err := a.verifier.Verify(token)
		if err != nil {
			respondError(c, err)
			c.Abort()
			return
		}
		c.Set(principalKey, principal)
		c.Set(displayNameKey, name)
		c.Next()
	}
}

// requireAuthority rejects non-authority principals.
func (a *API) requireAuthority() gin.HandlerFunc {
	return func(c *gin.Context) {
		if principalFrom(c).Role != domain.RoleAuthority {
			respondError(c, domain.Unauthorized("authority role required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// rateClass charges the principal's bucket for the given endpoint class.
func (a *API) rateClass(class ratelimit.Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := a.engine.Limiter.Allow(principalFrom(c).ID, class); err != nil {
			respondError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

func principalFrom(c *gin.Context) domain.Principal {
	v, _ := c.Get(principalKey)
	p, _ := v.(domain.Principal)
	return p
}

func displayNameFrom(c *gin.Context) string {
	v, _ := c.Get(displayNameKey)
	name, _ := v.(string)
	return name
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// WebSocket clients can't set headers from browsers, so the
	// handshake also accepts ?token=.
	return r.URL.Query().Get("token")
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindUnauthorized, domain.KindConsentRequired:
		return http.StatusForbidden
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindInvalidInput, domain.KindInvalidGeometry:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the tagged error with its stable kind so clients
// can dispatch without string matching.
func respondError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	if e, ok := err.(*domain.Error); ok {
		if kind == domain.KindRateLimited && e.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(e.RetryAfter+0.5)))
		}
		c.JSON(statusFor(kind), gin.H{"kind": string(kind), "error": e.Message})
		return
	}
	c.JSON(statusFor(kind), gin.H{"kind": string(kind), "error": err.Error()})
}

func (a *API) handleHealth(c *gin.Context) {
	status := "healthy"
	if a.engine.Degraded() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
