// Package engine assembles the tracking core: tourist state, zone
// registry, rate limiting, consent, the ingestion pipeline, the alert
// ring, and the subscription hub, behind one value created at startup
// and passed explicitly to the transport layers. No package-level
// mutable state — parallel tests run fresh engines.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/touristsafety/trackengine/internal/alerts"
	"github.com/touristsafety/trackengine/internal/config"
	"github.com/touristsafety/trackengine/internal/consent"
	"github.com/touristsafety/trackengine/internal/domain"
	"github.com/touristsafety/trackengine/internal/hub"
	"github.com/touristsafety/trackengine/internal/ingest"
	"github.com/touristsafety/trackengine/internal/ratelimit"
	"github.com/touristsafety/trackengine/internal/tourists"
	"github.com/touristsafety/trackengine/internal/zones"
)

// EventMirror receives a best-effort copy of every fan-out event, e.g.
// the MQTT publisher. Implementations must never block ingestion.
type EventMirror interface {
	PublishAlert(a domain.Alert)
	PublishLocationChanged(touristID string, f domain.Fix, touristName string)
	PublishZoneStatus(touristID string, status domain.Status, zones []domain.Zone)
}

// Options carries everything New needs. History and HotCache may be
// nil: the engine then runs degraded (live tracking and alerting only).
type Options struct {
	Logger   *zap.Logger
	Config   config.EngineConfig
	Registry prometheus.Registerer

	Zones   *zones.Registry
	Consent *consent.Store

	History        ingest.HistoryStore
	HistoryHealthy func() bool
	HotCache       ingest.HotCache
	Mirror         EventMirror
}

// Engine is the assembled core.
type Engine struct {
	logger *zap.Logger

	Tourists *tourists.Store
	Zones    *zones.Registry
	Consent  *consent.Store
	Limiter  *ratelimit.Limiter
	Alerts   *alerts.Ring
	Hub      *hub.Hub
	Pipeline *ingest.Pipeline

	pub            *fanout
	metrics        *Metrics
	historyHealthy func() bool
}

// New wires the core together. The hub routes inbound session verbs
// back into the engine, and every fan-out event goes to the hub plus
// the optional mirror.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		logger:   logger,
		Tourists: tourists.New(),
		Zones:    opts.Zones,
		Consent:  opts.Consent,
		Limiter:  ratelimit.New(ratelimit.DefaultRules()),
	}

	capacity := opts.Config.AlertRingCapacity
	if capacity <= 0 {
		capacity = config.DefaultAlertRing
	}
	e.Alerts = alerts.New(capacity)

	e.Hub = hub.New(logger, e)
	e.metrics = newMetrics(opts.Registry,
		func() float64 { return float64(e.Tourists.Len()) },
		func() float64 { return float64(e.Hub.SessionCount()) },
	)

	e.pub = &fanout{hub: e.Hub, mirror: opts.Mirror, metrics: e.metrics}

	pipeCfg := ingest.DefaultConfig()
	if opts.Config.MaxFutureSkew > 0 {
		pipeCfg.MaxFutureSkew = opts.Config.MaxFutureSkew
	}
	if opts.Config.MaxStaleness > 0 {
		pipeCfg.MaxStaleness = opts.Config.MaxStaleness
	}
	if opts.Config.ConsentTimeout > 0 {
		pipeCfg.ConsentTimeout = opts.Config.ConsentTimeout
	}
	if opts.Config.HistoryTimeout > 0 {
		pipeCfg.HistoryTimeout = opts.Config.HistoryTimeout
	}
	e.Pipeline = ingest.New(pipeCfg, logger, e.Tourists, e.Limiter, e.Consent,
		e.Zones, e.Alerts, opts.History, opts.HotCache, e.pub)

	e.historyHealthy = opts.HistoryHealthy
	if e.historyHealthy == nil {
		healthy := opts.History != nil
		e.historyHealthy = func() bool { return healthy }
	}
	return e
}

// fanout delivers every engine event to the in-process hub and, when
// configured, mirrors it out of process. It also feeds the alert
// counter, since it sees every alert exactly once regardless of origin.
type fanout struct {
	hub     *hub.Hub
	mirror  EventMirror
	metrics *Metrics
}

func (f *fanout) PublishLocationChanged(touristID string, fix domain.Fix, name string) {
	f.hub.PublishLocationChanged(touristID, fix, name)
	if f.mirror != nil {
		f.mirror.PublishLocationChanged(touristID, fix, name)
	}
}

func (f *fanout) PublishZoneStatus(touristID string, status domain.Status, zs []domain.Zone) {
	f.hub.PublishZoneStatus(touristID, status, zs)
	if f.mirror != nil {
		f.mirror.PublishZoneStatus(touristID, status, zs)
	}
}

func (f *fanout) PublishAlert(a domain.Alert) {
	f.metrics.AlertsEmitted.WithLabelValues(string(a.Kind)).Inc()
	f.hub.PublishAlert(a)
	if f.mirror != nil {
		f.mirror.PublishAlert(a)
	}
}

// Ingest runs one fix through the pipeline and records metrics.
func (e *Engine) Ingest(ctx context.Context, principal domain.Principal, fix domain.Fix) error {
	start := time.Now()
	err := e.Pipeline.Ingest(ctx, principal, fix)
	e.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.FixesRejected.WithLabelValues(string(domain.KindOf(err))).Inc()
		return err
	}
	e.metrics.FixesAccepted.Inc()
	return nil
}

// IngestBatch applies a buffered run of fixes for one tourist.
func (e *Engine) IngestBatch(ctx context.Context, principal domain.Principal, fixes []domain.Fix) (int, error) {
	return e.Pipeline.ProcessBatch(ctx, principal, fixes)
}

// SetDisplayName records the display name alerts and broadcasts carry
// for a tourist. Name resolution itself is external; the engine just
// keeps the latest value it was handed.
func (e *Engine) SetDisplayName(touristID, name string) {
	if name == "" {
		return
	}
	e.Tourists.WithLock(touristID, func(cur domain.TouristState) domain.TouristState {
		cur.DisplayName = name
		return cur
	})
}

// WarmPosition seeds a tourist's latest fix from the hot cache at
// startup. It never overwrites a fix accepted after boot and performs
// no evaluation — membership is recomputed on the first live fix.
func (e *Engine) WarmPosition(touristID string, f domain.Fix) {
	e.Tourists.WithLock(touristID, func(cur domain.TouristState) domain.TouristState {
		if cur.HasFix {
			return cur
		}
		cur.LatestFix = f
		cur.HasFix = true
		return cur
	})
}

// LivePositions returns the current map of tourist id to latest fix.
func (e *Engine) LivePositions() map[string]domain.Fix {
	out := make(map[string]domain.Fix)
	for _, st := range e.Tourists.All() {
		if st.HasFix {
			out[st.TouristID] = st.LatestFix
		}
	}
	return out
}

// TriggerSOS pins a tourist's sos status and fans out an sos_triggered
// alert at the tourist's last known position. Injected by the external
// SOS subsystem through the HTTP surface.
func (e *Engine) TriggerSOS(touristID string) (domain.Alert, error) {
	return e.sosTransition(touristID, true)
}

// ResolveSOS clears the pinned sos status and fans out sos_resolved.
func (e *Engine) ResolveSOS(touristID string) (domain.Alert, error) {
	return e.sosTransition(touristID, false)
}

func (e *Engine) sosTransition(touristID string, active bool) (domain.Alert, error) {
	if err := e.Limiter.Allow(touristID, ratelimit.ClassSOS); err != nil {
		return domain.Alert{}, err
	}

	var (
		name  string
		point domain.Point
	)
	st := e.Tourists.WithLock(touristID, func(cur domain.TouristState) domain.TouristState {
		cur.SOSActive = active
		return cur
	})
	name = st.DisplayName
	if st.HasFix {
		point = domain.Point{Lat: st.LatestFix.Latitude, Lng: st.LatestFix.Longitude}
	}

	var a domain.Alert
	if active {
		a = e.Alerts.TriggerSOS(touristID, name, point)
	} else {
		a = e.Alerts.ResolveSOS(touristID, name, point)
	}
	e.pub.PublishAlert(a)
	return a, nil
}

// Degraded reports whether the history tier is unavailable, for the
// health endpoint and the operator UI's stale-data banner.
func (e *Engine) Degraded() bool {
	return !e.historyHealthy()
}

// AttachSession registers an upgraded WebSocket connection with the hub
// and joins the rooms the principal's role implies: authorities join
// the global alert stream, tourists their private status room.
func (e *Engine) AttachSession(principal domain.Principal, conn *websocket.Conn) *hub.Session {
	s := e.Hub.Register(uuid.NewString(), principal, conn)
	switch principal.Role {
	case domain.RoleAuthority:
		e.Hub.JoinAuthorities(s)
	case domain.RoleTourist:
		e.Hub.JoinUser(s, principal.ID)
	}
	return s
}

// positionUpdatePayload is the tourist->server position:update verb.
type positionUpdatePayload struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Accuracy    float64   `json:"accuracy"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceInfo  string    `json:"deviceInfo"`
	NetworkInfo string    `json:"networkInfo"`
}

// watchPayload is the authority->server watch:start / watch:stop verb.
type watchPayload struct {
	TouristID string `json:"tourist_id"`
}

// HandlePositionUpdate implements hub.InboundHandler.
func (e *Engine) HandlePositionUpdate(s *hub.Session, data json.RawMessage) {
	var p positionUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.Send(hub.Event{Kind: hub.EventError, Data: map[string]string{"message": "malformed position update"}})
		return
	}
	fix := domain.Fix{
		TouristID:       s.Principal.ID,
		Latitude:        p.Lat,
		Longitude:       p.Lon,
		Accuracy:        p.Accuracy,
		ClientTimestamp: p.Timestamp,
		DeviceInfo:      p.DeviceInfo,
		NetworkInfo:     p.NetworkInfo,
	}
	if err := e.Ingest(context.Background(), s.Principal, fix); err != nil {
		s.Send(hub.Event{Kind: hub.EventError, Data: map[string]string{
			"kind":    string(domain.KindOf(err)),
			"message": err.Error(),
		}})
	}
}

// HandleWatchStart implements hub.InboundHandler. Authority only.
func (e *Engine) HandleWatchStart(s *hub.Session, data json.RawMessage) {
	if s.Principal.Role != domain.RoleAuthority {
		s.Send(hub.Event{Kind: hub.EventError, Data: map[string]string{"message": "watch requires authority role"}})
		return
	}
	var p watchPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TouristID == "" {
		s.Send(hub.Event{Kind: hub.EventError, Data: map[string]string{"message": "malformed watch request"}})
		return
	}
	e.Hub.WatchStart(s, p.TouristID)
}

// HandleWatchStop implements hub.InboundHandler. Authority only.
func (e *Engine) HandleWatchStop(s *hub.Session, data json.RawMessage) {
	if s.Principal.Role != domain.RoleAuthority {
		s.Send(hub.Event{Kind: hub.EventError, Data: map[string]string{"message": "watch requires authority role"}})
		return
	}
	var p watchPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TouristID == "" {
		s.Send(hub.Event{Kind: hub.EventError, Data: map[string]string{"message": "malformed watch request"}})
		return
	}
	e.Hub.WatchStop(s, p.TouristID)
}
