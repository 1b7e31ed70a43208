// Package ingest implements the fix-acceptance pipeline: the single
// entry point every accepted position update for a tourist passes
// through, from authorization through geofence evaluation to fan-out.
// It is the orchestration layer wiring together the tourist store,
// rate limiter, consent gate, geofence evaluator, alert ring, hub, and
// storage without owning any of their state itself.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/touristsafety/trackengine/internal/alerts"
	"github.com/touristsafety/trackengine/internal/consent"
	"github.com/touristsafety/trackengine/internal/domain"
	"github.com/touristsafety/trackengine/internal/geofence"
	"github.com/touristsafety/trackengine/internal/geometry"
	"github.com/touristsafety/trackengine/internal/ratelimit"
	"github.com/touristsafety/trackengine/internal/tourists"
)

// Thresholds for the anomaly flag and the advisory quality score.
const (
	maxSustainedSpeedMPS  = 50.0
	maxAccuracyMeters     = 1000.0
	maxDistanceMeters     = 10_000.0
	maxTimeGapSeconds     = 3600.0
	qualityHighAccuracy   = 100.0
	qualityMediumAccuracy = 50.0
	qualityHighSpeedKMH   = 200.0
	qualityTimeGapSeconds = 3600.0
	qualityDistanceMeters = 50_000.0
)

// DefaultMaxFutureSkew and DefaultMaxStaleness bound how far a client
// timestamp may diverge from server time; both are configurable.
const (
	DefaultMaxFutureSkew = 60 * time.Second
	DefaultMaxStaleness  = 60 * time.Second
)

// ZoneSource supplies the current zone snapshot; satisfied by
// *zones.Registry.
type ZoneSource interface {
	Snapshot() domain.ZoneSnapshot
}

// HistoryStore is the append-only analytics sink. Implementations must
// not block ingestion indefinitely; callers apply a deadline via ctx.
type HistoryStore interface {
	AppendFix(ctx context.Context, touristID, touristName string, f domain.Fix, snapshotVersion uint64, anonymized bool, retentionDays int) error
}

// HotCache is the best-effort latest-position cache. Write failures
// are logged, never surfaced to the caller.
type HotCache interface {
	SetLatest(ctx context.Context, touristID string, f domain.Fix) error
}

// Publisher fans out engine events to the subscription hub.
type Publisher interface {
	PublishLocationChanged(touristID string, f domain.Fix, touristName string)
	PublishZoneStatus(touristID string, status domain.Status, membership []domain.Zone)
	PublishAlert(a domain.Alert)
}

// Clock is injected so tests can control "now" without sleeping.
type Clock func() time.Time

// Config bounds the pipeline's timestamp and deadline tolerances.
type Config struct {
	MaxFutureSkew  time.Duration
	MaxStaleness   time.Duration
	ConsentTimeout time.Duration
	HistoryTimeout time.Duration
}

// DefaultConfig returns the pipeline's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxFutureSkew:  DefaultMaxFutureSkew,
		MaxStaleness:   DefaultMaxStaleness,
		ConsentTimeout: 500 * time.Millisecond,
		HistoryTimeout: 2 * time.Second,
	}
}

// Pipeline wires the components every ingest call touches.
type Pipeline struct {
	cfg      Config
	clock    Clock
	logger   *zap.Logger
	tourists *tourists.Store
	limiter  *ratelimit.Limiter
	consent  *consent.Store
	zones    ZoneSource
	alerts   *alerts.Ring
	history  HistoryStore
	hotCache HotCache
	pub      Publisher
}

// New builds a Pipeline. hotCache may be nil; the cache is optional.
func New(cfg Config, logger *zap.Logger, t *tourists.Store, lim *ratelimit.Limiter, cons *consent.Store, zoneSrc ZoneSource, alertRing *alerts.Ring, history HistoryStore, hotCache HotCache, pub Publisher) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg: cfg, clock: time.Now, logger: logger,
		tourists: t, limiter: lim, consent: cons, zones: zoneSrc,
		alerts: alertRing, history: history, hotCache: hotCache, pub: pub,
	}
}

// Ingest runs fix through the full acceptance pipeline for the given
// principal, returning nil on accept. A silent monotonicity drop is
// not an error to the caller.
func (p *Pipeline) Ingest(ctx context.Context, principal domain.Principal, fix domain.Fix) error {
	// 1. authorization: principal must match the tourist or be an
	// impersonation-enabled authority (disabled by default).
	if principal.ID != fix.TouristID {
		if principal.Role != domain.RoleAuthority || !principal.ImpersonationAllowed {
			return domain.Unauthorized("principal may not submit fixes for another tourist")
		}
	}

	// 2. rate limit
	if err := p.limiter.Allow(principal.ID, ratelimit.ClassPosition); err != nil {
		return err
	}

	// 3. structural + timestamp validation
	if err := fix.ValidateCoordinates(); err != nil {
		return err
	}
	now := p.clock()
	if fix.ClientTimestamp.IsZero() {
		fix.ClientTimestamp = now
	}
	if fix.ClientTimestamp.Sub(now) > p.cfg.MaxFutureSkew {
		return domain.InvalidInput("fix timestamp is too far in the future")
	}
	if now.Sub(fix.ClientTimestamp) > p.cfg.MaxStaleness {
		return domain.InvalidInput("fix timestamp is too old to accept")
	}
	fix.IngestTimestamp = now

	// 4. consent
	consentCtx, cancel := context.WithTimeout(ctx, p.cfg.ConsentTimeout)
	decision, err := p.checkConsent(consentCtx, fix.TouristID)
	cancel()
	if err != nil {
		return err
	}

	// 5-8: look up prior state, derive quality signals, evaluate the
	// geofence, and swap in the new fix plus its membership set — all
	// under the tourist's own lock, in one critical section. Evaluation
	// is CPU-bound and never blocks, so holding the lock across it is
	// cheap, and it is what makes the stored membership set always
	// consistent with the stored latest fix: two racing ingests for the
	// same tourist serialize here in full, never interleaving a fix swap
	// from one with a membership write from the other.
	snap := p.zones.Snapshot()
	point := domain.Point{Lat: fix.Latitude, Lng: fix.Longitude}
	var (
		dropped       bool
		touristName   string
		newMembership map[string]struct{}
		edges         []geofence.Edge
	)
	updated := p.tourists.WithLock(fix.TouristID, func(cur domain.TouristState) domain.TouristState {
		if cur.HasFix && fix.ClientTimestamp.Before(cur.LatestFix.ClientTimestamp) {
			// ordering guarantee: older fixes are dropped silently
			dropped = true
			return cur
		}
		if cur.HasFix {
			fix.DistanceFromPrevious = distanceMeters(cur.LatestFix, fix)
			fix.TimeFromPrevious = fix.ClientTimestamp.Sub(cur.LatestFix.ClientTimestamp).Seconds()
			// derive speed and heading when the client didn't report them
			if fix.Speed == 0 && fix.TimeFromPrevious > 0 {
				fix.Speed = fix.DistanceFromPrevious / fix.TimeFromPrevious
			}
			if fix.Heading == 0 && fix.DistanceFromPrevious > 0 {
				prev := domain.Point{Lat: cur.LatestFix.Latitude, Lng: cur.LatestFix.Longitude}
				next := domain.Point{Lat: fix.Latitude, Lng: fix.Longitude}
				fix.Heading = geometry.Bearing(prev, next)
			}
		}
		fix.QualityScore = qualityScore(fix)
		fix.Anomalous = isAnomalous(fix)

		touristName = cur.DisplayName
		newMembership, edges = geofence.Evaluate(snap, point, cur.Membership)

		cur.LatestFix = fix
		cur.HasFix = true
		cur.LastEvaluatedAt = now
		cur.Membership = newMembership
		cur.SnapshotVersion = snap.Version
		return cur
	})
	if dropped {
		p.logger.Debug("dropped out-of-order fix", zap.String("touristId", fix.TouristID))
		return nil
	}

	remainingSafe := countSafe(snap, newMembership)
	generated := p.alerts.FromEdges(fix.TouristID, touristName, point, edges, remainingSafe)
	for _, a := range generated {
		p.pub.PublishAlert(a)
	}

	// 9. history append, with anonymization applied per consent
	go p.appendHistory(fix, touristName, snap.Version, decision)

	// hot cache is best-effort and never blocks or fails ingestion
	if p.hotCache != nil {
		go p.writeHotCache(fix)
	}

	// 10. fan out
	p.pub.PublishLocationChanged(fix.TouristID, fix, touristName)
	status := updated.Status(snap.Variant)
	p.pub.PublishZoneStatus(fix.TouristID, status, zonesFor(snap, newMembership))

	return nil
}

func (p *Pipeline) checkConsent(ctx context.Context, touristID string) (consent.Decision, error) {
	type result struct {
		d   consent.Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := p.consent.Check(touristID)
		done <- result{d, err}
	}()
	select {
	case r := <-done:
		return r.d, r.err
	case <-ctx.Done():
		// consent timeout fails closed
		return consent.Decision{}, domain.ConsentRequired("consent check timed out")
	}
}

func (p *Pipeline) appendHistory(fix domain.Fix, touristName string, snapshotVersion uint64, decision consent.Decision) {
	if p.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HistoryTimeout)
	defer cancel()

	stored := fix
	anonymized := decision.Anonymize
	id := fix.TouristID
	if anonymized {
		stored = p.consent.Anonymize(fix)
		id = p.consent.AnonymizedTouristID(fix.TouristID)
		touristName = consent.AnonymizedDisplayName(touristName)
	}
	if err := p.history.AppendFix(ctx, id, touristName, stored, snapshotVersion, anonymized, decision.RetentionDays); err != nil {
		p.logger.Warn("history store append failed, continuing in degraded mode",
			zap.Error(err), zap.String("touristId", fix.TouristID))
	}
}

func (p *Pipeline) writeHotCache(fix domain.Fix) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := p.hotCache.SetLatest(ctx, fix.TouristID, fix); err != nil {
		p.logger.Warn("hot cache write failed", zap.Error(err), zap.String("touristId", fix.TouristID))
	}
}

func distanceMeters(prev, next domain.Fix) float64 {
	a := domain.Point{Lat: prev.Latitude, Lng: prev.Longitude}
	b := domain.Point{Lat: next.Latitude, Lng: next.Longitude}
	return geometry.Distance(a, b)
}

func countSafe(snap domain.ZoneSnapshot, membership map[string]struct{}) int {
	n := 0
	for id := range membership {
		if z, ok := snap.Lookup(id); ok && z.Variant == domain.ZoneSafe {
			n++
		}
	}
	return n
}

func zonesFor(snap domain.ZoneSnapshot, membership map[string]struct{}) []domain.Zone {
	out := make([]domain.Zone, 0, len(membership))
	for id := range membership {
		if z, ok := snap.Lookup(id); ok {
			out = append(out, z)
		}
	}
	return out
}

func qualityScore(f domain.Fix) float64 {
	score := 1.0
	switch {
	case f.Accuracy > qualityHighAccuracy:
		score -= 0.3
	case f.Accuracy > qualityMediumAccuracy:
		score -= 0.1
	}
	speedKMH := f.Speed * 3.6
	if speedKMH > qualityHighSpeedKMH {
		score -= 0.5
	}
	if f.TimeFromPrevious > qualityTimeGapSeconds {
		score -= 0.2
	}
	if f.DistanceFromPrevious > qualityDistanceMeters {
		score -= 0.4
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func isAnomalous(f domain.Fix) bool {
	speedMPS := f.Speed
	if f.TimeFromPrevious > 0 {
		speedMPS = f.DistanceFromPrevious / f.TimeFromPrevious
	}
	return speedMPS > maxSustainedSpeedMPS ||
		f.Accuracy > maxAccuracyMeters ||
		f.DistanceFromPrevious > maxDistanceMeters ||
		f.TimeFromPrevious > maxTimeGapSeconds
}
