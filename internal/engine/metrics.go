package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus instruments. They are created
// per engine instance and registered on the registry the caller
// provides, so parallel tests can run fresh engines without colliding
// in a global registry.
type Metrics struct {
	FixesAccepted  prometheus.Counter
	FixesRejected  *prometheus.CounterVec
	AlertsEmitted  *prometheus.CounterVec
	IngestDuration prometheus.Histogram
	ActiveTourists prometheus.GaugeFunc
	HubSessions    prometheus.GaugeFunc
}

func newMetrics(registry prometheus.Registerer, touristCount, sessionCount func() float64) *Metrics {
	m := &Metrics{
		FixesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_fixes_accepted_total",
			Help: "Position fixes accepted by the ingestion pipeline.",
		}),
		FixesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_fixes_rejected_total",
			Help: "Position fixes rejected by the ingestion pipeline, by error kind.",
		}, []string{"kind"}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_alerts_emitted_total",
			Help: "Alerts materialized by the alert engine, by kind.",
		}, []string{"kind"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_ingest_duration_seconds",
			Help:    "Wall time of one ingest call, validation through fan-out.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveTourists: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "engine_active_tourists",
			Help: "Tourists tracked in the state store, with or without an accepted fix.",
		}, touristCount),
		HubSessions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "engine_hub_sessions",
			Help: "Live subscription-hub sessions.",
		}, sessionCount),
	}
	if registry != nil {
		registry.MustRegister(
			m.FixesAccepted, m.FixesRejected, m.AlertsEmitted,
			m.IngestDuration, m.ActiveTourists, m.HubSessions,
		)
	}
	return m
}
