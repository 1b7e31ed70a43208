// Package storage implements the engine's durable tier: an append-only
// TimescaleDB history of every accepted fix, the analytics query
// surface over it, and the retention compactor. The hot insert path
// runs over a pgx pool behind a circuit breaker; the read/maintenance
// surface runs over a plain database/sql handle registered by lib/pq.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkbhex"
	"go.uber.org/zap"

	"github.com/touristsafety/trackengine/internal/config"
	"github.com/touristsafety/trackengine/internal/domain"
)

// historyTableName is the TimescaleDB hypertable that stores every
// accepted fix.
const historyTableName = "location_history"

// compressionInterval defines the interval after which compression
// policies apply to older chunks.
const compressionInterval = 7 * 24 * time.Hour

// TimescaleStore owns the durable history tier. Writes go through the
// pgx pool wrapped in a circuit breaker so repeated failures trip open
// and fail fast instead of stacking latency onto every ingest; reads
// and retention sweeps use the lib/pq handle.
type TimescaleStore struct {
	pool    *pgxpool.Pool
	db      *sql.DB
	schema  string
	cfg     config.DBConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// New connects both handles, initializes the schema, and returns the
// store. Callers decide whether a connection failure is fatal (strict
// mode) or leaves the engine degraded.
func New(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (*TimescaleStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s pool_max_conns=%d connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database,
		cfg.MaxConnections, int(cfg.ConnectionTimeout.Seconds()),
	)
	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse DB connection config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = cfg.MaxConnectionLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to timescaleDB: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("timescaleDB ping check failed: %w", err)
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database,
		int(cfg.ConnectionTimeout.Seconds()),
	)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open analytics DB handle: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.MaxConnectionLifetime)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "TimescaleDBBreaker",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	s := &TimescaleStore{
		pool:    pool,
		db:      db,
		schema:  cfg.Schema,
		cfg:     cfg,
		breaker: breaker,
		logger:  logger,
	}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}

	logger.Info("connected to TimescaleDB",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)
	return s, nil
}

// initSchema creates the schema, enables the TimescaleDB and PostGIS
// extensions, creates the history hypertable with its time and spatial
// indexes, and applies compression when enabled.
func (s *TimescaleStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS "` + s.schema + `";`,
		`CREATE EXTENSION IF NOT EXISTS timescaledb;`,
		`CREATE EXTENSION IF NOT EXISTS postgis;`,
		`CREATE TABLE IF NOT EXISTS "` + s.schema + `"."` + historyTableName + `" (
			id TEXT NOT NULL,
			tourist_id TEXT NOT NULL,
			tourist_name TEXT NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			accuracy DOUBLE PRECISION NOT NULL,
			speed DOUBLE PRECISION DEFAULT 0,
			heading DOUBLE PRECISION DEFAULT 0,
			recorded_at TIMESTAMPTZ NOT NULL,
			client_ts TIMESTAMPTZ NOT NULL,
			distance_m DOUBLE PRECISION DEFAULT 0,
			time_gap_s DOUBLE PRECISION DEFAULT 0,
			quality DOUBLE PRECISION NOT NULL,
			anomalous BOOLEAN NOT NULL,
			snapshot_version BIGINT NOT NULL,
			anonymized BOOLEAN NOT NULL,
			retention_days INT NOT NULL,
			geo GEOGRAPHY(Point, 4326) NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}

	chunkSec := int64(s.cfg.ChunkInterval.Seconds())
	if chunkSec <= 0 {
		chunkSec = 86400
	}
	hypertableSQL := `SELECT create_hypertable(
		'"` + s.schema + `"."` + historyTableName + `"',
		'recorded_at',
		chunk_time_interval => INTERVAL '` + intervalString(chunkSec) + `',
		if_not_exists => TRUE
	);`
	// May fail when the table is already a hypertable or the role lacks
	// permission; neither blocks operation.
	if _, err := s.pool.Exec(ctx, hypertableSQL); err != nil {
		s.logger.Warn("create_hypertable failed, continuing with plain table", zap.Error(err))
	}

	if s.cfg.CompressionEnabled {
		compressSQL := `SELECT add_compression_policy(
			'"` + s.schema + `"."` + historyTableName + `"',
			INTERVAL '` + intervalString(int64(compressionInterval.Seconds())) + `'
		);`
		_, _ = s.pool.Exec(ctx, compressSQL)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_` + historyTableName + `_tourist_time
			ON "` + s.schema + `"."` + historyTableName + `" (tourist_id, recorded_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_` + historyTableName + `_geo
			ON "` + s.schema + `"."` + historyTableName + `" USING GIST (geo);`,
	}
	for _, stmt := range indexes {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendFix implements ingest.HistoryStore: one append-only row per
// accepted fix, carrying the derived quality signals and the snapshot
// version the fix was evaluated against. Anonymization has already been
// applied by the caller when anonymized is true.
func (s *TimescaleStore) AppendFix(ctx context.Context, touristID, touristName string, f domain.Fix, snapshotVersion uint64, anonymized bool, retentionDays int) error {
	point := geom.NewPointFlat(geom.XY, []float64{f.Longitude, f.Latitude})
	point.SetSRID(4326)
	geoHex, err := ewkbhex.Encode(point, ewkbhex.NDR)
	if err != nil {
		return fmt.Errorf("encode fix geometry: %w", err)
	}

	insertSQL := `INSERT INTO "` + s.schema + `"."` + historyTableName + `"
		(id, tourist_id, tourist_name, latitude, longitude, accuracy, speed, heading,
		 recorded_at, client_ts, distance_m, time_gap_s, quality, anomalous,
		 snapshot_version, anonymized, retention_days, geo)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18::geography);`

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return s.pool.Exec(ctx, insertSQL,
			uuid.NewString(), touristID, touristName,
			f.Latitude, f.Longitude, f.Accuracy, f.Speed, f.Heading,
			f.IngestTimestamp, f.ClientTimestamp,
			f.DistanceFromPrevious, f.TimeFromPrevious,
			f.QualityScore, f.Anomalous,
			int64(snapshotVersion), anonymized, retentionDays,
			geoHex,
		)
	})
	if err != nil {
		return domain.DependencyUnavailable("history store append failed", err)
	}
	return nil
}

// Healthy reports whether the write-path breaker is closed. Used by the
// health endpoint to surface degraded mode.
func (s *TimescaleStore) Healthy() bool {
	return s.breaker.State() == gobreaker.StateClosed
}

// Close releases both database handles.
func (s *TimescaleStore) Close() error {
	s.pool.Close()
	return s.db.Close()
}

// intervalString converts seconds into a Postgres INTERVAL literal,
// e.g. 86400 -> "1 days".
func intervalString(seconds int64) string {
	if seconds <= 0 {
		return "1 days"
	}
	days := seconds / 86400
	remainder := seconds % 86400
	hours := remainder / 3600
	minutes := (remainder % 3600) / 60
	secs := remainder % 60

	out := ""
	if days > 0 {
		out += fmt.Sprintf("%d days ", days)
	}
	if hours > 0 {
		out += fmt.Sprintf("%d hours ", hours)
	}
	if minutes > 0 {
		out += fmt.Sprintf("%d minutes ", minutes)
	}
	if secs > 0 {
		out += fmt.Sprintf("%d seconds", secs)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		out = "1 days"
	}
	return out
}
