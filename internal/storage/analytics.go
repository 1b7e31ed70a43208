package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HistoryRow is one appended fix as read back through the analytics
// surface.
type HistoryRow struct {
	ID              string
	TouristID       string
	TouristName     string
	Latitude        float64
	Longitude       float64
	Accuracy        float64
	Speed           float64
	Heading         float64
	RecordedAt      time.Time
	ClientTimestamp time.Time
	DistanceMeters  float64
	TimeGapSeconds  float64
	QualityScore    float64
	Anomalous       bool
	SnapshotVersion uint64
	Anonymized      bool
	RetentionDays   int
}

const historyColumns = `id, tourist_id, tourist_name, latitude, longitude, accuracy,
	speed, heading, recorded_at, client_ts, distance_m, time_gap_s,
	quality, anomalous, snapshot_version, anonymized, retention_days`

// GetLocationHistory returns a tourist's fixes between from and to,
// oldest first, capped at limit. It reads through the lib/pq handle so
// long analytics scans never compete with the pgx insert pool.
func (s *TimescaleStore) GetLocationHistory(ctx context.Context, touristID string, from, to time.Time, limit int) ([]HistoryRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + historyColumns + `
		FROM "` + s.schema + `"."` + historyTableName + `"
		WHERE tourist_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at ASC
		LIMIT $4;`

	rows, err := s.db.QueryContext(ctx, query, touristID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		var version int64
		if err := rows.Scan(
			&r.ID, &r.TouristID, &r.TouristName, &r.Latitude, &r.Longitude, &r.Accuracy,
			&r.Speed, &r.Heading, &r.RecordedAt, &r.ClientTimestamp, &r.DistanceMeters,
			&r.TimeGapSeconds, &r.QualityScore, &r.Anomalous, &version, &r.Anonymized,
			&r.RetentionDays,
		); err != nil {
			return nil, err
		}
		r.SnapshotVersion = uint64(version)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetHistoryNear returns fixes recorded within radiusMeters of the
// given point since the given time, leveraging the GIST index on the
// geography column.
func (s *TimescaleStore) GetHistoryNear(ctx context.Context, lat, lng, radiusMeters float64, since time.Time, limit int) ([]HistoryRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + historyColumns + `
		FROM "` + s.schema + `"."` + historyTableName + `"
		WHERE recorded_at >= $1
		  AND ST_DWithin(geo, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, $4)
		ORDER BY recorded_at DESC
		LIMIT $5;`

	rows, err := s.db.QueryContext(ctx, query, since, lng, lat, radiusMeters, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		var version int64
		if err := rows.Scan(
			&r.ID, &r.TouristID, &r.TouristName, &r.Latitude, &r.Longitude, &r.Accuracy,
			&r.Speed, &r.Heading, &r.RecordedAt, &r.ClientTimestamp, &r.DistanceMeters,
			&r.TimeGapSeconds, &r.QualityScore, &r.Anomalous, &version, &r.Anonymized,
			&r.RetentionDays,
		); err != nil {
			return nil, err
		}
		r.SnapshotVersion = uint64(version)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeExpired deletes every row older than its own retention-days
// budget and returns the number of rows removed.
func (s *TimescaleStore) PurgeExpired(ctx context.Context) (int64, error) {
	deleteSQL := `DELETE FROM "` + s.schema + `"."` + historyTableName + `"
		WHERE recorded_at < NOW() - (retention_days || ' days')::interval;`
	res, err := s.db.ExecContext(ctx, deleteSQL)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunCompactor periodically purges expired rows until ctx is cancelled.
// Purge failures are logged and retried on the next tick; the history
// store staying writable matters more than a timely sweep.
func (s *TimescaleStore) RunCompactor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, interval/2)
			n, err := s.PurgeExpired(sweepCtx)
			cancel()
			if err != nil {
				s.logger.Warn("retention sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("retention sweep purged expired history rows", zap.Int64("rows", n))
			}
		}
	}
}
