// Package zones owns the restricted/safe zone registry: an in-memory,
// versioned, copy-on-write snapshot that readers (the ingest pipeline)
// consult without ever blocking on a writer (an authority adding or
// editing a zone). An fsnotify watcher picks up external edits to the
// persisted JSON snapshot file and swaps them in atomically.
package zones

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/touristsafety/trackengine/internal/domain"
	"github.com/touristsafety/trackengine/internal/geometry"
)

// Registry holds the authoritative set of zones and publishes immutable
// snapshots for readers. All mutation methods take a write lock only
// long enough to build the next snapshot and swap a pointer; readers
// never take that lock.
type Registry struct {
	logger *zap.Logger

	mu       sync.Mutex // guards mutation + version counter; readers skip this
	snapshot atomic.Pointer[domain.ZoneSnapshot]
	version  uint64

	persistPath string
	persistCh   chan domain.ZoneSnapshot

	watcher   *fsnotify.Watcher
	watching  bool
	watchOnce sync.Once
}

// Config controls where the registry persists its snapshot and whether
// it watches that file for external edits.
type Config struct {
	PersistPath string // empty disables persistence
	WatchFile   bool
}

// New builds a Registry, restoring from PersistPath if it exists.
func New(cfg Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:      logger,
		persistPath: cfg.PersistPath,
		persistCh:   make(chan domain.ZoneSnapshot, 8),
	}
	empty := domain.ZoneSnapshot{Version: 0, Zones: nil}
	r.snapshot.Store(&empty)

	if cfg.PersistPath != "" {
		if err := r.restore(); err != nil {
			return nil, fmt.Errorf("restore zone snapshot: %w", err)
		}
		go r.persistLoop()
		if cfg.WatchFile {
			if err := r.startWatch(); err != nil {
				logger.Warn("zone snapshot watch disabled", zap.Error(err))
			}
		}
	}
	return r, nil
}

// Snapshot returns the current immutable view. Safe for concurrent use,
// lock-free.
func (r *Registry) Snapshot() domain.ZoneSnapshot {
	return *r.snapshot.Load()
}

// AddCircle registers a new circular zone, normalizing it to a polygon
// at registration time so downstream consumers never branch on shape.
func (r *Registry) AddCircle(name string, variant domain.ZoneVariant, center domain.Point, radiusMeters float64, severity domain.Severity, description string) (domain.Zone, error) {
	if radiusMeters <= 0 {
		return domain.Zone{}, domain.InvalidGeometry("circle radius must be positive")
	}
	poly := geometry.NormalizeCircle(center, radiusMeters, geometry.DefaultCircleVertices)
	z := domain.Zone{
		ID:           uuid.NewString(),
		Name:         name,
		Variant:      variant,
		Geometry:     poly,
		Severity:     severity,
		Active:       true,
		Description:  description,
		CreatedAt:    time.Now(),
		IsCircle:     true,
		CircleCenter: center,
		CircleRadius: radiusMeters,
	}
	return z, r.add(z)
}

// AddPolygon registers a new hand-drawn zone.
func (r *Registry) AddPolygon(name string, variant domain.ZoneVariant, poly domain.Polygon, severity domain.Severity, description string) (domain.Zone, error) {
	if !geometry.Valid(poly) {
		return domain.Zone{}, domain.InvalidGeometry("polygon is not a valid simple closed ring")
	}
	z := domain.Zone{
		ID:          uuid.NewString(),
		Name:        name,
		Variant:     variant,
		Geometry:    poly,
		Severity:    severity,
		Active:      true,
		Description: description,
		CreatedAt:   time.Now(),
	}
	return z, r.add(z)
}

func (r *Registry) add(z domain.Zone) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.Snapshot()
	// Duplicate names are warned about, not rejected (Open Question
	// resolution recorded in DESIGN.md): authorities may legitimately
	// reuse a display name across disjoint geographic areas.
	for _, existing := range cur.Zones {
		if existing.Name == z.Name && existing.Active {
			r.logger.Warn("zone name duplicates an active zone",
				zap.String("name", z.Name), zap.String("existingZoneId", existing.ID))
			break
		}
	}

	next := append(append([]domain.Zone{}, cur.Zones...), z)
	r.publish(next)
	return nil
}

// Patch applies a partial update to an existing zone. Geometry is
// replace-only: callers that need to change a zone's shape must delete
// and recreate it.
func (r *Registry) Patch(id string, patch domain.ZonePatch) (domain.Zone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.Snapshot()
	next := make([]domain.Zone, len(cur.Zones))
	copy(next, cur.Zones)

	idx := -1
	for i, z := range next {
		if z.ID == id && !z.Deleted {
			idx = i
			break
		}
	}
	if idx == -1 {
		return domain.Zone{}, domain.NotFound("zone not found")
	}

	z := next[idx]
	if patch.Name != nil {
		z.Name = *patch.Name
	}
	if patch.Severity != nil {
		z.Severity = *patch.Severity
	}
	if patch.Active != nil {
		z.Active = *patch.Active
	}
	if patch.Description != nil {
		z.Description = *patch.Description
	}
	next[idx] = z
	r.publish(next)
	return z, nil
}

// Delete tombstones a zone: it stops contributing containment
// immediately, but remains in the snapshot until the next compaction so
// that the exit edge fired on a tourist's next fix can still resolve
// the zone's variant and name. Deleting a tombstone is NotFound.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.Snapshot()
	next := make([]domain.Zone, len(cur.Zones))
	copy(next, cur.Zones)
	found := false
	for i, z := range next {
		if z.ID == id && !z.Deleted {
			z.Deleted = true
			z.Active = false
			next[i] = z
			found = true
			break
		}
	}
	if !found {
		return domain.NotFound("zone not found")
	}
	r.publish(next)
	return nil
}

// Compact drops tombstoned zones from the snapshot and returns how many
// were removed. A tourist whose stale membership still references a
// compacted zone gets a variant-less exit edge on their next fix, which
// alerts nothing; compaction intervals bound that window.
func (r *Registry) Compact() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.Snapshot()
	next := make([]domain.Zone, 0, len(cur.Zones))
	for _, z := range cur.Zones {
		if z.Deleted {
			continue
		}
		next = append(next, z)
	}
	removed := len(cur.Zones) - len(next)
	if removed == 0 {
		return 0
	}
	r.publish(next)
	r.logger.Info("compacted zone tombstones", zap.Int("removed", removed))
	return removed
}

// RunCompactor periodically drops tombstones until ctx is cancelled.
func (r *Registry) RunCompactor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Compact()
		}
	}
}

// publish must be called with r.mu held. It increments the version,
// swaps the atomic pointer, and enqueues a write-behind persist.
func (r *Registry) publish(zones []domain.Zone) {
	r.version++
	next := domain.ZoneSnapshot{Version: r.version, Zones: zones}
	r.snapshot.Store(&next)

	if r.persistPath == "" {
		return
	}
	select {
	case r.persistCh <- next:
	default:
		r.logger.Warn("zone persist queue full, dropping intermediate snapshot")
	}
}

func (r *Registry) persistLoop() {
	for snap := range r.persistCh {
		if err := r.writeSnapshotFile(snap); err != nil {
			r.logger.Error("persist zone snapshot", zap.Error(err), zap.Uint64("version", snap.Version))
		}
	}
}

// persistedSnapshot is the on-disk shape: zones split by variant plus
// the write timestamp, so external tooling can consume the file without
// knowing the in-memory layout.
type persistedSnapshot struct {
	Restricted  []domain.Zone `json:"restricted"`
	Safe        []domain.Zone `json:"safe"`
	LastUpdated time.Time     `json:"lastUpdated"`
	Version     uint64        `json:"version"`
}

func toPersisted(snap domain.ZoneSnapshot) persistedSnapshot {
	out := persistedSnapshot{
		Restricted:  []domain.Zone{},
		Safe:        []domain.Zone{},
		LastUpdated: time.Now(),
		Version:     snap.Version,
	}
	for _, z := range snap.Zones {
		if z.Variant == domain.ZoneRestricted {
			out.Restricted = append(out.Restricted, z)
		} else {
			out.Safe = append(out.Safe, z)
		}
	}
	return out
}

func fromPersisted(p persistedSnapshot) domain.ZoneSnapshot {
	zones := make([]domain.Zone, 0, len(p.Restricted)+len(p.Safe))
	zones = append(zones, p.Restricted...)
	zones = append(zones, p.Safe...)
	return domain.ZoneSnapshot{Version: p.Version, Zones: zones}
}

func (r *Registry) writeSnapshotFile(snap domain.ZoneSnapshot) error {
	data, err := json.MarshalIndent(toPersisted(snap), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(r.persistPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := r.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot tmp file: %w", err)
	}
	return os.Rename(tmp, r.persistPath)
}

func (r *Registry) restore() error {
	if _, err := os.Stat(r.persistPath); os.IsNotExist(err) {
		return nil
	}
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		return fmt.Errorf("read snapshot file: %w", err)
	}
	var p persistedSnapshot
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse snapshot file: %w", err)
	}
	snap := fromPersisted(p)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = snap.Version
	r.snapshot.Store(&snap)
	return nil
}

// startWatch watches the persisted snapshot file's directory for
// external edits (an operator hand-editing the JSON file, or a
// config-management tool dropping a new one) and reloads on change.
func (r *Registry) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(r.persistPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.Close()
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	r.watcher = w
	r.watching = true

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(r.persistPath) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				r.reloadFromDisk()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("zone snapshot watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (r *Registry) reloadFromDisk() {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.version
	if err := r.restoreLocked(); err != nil {
		r.logger.Error("reload zone snapshot from disk", zap.Error(err))
		return
	}
	if r.version != before {
		r.logger.Info("zone snapshot reloaded from external edit",
			zap.Uint64("previousVersion", before), zap.Uint64("newVersion", r.version))
	}
}

func (r *Registry) restoreLocked() error {
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		return fmt.Errorf("read snapshot file: %w", err)
	}
	var p persistedSnapshot
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse snapshot file: %w", err)
	}
	snap := fromPersisted(p)
	r.version = snap.Version
	r.snapshot.Store(&snap)
	return nil
}

// Close stops the file watcher and the persist worker. Safe to call
// even if persistence/watching was never enabled.
func (r *Registry) Close(ctx context.Context) error {
	if r.watcher != nil && r.watching {
		r.watching = false
		if err := r.watcher.Close(); err != nil {
			return err
		}
	}
	close(r.persistCh)
	return nil
}
