package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/runlog"
)

// PendingDriftLimit caps one drift backlog pass.
const PendingDriftLimit = 500

// defaultRecentLimit applies when RecentFilter.Limit is zero and the query
// is not a CreatedSince scan.
const defaultRecentLimit = 1000

// recentLimit returns the row cap for f, or zero for none. CreatedSince
// scans feed the alert watermark and must not drop rows.
func recentLimit(f model.RecentFilter) int {
	switch {
	case f.Limit > 0:
		return f.Limit
	case !f.CreatedSince.IsZero():
		return 0
	default:
		return defaultRecentLimit
	}
}

// HazardStore persists hazard events. Events are unique on (source,
// source_id) and drift fields are written at most once.
type HazardStore interface {
	// InsertIgnoreConflict inserts events and silently skips any whose
	// (source, source_id) already exists. It returns the number inserted.
	InsertIgnoreConflict(ctx context.Context, events []model.HazardEvent) (int64, error)
	GetHazardEvent(ctx context.Context, id string) (*model.HazardEvent, error)
	SelectRecent(ctx context.Context, filter model.RecentFilter) ([]model.HazardEvent, error)
	// SelectPendingDrift returns hail-bearing events without a drift
	// correction, oldest first.
	SelectPendingDrift(ctx context.Context, limit int) ([]model.HazardEvent, error)
	// UpdateDrift records the corrected geometry and vector. It reports false
	// when the event was already corrected or does not exist.
	UpdateDrift(ctx context.Context, id string, geom orb.Geometry, vector model.DriftVector) (bool, error)
}

// PropertyStore persists parcels.
type PropertyStore interface {
	// UpsertProperties inserts or updates parcels keyed by county parcel id.
	// Owner, year built and assessed value are never overwritten by nulls.
	UpsertProperties(ctx context.Context, props []model.Property) (int64, error)
	CountPropertiesInBBox(ctx context.Context, bbox orb.Bound) (int64, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	HazardStore
	PropertyStore

	RunLog() runlog.RunLog
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// rowScanner is satisfied by pgx and database/sql rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// hazardRow holds the encoded columns of a hazard event.
type hazardRow struct {
	ID          string
	Source      string
	SourceID    string
	Geometry    []byte
	HailSize    *float64
	WindSpeed   *float64
	EventStart  *time.Time
	EventEnd    *time.Time
	RawData     []byte
	DriftGeom   []byte
	DriftVector []byte
	CreatedAt   time.Time
}

func (r *hazardRow) event(decode func([]byte) (orb.Geometry, error)) (*model.HazardEvent, error) {
	src, err := model.ParseSource(r.Source)
	if err != nil {
		return nil, eris.Wrapf(err, "store: hazard event %s", r.ID)
	}
	e := &model.HazardEvent{
		ID:              r.ID,
		Source:          src,
		SourceID:        r.SourceID,
		HailSizeMaxIn:   r.HailSize,
		WindSpeedMaxMph: r.WindSpeed,
		EventStart:      r.EventStart,
		EventEnd:        r.EventEnd,
		CreatedAt:       r.CreatedAt,
	}
	if e.Geometry, err = decode(r.Geometry); err != nil {
		return nil, eris.Wrapf(err, "store: hazard event %s geometry", r.ID)
	}
	if len(r.DriftGeom) > 0 {
		if e.DriftCorrectedGeometry, err = decode(r.DriftGeom); err != nil {
			return nil, eris.Wrapf(err, "store: hazard event %s drift geometry", r.ID)
		}
	}
	if len(r.RawData) > 0 {
		if err := json.Unmarshal(r.RawData, &e.RawData); err != nil {
			return nil, eris.Wrapf(err, "store: hazard event %s raw data", r.ID)
		}
	}
	if len(r.DriftVector) > 0 {
		e.DriftVector = &model.DriftVector{}
		if err := json.Unmarshal(r.DriftVector, e.DriftVector); err != nil {
			return nil, eris.Wrapf(err, "store: hazard event %s drift vector", r.ID)
		}
	}
	return e, nil
}

// marshalRaw returns nil for an empty map so the column stays NULL.
func marshalRaw(raw map[string]any) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	return data, eris.Wrap(err, "store: marshal raw data")
}

// dedupeEvents drops later duplicates of the same (source, source_id).
func dedupeEvents(events []model.HazardEvent) []model.HazardEvent {
	type key struct {
		src model.Source
		id  string
	}
	seen := make(map[key]bool, len(events))
	out := make([]model.HazardEvent, 0, len(events))
	for _, e := range events {
		k := key{e.Source, e.SourceID}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}

func sourceNames(sources []model.Source) []string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.String()
	}
	return names
}
