package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/sells-group/hailtrace/internal/db"
	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/runlog"
)

// PostgresStore implements Store on PostGIS using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	runs    *runlog.Postgres
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	s := newPostgresStore(pool)
	s.closeFn = pool.Close
	return s, nil
}

func newPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, runs: runlog.NewPostgres(pool)}
}

// Pool exposes the underlying pool.
func (s *PostgresStore) Pool() db.Pool { return s.pool }

// RunLog implements Store.
func (s *PostgresStore) RunLog() runlog.RunLog { return s.runs }

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate implements Store.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.pool)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

var hazardColumns = []string{
	"id", "source", "source_id", "geometry", "hail_size_max_in", "wind_speed_max_mph",
	"event_start", "event_end", "raw_data", "created_at",
}

const hazardSelect = `SELECT id::text, source, source_id, ST_AsEWKB(geometry), hail_size_max_in,
	wind_speed_max_mph, event_start, event_end, raw_data, ST_AsEWKB(drift_corrected_geometry),
	drift_vector, created_at
	FROM storm.hazard_events`

// InsertIgnoreConflict implements HazardStore.
func (s *PostgresStore) InsertIgnoreConflict(ctx context.Context, events []model.HazardEvent) (int64, error) {
	events = dedupeEvents(events)
	if len(events) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		g, err := EncodeEWKB(e.Geometry)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: event %s", e.SourceID)
		}
		if g == nil {
			return 0, eris.Errorf("postgres: event %s has no geometry", e.SourceID)
		}
		raw, err := marshalRaw(e.RawData)
		if err != nil {
			return 0, err
		}
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows = append(rows, []any{
			id, e.Source.String(), e.SourceID, g, e.HailSizeMaxIn, e.WindSpeedMaxMph,
			e.EventStart, e.EventEnd, raw, created,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:           "storm.hazard_events",
		Columns:         hazardColumns,
		ConflictKeys:    []string{"source", "source_id"},
		IgnoreConflicts: true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert hazard events")
	}
	return n, nil
}

func scanHazard(row rowScanner) (*model.HazardEvent, error) {
	var r hazardRow
	if err := row.Scan(&r.ID, &r.Source, &r.SourceID, &r.Geometry, &r.HailSize, &r.WindSpeed,
		&r.EventStart, &r.EventEnd, &r.RawData, &r.DriftGeom, &r.DriftVector, &r.CreatedAt); err != nil {
		return nil, err
	}
	return r.event(DecodeEWKB)
}

// GetHazardEvent implements HazardStore.
func (s *PostgresStore) GetHazardEvent(ctx context.Context, id string) (*model.HazardEvent, error) {
	e, err := scanHazard(s.pool.QueryRow(ctx, hazardSelect+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &model.NotFoundError{Kind: "hazard event", ID: id}
		}
		return nil, eris.Wrapf(err, "postgres: get hazard event %s", id)
	}
	return e, nil
}

func (s *PostgresStore) queryHazards(ctx context.Context, sql string, args ...any) ([]model.HazardEvent, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query hazard events")
	}
	defer rows.Close()

	var out []model.HazardEvent
	for rows.Next() {
		e, err := scanHazard(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan hazard event")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate hazard events")
}

// SelectRecent implements HazardStore. CreatedSince queries return every
// matching row oldest insert first; others return the newest reference time
// first, capped at the default limit.
func (s *PostgresStore) SelectRecent(ctx context.Context, f model.RecentFilter) ([]model.HazardEvent, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !f.Since.IsZero() {
		where = append(where, "COALESCE(event_start, event_end, created_at) >= "+arg(f.Since))
	}
	if !f.CreatedSince.IsZero() {
		where = append(where, "created_at >= "+arg(f.CreatedSince))
	}
	if len(f.Sources) > 0 {
		where = append(where, "source = ANY("+arg(sourceNames(f.Sources))+")")
	}
	if f.MinHailIn > 0 {
		where = append(where, "hail_size_max_in >= "+arg(f.MinHailIn))
	}

	q := hazardSelect
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if !f.CreatedSince.IsZero() {
		q += " ORDER BY created_at"
	} else {
		q += " ORDER BY COALESCE(event_start, event_end, created_at) DESC"
	}
	if limit := recentLimit(f); limit > 0 {
		q += " LIMIT " + arg(limit)
	}
	return s.queryHazards(ctx, q, args...)
}

// SelectPendingDrift implements HazardStore.
func (s *PostgresStore) SelectPendingDrift(ctx context.Context, limit int) ([]model.HazardEvent, error) {
	if limit <= 0 {
		limit = PendingDriftLimit
	}
	return s.queryHazards(ctx, hazardSelect+`
		WHERE drift_corrected_geometry IS NULL AND hail_size_max_in > 0
		ORDER BY created_at LIMIT $1`, limit)
}

// UpdateDrift implements HazardStore.
func (s *PostgresStore) UpdateDrift(ctx context.Context, id string, g orb.Geometry, v model.DriftVector) (bool, error) {
	data, err := EncodeEWKB(g)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: drift geometry %s", id)
	}
	vec, err := json.Marshal(v)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal drift vector")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE storm.hazard_events
		 SET drift_corrected_geometry = ST_GeomFromEWKB($1), drift_vector = $2
		 WHERE id = $3 AND drift_corrected_geometry IS NULL`,
		data, vec, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update drift %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

var propertyColumns = []string{
	"county_parcel_id", "address_line1", "city", "zip", "location", "owner_name",
	"year_built", "assessed_value", "county", "data_source", "updated_at",
}

// UpsertProperties implements PropertyStore.
func (s *PostgresStore) UpsertProperties(ctx context.Context, props []model.Property) (int64, error) {
	props = model.DedupeProperties(props)
	if len(props) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(props))
	for _, p := range props {
		loc, err := EncodeEWKB(p.Location)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: parcel %s", p.CountyParcelID)
		}
		updated := p.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		var year *int32
		if p.YearBuilt != nil {
			y := int32(*p.YearBuilt)
			year = &y
		}
		rows = append(rows, []any{
			p.CountyParcelID, p.AddressLine1, p.City, p.Zip, loc, p.OwnerName,
			year, p.AssessedValue, p.County, p.DataSource, updated,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "storm.properties",
		Columns:      propertyColumns,
		ConflictKeys: []string{"county_parcel_id"},
		UpdateExprs: map[string]string{
			"owner_name":     "COALESCE(EXCLUDED.owner_name, t.owner_name)",
			"year_built":     "COALESCE(EXCLUDED.year_built, t.year_built)",
			"assessed_value": "COALESCE(EXCLUDED.assessed_value, t.assessed_value)",
		},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert properties")
	}
	return n, nil
}

// CountPropertiesInBBox implements PropertyStore.
func (s *PostgresStore) CountPropertiesInBBox(ctx context.Context, b orb.Bound) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM storm.properties
		 WHERE location && ST_MakeEnvelope($1, $2, $3, $4, 4326)`,
		b.Min[0], b.Min[1], b.Max[0], b.Max[1],
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count properties in bbox")
	}
	return n, nil
}
