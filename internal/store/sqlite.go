package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/runlog"
)

// SQLiteStore implements Store using modernc.org/sqlite. Geometries are
// stored as GeoJSON text with envelope columns for bbox filtering.
type SQLiteStore struct {
	db    *sql.DB
	clock clockwork.Clock
	runs  *runlog.SQLite
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	s := &SQLiteStore{db: db}
	s.SetClock(clockwork.NewRealClock())
	return s, nil
}

// SetClock replaces the clock used for created/updated timestamps.
func (s *SQLiteStore) SetClock(c clockwork.Clock) {
	s.clock = c
	s.runs = runlog.NewSQLite(s.db, c)
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS hazard_events (
	id                       TEXT PRIMARY KEY,
	source                   TEXT NOT NULL,
	source_id                TEXT NOT NULL,
	geometry                 TEXT NOT NULL,
	min_lon                  REAL NOT NULL,
	min_lat                  REAL NOT NULL,
	max_lon                  REAL NOT NULL,
	max_lat                  REAL NOT NULL,
	hail_size_max_in         REAL,
	wind_speed_max_mph       REAL,
	event_start              TEXT,
	event_end                TEXT,
	ref_time                 TEXT NOT NULL,
	raw_data                 TEXT,
	drift_corrected_geometry TEXT,
	drift_vector             TEXT,
	created_at               TEXT NOT NULL,
	UNIQUE (source, source_id)
);

CREATE TABLE IF NOT EXISTS properties (
	county_parcel_id TEXT PRIMARY KEY,
	address_line1    TEXT NOT NULL DEFAULT '',
	city             TEXT NOT NULL DEFAULT '',
	zip              TEXT NOT NULL DEFAULT '',
	lon              REAL NOT NULL,
	lat              REAL NOT NULL,
	owner_name       TEXT,
	year_built       INTEGER,
	assessed_value   REAL,
	county           TEXT NOT NULL DEFAULT '',
	data_source      TEXT NOT NULL DEFAULT '',
	updated_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_hazard_events_ref_time ON hazard_events(ref_time);
CREATE INDEX IF NOT EXISTS idx_hazard_events_created_at ON hazard_events(created_at);
CREATE INDEX IF NOT EXISTS idx_properties_lon_lat ON properties(lon, lat);
`

// Migrate implements Store.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return s.runs.Migrate(ctx)
}

// RunLog implements Store.
func (s *SQLiteStore) RunLog() runlog.RunLog { return s.runs }

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(runlog.TimeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(runlog.TimeLayout, s.String)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse time %q", s.String)
	}
	return &t, nil
}

func encodeGeoJSON(g orb.Geometry) (string, error) {
	data, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return "", eris.Wrap(err, "sqlite: encode geojson")
	}
	return string(data), nil
}

func decodeGeoJSON(data []byte) (orb.Geometry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: decode geojson")
	}
	return g.Geometry(), nil
}

// InsertIgnoreConflict implements HazardStore.
func (s *SQLiteStore) InsertIgnoreConflict(ctx context.Context, events []model.HazardEvent) (int64, error) {
	events = dedupeEvents(events)
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO hazard_events
		(id, source, source_id, geometry, min_lon, min_lat, max_lon, max_lat,
		 hail_size_max_in, wind_speed_max_mph, event_start, event_end, ref_time, raw_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, source_id) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	now := s.clock.Now().UTC()
	var inserted int64
	for _, e := range events {
		if e.Geometry == nil {
			return 0, eris.Errorf("sqlite: event %s has no geometry", e.SourceID)
		}
		g, err := encodeGeoJSON(e.Geometry)
		if err != nil {
			return 0, err
		}
		raw, err := marshalRaw(e.RawData)
		if err != nil {
			return 0, err
		}
		var rawText *string
		if raw != nil {
			r := string(raw)
			rawText = &r
		}
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		b := e.Geometry.Bound()
		res, err := stmt.ExecContext(ctx,
			id, e.Source.String(), e.SourceID, g, b.Min[0], b.Min[1], b.Max[0], b.Max[1],
			e.HailSizeMaxIn, e.WindSpeedMaxMph, formatTimePtr(e.EventStart), formatTimePtr(e.EventEnd),
			formatTime(e.ReferenceTime()), rawText, formatTime(e.CreatedAt),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert event %s", e.SourceID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit")
	}
	return inserted, nil
}

const sqliteHazardSelect = `SELECT id, source, source_id, geometry, hail_size_max_in, wind_speed_max_mph,
	event_start, event_end, raw_data, drift_corrected_geometry, drift_vector, created_at
	FROM hazard_events`

func scanSQLiteHazard(row rowScanner) (*model.HazardEvent, error) {
	var r hazardRow
	var geom string
	var start, end, raw, driftGeom, driftVec sql.NullString
	var hail, wind sql.NullFloat64
	var created string
	if err := row.Scan(&r.ID, &r.Source, &r.SourceID, &geom, &hail, &wind,
		&start, &end, &raw, &driftGeom, &driftVec, &created); err != nil {
		return nil, err
	}

	var err error
	r.Geometry = []byte(geom)
	if hail.Valid {
		r.HailSize = &hail.Float64
	}
	if wind.Valid {
		r.WindSpeed = &wind.Float64
	}
	if r.EventStart, err = parseTimePtr(start); err != nil {
		return nil, err
	}
	if r.EventEnd, err = parseTimePtr(end); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = time.Parse(runlog.TimeLayout, created); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse created_at %q", created)
	}
	r.RawData = []byte(raw.String)
	r.DriftGeom = []byte(driftGeom.String)
	r.DriftVector = []byte(driftVec.String)
	return r.event(decodeGeoJSON)
}

// GetHazardEvent implements HazardStore.
func (s *SQLiteStore) GetHazardEvent(ctx context.Context, id string) (*model.HazardEvent, error) {
	e, err := scanSQLiteHazard(s.db.QueryRowContext(ctx, sqliteHazardSelect+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &model.NotFoundError{Kind: "hazard event", ID: id}
		}
		return nil, eris.Wrapf(err, "sqlite: get hazard event %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) queryHazards(ctx context.Context, q string, args ...any) ([]model.HazardEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query hazard events")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.HazardEvent
	for rows.Next() {
		e, err := scanSQLiteHazard(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan hazard event")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate hazard events")
}

// SelectRecent implements HazardStore with the same ordering and limits as
// the Postgres store.
func (s *SQLiteStore) SelectRecent(ctx context.Context, f model.RecentFilter) ([]model.HazardEvent, error) {
	var where []string
	var args []any
	if !f.Since.IsZero() {
		where = append(where, "ref_time >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.CreatedSince.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.CreatedSince))
	}
	if len(f.Sources) > 0 {
		where = append(where, fmt.Sprintf("source IN (%s)", strings.TrimSuffix(strings.Repeat("?,", len(f.Sources)), ",")))
		for _, name := range sourceNames(f.Sources) {
			args = append(args, name)
		}
	}
	if f.MinHailIn > 0 {
		where = append(where, "hail_size_max_in >= ?")
		args = append(args, f.MinHailIn)
	}

	q := sqliteHazardSelect
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if !f.CreatedSince.IsZero() {
		q += " ORDER BY created_at"
	} else {
		q += " ORDER BY ref_time DESC"
	}
	if limit := recentLimit(f); limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryHazards(ctx, q, args...)
}

// SelectPendingDrift implements HazardStore.
func (s *SQLiteStore) SelectPendingDrift(ctx context.Context, limit int) ([]model.HazardEvent, error) {
	if limit <= 0 {
		limit = PendingDriftLimit
	}
	return s.queryHazards(ctx, sqliteHazardSelect+`
		WHERE drift_corrected_geometry IS NULL AND hail_size_max_in > 0
		ORDER BY created_at LIMIT ?`, limit)
}

// UpdateDrift implements HazardStore.
func (s *SQLiteStore) UpdateDrift(ctx context.Context, id string, g orb.Geometry, v model.DriftVector) (bool, error) {
	geom, err := encodeGeoJSON(g)
	if err != nil {
		return false, err
	}
	vec, err := json.Marshal(v)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal drift vector")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE hazard_events SET drift_corrected_geometry = ?, drift_vector = ?
		 WHERE id = ? AND drift_corrected_geometry IS NULL`,
		geom, string(vec), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update drift %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// UpsertProperties implements PropertyStore.
func (s *SQLiteStore) UpsertProperties(ctx context.Context, props []model.Property) (int64, error) {
	props = model.DedupeProperties(props)
	if len(props) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO properties
		(county_parcel_id, address_line1, city, zip, lon, lat, owner_name, year_built,
		 assessed_value, county, data_source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (county_parcel_id) DO UPDATE SET
			address_line1 = excluded.address_line1,
			city = excluded.city,
			zip = excluded.zip,
			lon = excluded.lon,
			lat = excluded.lat,
			owner_name = COALESCE(excluded.owner_name, properties.owner_name),
			year_built = COALESCE(excluded.year_built, properties.year_built),
			assessed_value = COALESCE(excluded.assessed_value, properties.assessed_value),
			county = excluded.county,
			data_source = excluded.data_source,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	now := s.clock.Now()
	var n int64
	for _, p := range props {
		updated := p.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		if _, err := stmt.ExecContext(ctx,
			p.CountyParcelID, p.AddressLine1, p.City, p.Zip, p.Location[0], p.Location[1],
			p.OwnerName, p.YearBuilt, p.AssessedValue, p.County, p.DataSource, formatTime(updated),
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert parcel %s", p.CountyParcelID)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit")
	}
	return n, nil
}

// CountPropertiesInBBox implements PropertyStore.
func (s *SQLiteStore) CountPropertiesInBBox(ctx context.Context, b orb.Bound) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM properties
		 WHERE lon BETWEEN ? AND ? AND lat BETWEEN ? AND ?`,
		b.Min[0], b.Max[0], b.Min[1], b.Max[1],
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count properties in bbox")
	}
	return n, nil
}

// GetProperty returns one parcel by county parcel id.
func (s *SQLiteStore) GetProperty(ctx context.Context, parcelID string) (*model.Property, error) {
	var p model.Property
	var owner sql.NullString
	var year sql.NullInt64
	var value sql.NullFloat64
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT county_parcel_id, address_line1, city, zip, lon, lat, owner_name, year_built,
		        assessed_value, county, data_source, updated_at
		 FROM properties WHERE county_parcel_id = ?`, parcelID,
	).Scan(&p.CountyParcelID, &p.AddressLine1, &p.City, &p.Zip, &p.Location[0], &p.Location[1],
		&owner, &year, &value, &p.County, &p.DataSource, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &model.NotFoundError{Kind: "property", ID: parcelID}
		}
		return nil, eris.Wrapf(err, "sqlite: get property %s", parcelID)
	}
	if owner.Valid {
		p.OwnerName = &owner.String
	}
	if year.Valid {
		y := int(year.Int64)
		p.YearBuilt = &y
	}
	if value.Valid {
		p.AssessedValue = &value.Float64
	}
	if p.UpdatedAt, err = time.Parse(runlog.TimeLayout, updated); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse updated_at %q", updated)
	}
	return &p, nil
}
