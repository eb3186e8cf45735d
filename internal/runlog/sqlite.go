package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
)

// TimeLayout is the fixed-width UTC layout used for SQLite timestamps so
// that text ordering matches time ordering.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	job          TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	rows_synced  INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_log_job ON sync_log(job, status, started_at);
`

// SQLite stores runs in a local sync_log table.
type SQLite struct {
	db    *sql.DB
	clock clockwork.Clock
}

// NewSQLite creates a run log on db. A nil clock uses the real clock.
func NewSQLite(db *sql.DB, clock clockwork.Clock) *SQLite {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SQLite{db: db, clock: clock}
}

// Migrate creates the sync_log table.
func (l *SQLite) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, sqliteSchema)
	return eris.Wrap(err, "runlog: sqlite migrate")
}

func (l *SQLite) now() string {
	return l.clock.Now().UTC().Format(TimeLayout)
}

// LastSuccess implements RunLog.
func (l *SQLite) LastSuccess(ctx context.Context, job string) (*time.Time, error) {
	var s string
	err := l.db.QueryRowContext(ctx,
		`SELECT started_at FROM sync_log
		 WHERE job = ? AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		job,
	).Scan(&s)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "runlog: last success for %s", job)
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: parse started_at %q", s)
	}
	return &t, nil
}

// Start implements RunLog.
func (l *SQLite) Start(ctx context.Context, job string) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO sync_log (job, status, started_at) VALUES (?, 'running', ?)`,
		job, l.now(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "runlog: start %s", job)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrapf(err, "runlog: start %s", job)
	}
	return id, nil
}

// Complete implements RunLog.
func (l *SQLite) Complete(ctx context.Context, id int64, result *Result) error {
	rows, metaJSON, err := resultColumns(result)
	if err != nil {
		return err
	}
	var meta *string
	if metaJSON != nil {
		s := string(metaJSON)
		meta = &s
	}
	_, err = l.db.ExecContext(ctx,
		`UPDATE sync_log SET status = 'complete', completed_at = ?, rows_synced = ?, metadata = ?
		 WHERE id = ?`,
		l.now(), rows, meta, id,
	)
	return eris.Wrapf(err, "runlog: complete run %d", id)
}

// Fail implements RunLog.
func (l *SQLite) Fail(ctx context.Context, id int64, errMsg string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE sync_log SET status = 'failed', completed_at = ?, error = ? WHERE id = ?`,
		l.now(), errMsg, id,
	)
	return eris.Wrapf(err, "runlog: fail run %d", id)
}

// Recent implements RunLog, newest first.
func (l *SQLite) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, job, status, started_at, completed_at, rows_synced, error, metadata
		 FROM sync_log ORDER BY started_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: recent")
	}
	defer rows.Close() //nolint:errcheck

	var entries []Entry
	for rows.Next() {
		var e Entry
		var started string
		var completed, errStr, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Job, &e.Status, &started, &completed, &e.Rows, &errStr, &meta); err != nil {
			return nil, eris.Wrap(err, "runlog: scan entry")
		}
		if e.StartedAt, err = time.Parse(TimeLayout, started); err != nil {
			return nil, eris.Wrapf(err, "runlog: parse started_at %q", started)
		}
		if completed.Valid {
			if t, err := time.Parse(TimeLayout, completed.String); err == nil {
				e.CompletedAt = &t
			}
		}
		e.Error = errStr.String
		if meta.Valid {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
