package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/hailtrace/internal/db"
)

// Postgres stores runs in storm.sync_log.
type Postgres struct {
	pool db.Pool
}

// NewPostgres creates a run log backed by the given connection pool.
func NewPostgres(pool db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// LastSuccess implements RunLog.
func (l *Postgres) LastSuccess(ctx context.Context, job string) (*time.Time, error) {
	var t time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT started_at FROM storm.sync_log
		 WHERE job = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		job,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "runlog: last success for %s", job)
	}
	return &t, nil
}

// Start implements RunLog.
func (l *Postgres) Start(ctx context.Context, job string) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO storm.sync_log (job, status, started_at)
		 VALUES ($1, 'running', now()) RETURNING id`,
		job,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "runlog: start %s", job)
	}
	return id, nil
}

// Complete implements RunLog.
func (l *Postgres) Complete(ctx context.Context, id int64, result *Result) error {
	rows, metaJSON, err := resultColumns(result)
	if err != nil {
		return err
	}

	_, err = l.pool.Exec(ctx,
		`UPDATE storm.sync_log
		 SET status = 'complete', completed_at = now(), rows_synced = $1, metadata = $2
		 WHERE id = $3`,
		rows, metaJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: complete run %d", id)
	}
	return nil
}

// Fail implements RunLog.
func (l *Postgres) Fail(ctx context.Context, id int64, errMsg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE storm.sync_log
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: fail run %d", id)
	}
	return nil
}

// Recent implements RunLog, newest first.
func (l *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id, job, status, started_at, completed_at, rows_synced, error, metadata
		 FROM storm.sync_log ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: recent")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Job, &e.Status, &e.StartedAt, &e.CompletedAt, &e.Rows, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "runlog: scan entry")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func resultColumns(result *Result) (int64, []byte, error) {
	if result == nil {
		return 0, nil, nil
	}
	var metaJSON []byte
	if result.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(result.Metadata)
		if err != nil {
			return 0, nil, eris.Wrap(err, "runlog: marshal metadata")
		}
	}
	return result.Rows, metaJSON, nil
}
