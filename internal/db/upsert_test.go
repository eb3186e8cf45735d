package db

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "storm.test",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "storm.test",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "storm.test",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_IgnoreConflicts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_storm_hazard_events"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_storm_hazard_events"}, []string{"source", "source_id"}).
		WillReturnResult(2)
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT ("source", "source_id") DO NOTHING`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:           "storm.hazard_events",
		Columns:         []string{"source", "source_id"},
		ConflictKeys:    []string{"source", "source_id"},
		IgnoreConflicts: true,
	}, [][]any{{"tabular-report", "a"}, {"tabular-report", "b"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_storm_properties"}, []string{"county_parcel_id", "city"}).
		WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "storm.properties",
		Columns:      []string{"county_parcel_id", "city"},
		ConflictKeys: []string{"county_parcel_id"},
	}, [][]any{{"P1", "Austin"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table for storm.properties")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildConflictClause(t *testing.T) {
	tests := []struct {
		name string
		cfg  UpsertConfig
		want string
	}{
		{
			name: "defaults to all non-key columns",
			cfg: UpsertConfig{
				Columns:      []string{"id", "name", "value"},
				ConflictKeys: []string{"id"},
			},
			want: `ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name", "value" = EXCLUDED."value"`,
		},
		{
			name: "custom expressions",
			cfg: UpsertConfig{
				Columns:      []string{"id", "owner"},
				ConflictKeys: []string{"id"},
				UpdateExprs:  map[string]string{"owner": `COALESCE(EXCLUDED."owner", t."owner")`},
			},
			want: `ON CONFLICT ("id") DO UPDATE SET "owner" = COALESCE(EXCLUDED."owner", t."owner")`,
		},
		{
			name: "do nothing",
			cfg: UpsertConfig{
				Columns:         []string{"a", "b"},
				ConflictKeys:    []string{"a", "b"},
				IgnoreConflicts: true,
			},
			want: `ON CONFLICT ("a", "b") DO NOTHING`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildConflictClause(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := buildConflictClause(UpsertConfig{Columns: []string{"id"}, ConflictKeys: []string{"id"}})
	assert.Error(t, err)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"storm.properties", `"storm"."properties"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}
