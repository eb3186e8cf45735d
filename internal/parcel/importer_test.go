package parcel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hailtrace/internal/fetcher"
	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/runlog"
	"github.com/sells-group/hailtrace/internal/store"
)

var testFields = FieldMap{
	ParcelID:      "PROP_ID",
	Address:       "SITUS",
	City:          "CITY",
	Zip:           "ZIP",
	Owner:         "OWNER",
	YearBuilt:     "YR_BUILT",
	AssessedValue: "MKT_VAL",
}

// layer serves an ArcGIS query endpoint backed by a fixed feature list.
type layer struct {
	mu       sync.Mutex
	count    int
	features []map[string]any
	offsets  []int
	queries  []map[string]string
	errBody  string
}

func (l *layer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := map[string]string{}
	for k := range r.URL.Query() {
		q[k] = r.URL.Query().Get(k)
	}
	l.queries = append(l.queries, q)

	w.Header().Set("Content-Type", "application/json")
	if l.errBody != "" {
		_, _ = w.Write([]byte(l.errBody))
		return
	}
	if q["returnCountOnly"] == "true" {
		_ = json.NewEncoder(w).Encode(map[string]any{"count": l.count})
		return
	}

	offset, _ := strconv.Atoi(q["resultOffset"])
	size, _ := strconv.Atoi(q["resultRecordCount"])
	l.offsets = append(l.offsets, offset)
	page := []map[string]any{}
	if offset < len(l.features) {
		end := min(offset+size, len(l.features))
		page = l.features[offset:end]
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"features": page})
}

func square(w, s, size float64) map[string]any {
	return map[string]any{"rings": [][][]float64{{
		{w, s}, {w + size, s}, {w + size, s + size}, {w, s + size}, {w, s},
	}}}
}

func travisFeatures() []map[string]any {
	return []map[string]any{
		{
			"attributes": map[string]any{
				"PROP_ID": "R1", "SITUS": "123 MAIN ST", "CITY": "AUSTIN", "ZIP": 78701,
				"OWNER": "DOE JANE", "YR_BUILT": 1998, "MKT_VAL": 350000,
			},
			"geometry": square(-97.75, 30.25, 0.01),
		},
		{
			"attributes": map[string]any{"PROP_ID": "R1", "SITUS": "DUPLICATE"},
			"geometry":   square(-97.75, 30.25, 0.01),
		},
		{
			"attributes": map[string]any{"PROP_ID": 2002, "SITUS": nil, "CITY": "ROUND ROCK"},
			"geometry":   map[string]any{"x": -97.7, "y": 30.3},
		},
		{
			"attributes": map[string]any{"SITUS": "NO ID"},
			"geometry":   map[string]any{"x": -97.7, "y": 30.3},
		},
		{
			"attributes": map[string]any{"PROP_ID": "R5"},
			"geometry":   map[string]any{"x": "n/a", "y": 30.3},
		},
	}
}

type harness struct {
	st    *store.SQLiteStore
	clock *clockwork.FakeClock
	imp   *Importer
}

func newHarness(t *testing.T, regions ...RegionConfig) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "parcels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 29, 12, 0, 0, 0, time.UTC))
	st.SetClock(clock)
	require.NoError(t, st.Migrate(context.Background()))

	client := NewClient(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{MaxRetries: 1}))
	imp := NewImporter(client, st, st.RunLog(), regions, nil, clock, Config{PageDelay: time.Millisecond, Concurrency: 1})
	return &harness{st: st, clock: clock, imp: imp}
}

func TestImportRegion_PagesUntilEmptyPage(t *testing.T) {
	l := &layer{count: 7, features: travisFeatures()}
	srv := httptest.NewServer(l)
	defer srv.Close()

	h := newHarness(t, RegionConfig{
		Name: "travis", URL: srv.URL + "/arcgis/rest/services/Parcels/MapServer/0",
		County: "Travis", Extent: Extent{-98.2, 30.0, -97.3, 30.6}, PageSize: 2, Fields: testFields,
	})
	ctx := context.Background()

	res, err := h.imp.ImportRegion(ctx, "travis", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Total, "stale count is reported as given")
	assert.Equal(t, int64(2), res.Count)
	assert.Equal(t, 4, res.Pages)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []int{0, 2, 4, 5}, l.offsets)

	first := l.queries[1]
	assert.Equal(t, "4326", first["outSR"])
	assert.Equal(t, "json", first["f"])
	assert.Equal(t, "1=1", first["where"])
	assert.Equal(t, "2", first["resultRecordCount"])
	assert.Equal(t, "PROP_ID,SITUS,CITY,ZIP,OWNER,YR_BUILT,MKT_VAL", first["outFields"])
	assert.Empty(t, first["geometry"])

	p, err := h.st.GetProperty(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "123 Main St", p.AddressLine1, "first duplicate wins")
	assert.Equal(t, "Austin", p.City)
	assert.Equal(t, "78701", p.Zip)
	assert.Equal(t, "Travis", p.County)
	assert.Equal(t, "arcgis:travis", p.DataSource)
	require.NotNil(t, p.OwnerName)
	assert.Equal(t, "DOE JANE", *p.OwnerName)
	require.NotNil(t, p.YearBuilt)
	assert.Equal(t, 1998, *p.YearBuilt)
	require.NotNil(t, p.AssessedValue)
	assert.Equal(t, 350000.0, *p.AssessedValue)
	assert.InDelta(t, -97.745, p.Location[0], 1e-9)
	assert.InDelta(t, 30.255, p.Location[1], 1e-9)

	p2, err := h.st.GetProperty(ctx, "2002")
	require.NoError(t, err)
	assert.Equal(t, orb.Point{-97.7, 30.3}, p2.Location)
	assert.Nil(t, p2.OwnerName)

	entries, err := h.st.RunLog().Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, runlog.ParcelJob("travis"), entries[0].Job)
	assert.Equal(t, runlog.StatusComplete, entries[0].Status)
	assert.Equal(t, int64(2), entries[0].Rows)
}

func TestImportRegion_StopsAtCount(t *testing.T) {
	l := &layer{count: 2, features: travisFeatures()}
	srv := httptest.NewServer(l)
	defer srv.Close()

	h := newHarness(t, RegionConfig{
		Name: "travis", URL: srv.URL, Extent: Extent{-98.2, 30.0, -97.3, 30.6}, PageSize: 2, Fields: testFields,
	})
	res, err := h.imp.ImportRegion(context.Background(), "travis", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, []int{0}, l.offsets)
}

func TestImportRegion_ArcGISErrorBody(t *testing.T) {
	l := &layer{errBody: `{"error":{"code":498,"message":"Invalid token","details":[]}}`}
	srv := httptest.NewServer(l)
	defer srv.Close()

	h := newHarness(t, RegionConfig{
		Name: "travis", URL: srv.URL, Extent: Extent{-98.2, 30.0, -97.3, 30.6}, Fields: testFields,
	})
	ctx := context.Background()
	_, err := h.imp.ImportRegion(ctx, "travis", nil)
	require.Error(t, err)
	assert.True(t, fetcher.IsUpstream(err))
	assert.Contains(t, err.Error(), "Invalid token")

	entries, err := h.st.RunLog().Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, runlog.StatusFailed, entries[0].Status)
}

func TestImportRegion_UnknownRegion(t *testing.T) {
	h := newHarness(t)
	_, err := h.imp.ImportRegion(context.Background(), "nowhere", nil)
	assert.True(t, model.IsNotFound(err))
}

func TestImportBBox(t *testing.T) {
	travis := &layer{count: 5, features: travisFeatures()}
	texas := &layer{count: 0}
	harris := &layer{count: 0}
	mux := http.NewServeMux()
	mux.Handle("/travis/query", travis)
	mux.Handle("/texas/query", texas)
	mux.Handle("/harris/query", harris)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarness(t,
		RegionConfig{Name: "travis", URL: srv.URL + "/travis", Extent: Extent{-98.2, 30.0, -97.3, 30.6}, Fields: testFields},
		RegionConfig{Name: "texas", URL: srv.URL + "/texas", Statewide: true, Extent: Extent{-106.7, 25.8, -93.5, 36.5}, Fields: testFields},
		RegionConfig{Name: "harris", URL: srv.URL + "/harris", Extent: Extent{-95.9, 29.5, -94.9, 30.2}, Fields: testFields},
	)
	ctx := context.Background()
	bbox := orb.Bound{Min: orb.Point{-97.8, 30.2}, Max: orb.Point{-97.7, 30.3}}

	results, err := h.imp.ImportBBox(ctx, bbox, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "travis", results[0].Region)
	assert.Empty(t, texas.queries, "statewide layer skipped once parcels exist in the bbox")
	assert.Empty(t, harris.queries)

	results, err = h.imp.ImportBBox(ctx, bbox, 5)
	require.NoError(t, err)
	assert.Empty(t, results, "county imported within 30 days")

	h.clock.Advance(31 * 24 * time.Hour)
	results, err = h.imp.ImportBBox(ctx, bbox, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "travis", results[0].Region)
}

func TestImportBBox_StatewideIsFiltered(t *testing.T) {
	texas := &layer{count: 1, features: travisFeatures()[:1]}
	srv := httptest.NewServer(texas)
	defer srv.Close()

	h := newHarness(t, RegionConfig{
		Name: "texas", URL: srv.URL, Statewide: true, Extent: Extent{-106.7, 25.8, -93.5, 36.5}, Fields: testFields,
	})
	bbox := orb.Bound{Min: orb.Point{-97.8, 30.2}, Max: orb.Point{-97.7, 30.3}}
	results, err := h.imp.ImportBBox(context.Background(), bbox, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].Count)

	require.NotEmpty(t, texas.queries)
	for _, q := range texas.queries {
		assert.Equal(t, "esriGeometryEnvelope", q["geometryType"])
		assert.Equal(t, "4326", q["inSR"])
		assert.NotEmpty(t, q["geometry"])
	}
}
