package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hailtrace/internal/fetcher"
	"github.com/sells-group/hailtrace/internal/model"
)

const hailCSV = `Time,Size,Location,County,State,Lat,Lon,Comments
1455,175,AUSTIN,TRAVIS,TX,30.30,-97.70,3 SE AUSTIN
0130,100,WACO,MCLENNAN,TX,31.55,97.15,REPORTED VIA SOCIAL MEDIA, DELAYED
1600,row
1500,UNK,NOWHERE,NONE,TX,abc,-97.0,
N/A,150,ROUND ROCK,WILLIAMSON,TX,30.50,-97.68,TIME MISSING
`

func newSPCServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSPC_FetchHailReports(t *testing.T) {
	srv := newSPCServer(t, map[string]string{"/today_hail.csv": hailCSV})
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 28, 20, 0, 0, 0, time.UTC))
	a := NewSPC(SPCConfig{BaseURL: srv.URL, Days: 1, Kinds: []ReportKind{ReportHail}},
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), clock)

	batch, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, 3, batch.Skipped, "short row, bad latitude and bad time")

	austin := batch.Events[0]
	assert.Equal(t, model.SourceReport, austin.Source)
	require.NotNil(t, austin.HailSizeMaxIn)
	assert.InDelta(t, 1.75, *austin.HailSizeMaxIn, 1e-9)
	assert.Equal(t, time.Date(2024, 5, 28, 14, 55, 0, 0, time.UTC), *austin.EventStart)
	assert.Equal(t, "TRAVIS", austin.RawData["county"])
	assert.Regexp(t, `^hail-[0-9a-f]{24}$`, austin.SourceID)

	poly, ok := austin.Geometry.(orb.Polygon)
	require.True(t, ok)
	require.Len(t, poly[0], circleVertices+1)
	centre := orb.Point{-97.70, 30.30}
	for _, p := range poly[0] {
		assert.InDelta(t, 1400, geo.Distance(centre, p), 1)
	}
	assert.True(t, planar.PolygonContains(poly, centre))

	waco := batch.Events[1]
	assert.Equal(t, time.Date(2024, 5, 29, 1, 30, 0, 0, time.UTC), *waco.EventStart, "pre-12Z reports roll to the next day")
	assert.InDelta(t, 1.0, *waco.HailSizeMaxIn, 1e-9)
	assert.Less(t, waco.Geometry.Bound().Center()[0], 0.0, "positive longitude is negated")
	assert.Equal(t, "REPORTED VIA SOCIAL MEDIA,DELAYED", waco.RawData["remarks"])
}

func TestSPC_ReprocessingIsDeterministic(t *testing.T) {
	srv := newSPCServer(t, map[string]string{"/today_hail.csv": hailCSV})
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 28, 20, 0, 0, 0, time.UTC))
	a := NewSPC(SPCConfig{BaseURL: srv.URL, Days: 1, Kinds: []ReportKind{ReportHail}},
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), clock)

	first, err := a.Fetch(context.Background())
	require.NoError(t, err)
	second, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(first.Events), len(second.Events))
	for i := range first.Events {
		assert.Equal(t, first.Events[i].SourceID, second.Events[i].SourceID)
	}
}

func TestSPC_FetchesDatedFilesForEarlierDays(t *testing.T) {
	srv := newSPCServer(t, map[string]string{
		"/240527_rpts_wind.csv": "1800,65,PLANO,COLLIN,TX,33.02,-96.70,TREES DOWN\n",
		"/today_wind.csv":       "Time,Speed,Location,County,State,Lat,Lon,Comments\n",
	})
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 29, 3, 0, 0, 0, time.UTC))
	a := NewSPC(SPCConfig{BaseURL: srv.URL, Kinds: []ReportKind{ReportWind}},
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), clock)

	batch, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	ev := batch.Events[0]
	assert.Nil(t, ev.HailSizeMaxIn)
	require.NotNil(t, ev.WindSpeedMaxMph)
	assert.Equal(t, 65.0, *ev.WindSpeedMaxMph)
	assert.Equal(t, time.Date(2024, 5, 27, 18, 0, 0, 0, time.UTC), *ev.EventStart)
	assert.Len(t, batch.Meta["files"], 2)
}

func TestSPC_OnlyFirstRowMayBeHeader(t *testing.T) {
	srv := newSPCServer(t, map[string]string{
		"/today_hail.csv": "1455,175,AUSTIN,TRAVIS,TX,30.30,-97.70,\nTime,Size,Location,County,State,Lat,Lon,Comments\n",
	})
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 28, 20, 0, 0, 0, time.UTC))
	a := NewSPC(SPCConfig{BaseURL: srv.URL, Days: 1, Kinds: []ReportKind{ReportHail}},
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), clock)

	batch, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch.Events, 1)
	assert.Equal(t, 1, batch.Skipped)
}

func TestSPC_MissingFileIsUpstreamError(t *testing.T) {
	srv := newSPCServer(t, map[string]string{})
	a := NewSPC(SPCConfig{BaseURL: srv.URL, Days: 1}, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), nil)

	_, err := a.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, fetcher.IsUpstream(err))
}

func TestNormalizeReport_Radii(t *testing.T) {
	day := time.Date(2024, 5, 28, 0, 0, 0, 0, time.UTC)
	centre := orb.Point{-97.7, 30.3}
	tests := []struct {
		name   string
		kind   ReportKind
		mag    string
		radius float64
	}{
		{"small hail floors at 800", ReportHail, "75", 800},
		{"unknown hail size", ReportHail, "UNK", 800},
		{"large hail scales", ReportHail, "250", 2000},
		{"wind", ReportWind, "60", 500},
		{"tornado", ReportTornado, "EF1", 600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := normalizeReport(tt.kind, day, []string{"1500", tt.mag, "X", "Y", "TX", "30.3", "-97.7"})
			require.NoError(t, err)
			ring := ev.Geometry.(orb.Polygon)[0]
			assert.InDelta(t, tt.radius, geo.Distance(centre, ring[0]), 1)
		})
	}
}

func TestNormalizeReport_Rejects(t *testing.T) {
	day := time.Date(2024, 5, 28, 0, 0, 0, 0, time.UTC)
	for _, row := range [][]string{
		{"1500", "100", "X"},
		{"2460", "100", "X", "Y", "TX", "30.3", "-97.7"},
		{"1500", "100", "X", "Y", "TX", "95", "-97.7"},
		{"1500", "100", "X", "Y", "TX", "30.3", "east"},
	} {
		_, err := normalizeReport(ReportHail, day, row)
		assert.Error(t, err, "%v", row)
	}
}

func TestConvectiveDay(t *testing.T) {
	assert.Equal(t, time.Date(2024, 5, 27, 0, 0, 0, 0, time.UTC), ConvectiveDay(time.Date(2024, 5, 28, 11, 59, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2024, 5, 28, 0, 0, 0, 0, time.UTC), ConvectiveDay(time.Date(2024, 5, 28, 12, 0, 0, 0, time.UTC)))
}

func TestReportID_DependsOnKindTimeAndPlace(t *testing.T) {
	at := time.Date(2024, 5, 28, 14, 55, 0, 0, time.UTC)
	base := reportID(ReportHail, at, 30.3, -97.7)
	assert.Equal(t, base, reportID(ReportHail, at, 30.3, -97.7))
	assert.NotEqual(t, base, reportID(ReportWind, at, 30.3, -97.7))
	assert.NotEqual(t, base, reportID(ReportHail, at.Add(time.Minute), 30.3, -97.7))
	assert.NotEqual(t, base, reportID(ReportHail, at, 30.31, -97.7))
}
