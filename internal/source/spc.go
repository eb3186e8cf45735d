package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hailtrace/internal/fetcher"
	"github.com/sells-group/hailtrace/internal/model"
)

// ReportKind is one SPC storm report file variant.
type ReportKind string

const (
	ReportHail    ReportKind = "hail"
	ReportWind    ReportKind = "wind"
	ReportTornado ReportKind = "torn"
)

// Damage-area radii for buffered reports.
const (
	minHailRadiusM   = 800.0
	hailRadiusPerIn  = 800.0
	windRadiusM      = 500.0
	tornadoRadiusM   = 600.0
	spcDayRolloverHr = 12
)

// DefaultSPCBaseURL serves the daily storm report CSVs.
const DefaultSPCBaseURL = "https://www.spc.noaa.gov/climo/reports/"

// SPCConfig configures the storm report adapter.
type SPCConfig struct {
	BaseURL string
	// Days is how many convective days to fetch, ending with today.
	Days  int
	Kinds []ReportKind
}

// SPC is the tabular-report adapter.
type SPC struct {
	cfg     SPCConfig
	fetcher fetcher.Fetcher
	clock   clockwork.Clock
}

// NewSPC creates the storm report adapter. A nil clock uses the real clock.
func NewSPC(cfg SPCConfig, f fetcher.Fetcher, clock clockwork.Clock) *SPC {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSPCBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Days <= 0 {
		cfg.Days = 2
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = []ReportKind{ReportHail, ReportWind, ReportTornado}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SPC{cfg: cfg, fetcher: f, clock: clock}
}

// Kind implements Adapter.
func (a *SPC) Kind() model.Source { return model.SourceReport }

// ConvectiveDay returns the SPC report date covering t. A convective day
// runs from 12Z to 12Z the next morning.
func ConvectiveDay(t time.Time) time.Time {
	t = t.UTC().Add(-spcDayRolloverHr * time.Hour)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// reportURL returns the CSV for a report date; the current day is only
// published under the today_ name.
func (a *SPC) reportURL(day, today time.Time, kind ReportKind) string {
	if day.Equal(today) {
		return fmt.Sprintf("%stoday_%s.csv", a.cfg.BaseURL, kind)
	}
	return fmt.Sprintf("%s%s_rpts_%s.csv", a.cfg.BaseURL, day.Format("060102"), kind)
}

// Fetch implements Adapter.
func (a *SPC) Fetch(ctx context.Context) (*Batch, error) {
	log := zap.L().With(zap.String("component", "source.spc"))
	today := ConvectiveDay(a.clock.Now())
	batch := newBatch()

	var files []string
	for d := a.cfg.Days - 1; d >= 0; d-- {
		day := today.AddDate(0, 0, -d)
		for _, kind := range a.cfg.Kinds {
			url := a.reportURL(day, today, kind)
			n, err := a.fetchFile(ctx, url, kind, day, batch)
			if err != nil {
				return nil, err
			}
			files = append(files, url)
			log.Debug("report file parsed", zap.String("url", url), zap.Int("events", n))
		}
	}

	batch.Meta["files"] = files
	log.Info("storm reports fetched",
		zap.Int("events", len(batch.Events)),
		zap.Int("skipped", batch.Skipped),
	)
	return batch, nil
}

func (a *SPC) fetchFile(ctx context.Context, url string, kind ReportKind, day time.Time, batch *Batch) (int, error) {
	body, err := a.fetcher.Download(ctx, url)
	if err != nil {
		return 0, eris.Wrapf(err, "spc: download %s", url)
	}
	defer body.Close() //nolint:errcheck

	rows, errs := fetcher.StreamCSV(ctx, body, fetcher.CSVOptions{LazyQuotes: true, TrimSpace: true})
	n := 0
	idx := 0
	for row := range rows {
		idx++
		if idx == 1 && isHeader(row) {
			continue
		}
		ev, err := normalizeReport(kind, day, row)
		if err != nil {
			batch.Skipped++
			zap.L().Debug("skipping storm report",
				zap.Error(&model.RecordError{Source: model.SourceReport, Index: idx, Reason: err.Error()}),
				zap.String("url", url),
			)
			continue
		}
		batch.Events = append(batch.Events, *ev)
		n++
	}
	if err := <-errs; err != nil {
		return n, eris.Wrapf(err, "spc: parse %s", url)
	}
	return n, nil
}

// isHeader reports whether the first row of a file is the column header.
// Later rows that fail to parse are counted as skipped reports.
func isHeader(row []string) bool {
	if len(row) == 0 || row[0] == "" {
		return true
	}
	_, err := strconv.Atoi(row[0])
	return err != nil
}

// normalizeReport turns one CSV row into a hazard event. Columns are
// time, magnitude, location, county, state, lat, lon, remarks...
func normalizeReport(kind ReportKind, day time.Time, row []string) (*model.HazardEvent, error) {
	if len(row) < 7 {
		return nil, eris.Errorf("expected at least 7 columns, got %d", len(row))
	}

	start, err := reportTime(day, row[0])
	if err != nil {
		return nil, err
	}
	lat, err := strconv.ParseFloat(row[5], 64)
	if err != nil || math.IsNaN(lat) || lat < -90 || lat > 90 {
		return nil, eris.Errorf("bad latitude %q", row[5])
	}
	lon, err := strconv.ParseFloat(row[6], 64)
	if err != nil || math.IsNaN(lon) || math.Abs(lon) > 180 {
		return nil, eris.Errorf("bad longitude %q", row[6])
	}
	// Reports list western hemisphere longitudes without the sign.
	if lon > 0 {
		lon = -lon
	}

	ev := &model.HazardEvent{
		Source:     model.SourceReport,
		SourceID:   reportID(kind, start, lat, lon),
		EventStart: model.Time(start),
		RawData: map[string]any{
			"kind":      string(kind),
			"magnitude": row[1],
			"location":  row[2],
			"county":    row[3],
			"state":     row[4],
			"remarks":   strings.Join(row[7:], ","),
		},
	}

	radius := windRadiusM
	switch kind {
	case ReportHail:
		size, ok := parseMagnitude(row[1])
		radius = minHailRadiusM
		if ok {
			if size >= 10 {
				size /= 100
			}
			ev.HailSizeMaxIn = model.Float64(size)
			radius = math.Max(minHailRadiusM, hailRadiusPerIn*size)
		}
	case ReportWind:
		if mph, ok := parseMagnitude(row[1]); ok {
			ev.WindSpeedMaxMph = model.Float64(mph)
		}
	case ReportTornado:
		radius = tornadoRadiusM
	}
	ev.Geometry = Circle(orb.Point{lon, lat}, radius)
	return ev, nil
}

// reportTime combines the report date and an HHMM time. Times before 12Z
// belong to the next calendar day.
func reportTime(day time.Time, hhmm string) (time.Time, error) {
	v, err := strconv.Atoi(hhmm)
	if err != nil || v < 0 || v > 2359 || v%100 > 59 {
		return time.Time{}, eris.Errorf("bad report time %q", hhmm)
	}
	h, m := v/100, v%100
	t := time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, time.UTC)
	if h < spcDayRolloverHr {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func parseMagnitude(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// reportID hashes the report kind, event time and location so the same
// report always maps to the same id.
func reportID(kind ReportKind, t time.Time, lat, lon float64) string {
	key := fmt.Sprintf("%s|%s|%.4f|%.4f", kind, t.UTC().Format(time.RFC3339), lat, lon)
	sum := sha256.Sum256([]byte(key))
	return string(kind) + "-" + hex.EncodeToString(sum[:])[:24]
}
