package source

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hailtrace/internal/contour"
	"github.com/sells-group/hailtrace/internal/fetcher"
	"github.com/sells-group/hailtrace/internal/grib2"
	"github.com/sells-group/hailtrace/internal/model"
)

// DefaultMESHURL is the MRMS 24-hour maximum MESH product directory.
const DefaultMESHURL = "https://mrms.ncep.noaa.gov/data/2D/MESH_Max_1440min/"

const (
	meshSuffix = ".grib2.gz"
	mmPerInch  = 25.4
)

// DefaultHailThresholdsIn is the contour ladder in inches.
var DefaultHailThresholdsIn = []float64{1.0, 1.5, 2.0, 2.5, 3.0}

var meshTimestamp = regexp.MustCompile(`(\d{8})-(\d{6})`)

// MESHConfig configures the grid adapter.
type MESHConfig struct {
	DirURL       string
	ThresholdsIn []float64
	// Window is the accumulation period ending at the file time.
	Window    time.Duration
	Tolerance float64
}

// MESH is the continuous-grid adapter.
type MESH struct {
	cfg    MESHConfig
	remote Remote
}

// NewMESH creates the grid adapter.
func NewMESH(cfg MESHConfig, remote Remote) *MESH {
	if cfg.DirURL == "" {
		cfg.DirURL = DefaultMESHURL
	}
	if len(cfg.ThresholdsIn) == 0 {
		cfg.ThresholdsIn = DefaultHailThresholdsIn
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = contour.DefaultTolerance
	}
	return &MESH{cfg: cfg, remote: remote}
}

// Kind implements Adapter.
func (a *MESH) Kind() model.Source { return model.SourceGrid }

// FileTime parses the YYYYMMDD-HHMMSS timestamp embedded in an MRMS file
// name.
func FileTime(name string) (time.Time, bool) {
	m := meshTimestamp.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", m[1]+m[2])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// latest picks the newest grid file, by the time in its name and falling
// back to the listing's modification time.
func latest(entries []fetcher.Entry) (fetcher.Entry, time.Time, bool) {
	type candidate struct {
		entry fetcher.Entry
		at    time.Time
	}
	var cands []candidate
	for _, e := range entries {
		if !strings.HasSuffix(e.Name, meshSuffix) {
			continue
		}
		at, ok := FileTime(e.Name)
		if !ok {
			at = e.ModTime
		}
		cands = append(cands, candidate{e, at})
	}
	if len(cands) == 0 {
		return fetcher.Entry{}, time.Time{}, false
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].at.Equal(cands[j].at) {
			return cands[i].at.After(cands[j].at)
		}
		return cands[i].entry.Name > cands[j].entry.Name
	})
	return cands[0].entry, cands[0].at.UTC(), true
}

// Fetch implements Adapter.
func (a *MESH) Fetch(ctx context.Context) (*Batch, error) {
	log := zap.L().With(zap.String("component", "source.mesh"))

	entries, err := a.remote.List(ctx, a.cfg.DirURL)
	if err != nil {
		return nil, eris.Wrapf(err, "mesh: list %s", a.cfg.DirURL)
	}
	entry, fileTime, ok := latest(entries)
	if !ok {
		return nil, eris.Errorf("mesh: no %s files in %s", meshSuffix, a.cfg.DirURL)
	}

	body, err := a.remote.Download(ctx, entry.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "mesh: download %s", entry.Name)
	}
	defer body.Close() //nolint:errcheck

	raw, err := fetcher.Gunzip(body)
	if err != nil {
		return nil, eris.Wrapf(err, "mesh: decompress %s", entry.Name)
	}
	grid, err := grib2.Decode(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "mesh: decode %s", entry.Name)
	}
	if grid.Quality != grib2.QualityOK {
		log.Warn("grid decoded with reduced quality",
			zap.String("file", entry.Name),
			zap.String("quality", grid.Quality.String()),
		)
	}

	batch := newBatch()
	batch.Meta["file"] = entry.Name
	batch.Meta["quality"] = grid.Quality.String()
	batch.Events = normalizeGrid(entry.Name, fileTime, a.cfg, grid)

	log.Info("grid contoured",
		zap.String("file", entry.Name),
		zap.Int("width", grid.Width),
		zap.Int("height", grid.Height),
		zap.Int("events", len(batch.Events)),
	)
	return batch, nil
}

// normalizeGrid contours the grid (in millimetres) at each inch threshold and
// emits one event per threshold feature.
func normalizeGrid(name string, fileTime time.Time, cfg MESHConfig, grid *grib2.GridMessage) []model.HazardEvent {
	inches := make(map[float64]float64, len(cfg.ThresholdsIn))
	mm := make([]float64, len(cfg.ThresholdsIn))
	for i, in := range cfg.ThresholdsIn {
		mm[i] = in * mmPerInch
		inches[mm[i]] = in
	}

	features := contour.Extract(grid, mm, contour.Options{Tolerance: cfg.Tolerance})
	events := make([]model.HazardEvent, 0, len(features))
	for _, f := range features {
		thrMM, _ := f.Properties[contour.PropThreshold].(float64)
		in := inches[thrMM]
		ev := model.HazardEvent{
			Source:        model.SourceGrid,
			SourceID:      fmt.Sprintf("%s:%.1f", name, in),
			Geometry:      f.Geometry,
			HailSizeMaxIn: model.Float64(in),
			RawData: map[string]any{
				"file":         name,
				"threshold_mm": thrMM,
				"quality":      grid.Quality.String(),
			},
		}
		if !fileTime.IsZero() {
			ev.EventStart = model.Time(fileTime.Add(-cfg.Window))
			ev.EventEnd = model.Time(fileTime)
		}
		if !grid.ReferenceTime.IsZero() {
			ev.RawData["reference_time"] = grid.ReferenceTime.UTC().Format(time.RFC3339)
		}
		events = append(events, ev)
	}
	return events
}
