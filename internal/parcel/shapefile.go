package parcel

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hailtrace/internal/fetcher"
	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/runlog"
)

// ImportShapefile loads a county parcel shapefile (.shp, or a .zip holding
// one) using the region's field map. Coordinates must already be lon/lat.
func (imp *Importer) ImportShapefile(ctx context.Context, name, path string) (*ImportResult, error) {
	region, err := imp.Region(name)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "parcel.shapefile"), zap.String("region", name))

	runID, err := imp.runs.Start(ctx, runlog.ParcelJob(name))
	if err != nil {
		return nil, eris.Wrapf(err, "parcel: start run log for %s", name)
	}

	res, err := imp.importShapefile(ctx, region, path, log)
	if err != nil {
		if imp.metrics != nil {
			imp.metrics.ParcelFailures.WithLabelValues(name).Inc()
		}
		if logErr := imp.runs.Fail(ctx, runID, err.Error()); logErr != nil {
			log.Error("failed to record import failure", zap.Error(logErr))
		}
		return res, err
	}
	meta := map[string]any{"file": filepath.Base(path), "skipped": res.Skipped}
	if err := imp.runs.Complete(ctx, runID, &runlog.Result{Rows: res.Count, Metadata: meta}); err != nil {
		log.Error("failed to record import completion", zap.Error(err))
	}
	return res, nil
}

func (imp *Importer) importShapefile(ctx context.Context, region *RegionConfig, path string, log *zap.Logger) (*ImportResult, error) {
	res := &ImportResult{Region: region.Name}

	shpPath := path
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		dir, err := os.MkdirTemp("", "parcels-*")
		if err != nil {
			return res, eris.Wrap(err, "parcel: temp dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck

		files, err := fetcher.ExtractZIP(path, dir, ".shp", ".shx", ".dbf", ".prj", ".cpg")
		if err != nil {
			return res, eris.Wrapf(err, "parcel: extract %s", path)
		}
		shpPath = ""
		for _, f := range files {
			if strings.EqualFold(filepath.Ext(f), ".shp") {
				shpPath = f
				break
			}
		}
		if shpPath == "" {
			return res, eris.Errorf("parcel: no .shp in %s", path)
		}
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return res, eris.Wrapf(err, "parcel: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.ToLower(strings.TrimRight(f.String(), "\x00"))
	}
	fm := region.Fields.lower()
	if !slices.Contains(names, fm.ParcelID) {
		return res, eris.Errorf("parcel: shapefile %s has no %s attribute (missing or unreadable .dbf)",
			filepath.Base(shpPath), region.Fields.ParcelID)
	}

	batch := make([]model.Property, 0, region.PageSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := imp.store.UpsertProperties(ctx, batch)
		if err != nil {
			return eris.Wrapf(err, "parcel: upsert %s shapefile batch", region.Name)
		}
		res.Count += n
		res.Pages++
		if imp.metrics != nil {
			imp.metrics.ParcelUpserts.WithLabelValues(region.Name).Add(float64(n))
		}
		batch = batch[:0]
		return nil
	}

	lowered := *region
	lowered.Fields = fm
	for reader.Next() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, shape := reader.Shape()
		res.Total++

		loc, ok := shapeLocation(shape)
		if !ok {
			res.Skipped++
			continue
		}
		attrs := make(map[string]any, len(names))
		for i, n := range names {
			attrs[n] = strings.TrimRight(reader.Attribute(i), "\x00")
		}
		p, ok := toProperty(&lowered, attrs, loc, imp.clock.Now().UTC())
		if !ok {
			res.Skipped++
			continue
		}
		p.DataSource = "shapefile:" + region.Name
		batch = append(batch, p)
		if len(batch) >= region.PageSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	log.Info("shapefile import complete",
		zap.Int64("records", res.Total),
		zap.Int64("count", res.Count),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func shapeLocation(shape shp.Shape) (orb.Point, bool) {
	switch s := shape.(type) {
	case *shp.Point:
		return orb.Point{s.X, s.Y}, true
	case *shp.Polygon:
		if s.NumParts == 0 || len(s.Points) == 0 {
			return orb.Point{}, false
		}
		end := int32(len(s.Points))
		if s.NumParts > 1 {
			end = s.Parts[1]
		}
		ring := make(orb.Ring, 0, end-s.Parts[0])
		for _, pt := range s.Points[s.Parts[0]:end] {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		return ringsCentroid(orb.Polygon{ring})
	default:
		return orb.Point{}, false
	}
}
