// Package parcel imports property parcels from county and statewide ArcGIS
// layers and county shapefiles.
package parcel

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/observability"
	"github.com/sells-group/hailtrace/internal/runlog"
	"github.com/sells-group/hailtrace/internal/store"
)

const (
	// DefaultPageDelay paces consecutive page requests to one layer.
	DefaultPageDelay = 500 * time.Millisecond
	// RecentImportWindow is how long a completed county import stays fresh.
	RecentImportWindow = 30 * 24 * time.Hour
)

// ImportResult summarizes one region import.
type ImportResult struct {
	Region  string `json:"region"`
	Total   int64  `json:"total"`
	Count   int64  `json:"count"`
	Pages   int    `json:"pages"`
	Skipped int    `json:"skipped"`
}

// Config tunes an Importer.
type Config struct {
	PageDelay   time.Duration
	Concurrency int
}

// Importer loads parcels for configured regions.
type Importer struct {
	client  *Client
	store   store.PropertyStore
	runs    runlog.RunLog
	regions map[string]*RegionConfig
	order   []string
	metrics *observability.Metrics
	clock   clockwork.Clock
	cfg     Config
}

// NewImporter creates an importer over the given regions. metrics may be nil.
func NewImporter(client *Client, st store.PropertyStore, runs runlog.RunLog, regions []RegionConfig,
	metrics *observability.Metrics, clock clockwork.Clock, cfg Config) *Importer {
	if cfg.PageDelay <= 0 {
		cfg.PageDelay = DefaultPageDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	imp := &Importer{
		client:  client,
		store:   st,
		runs:    runs,
		regions: make(map[string]*RegionConfig, len(regions)),
		metrics: metrics,
		clock:   clock,
		cfg:     cfg,
	}
	for i := range regions {
		r := regions[i]
		r.applyDefaults()
		imp.regions[r.Name] = &r
		imp.order = append(imp.order, r.Name)
	}
	return imp
}

// Region returns the named region config.
func (imp *Importer) Region(name string) (*RegionConfig, error) {
	r, ok := imp.regions[name]
	if !ok {
		return nil, &model.NotFoundError{Kind: "region", ID: name}
	}
	return r, nil
}

// Regions returns region names in configuration order.
func (imp *Importer) Regions() []string {
	return append([]string(nil), imp.order...)
}

// ImportRegion pages through the region's layer and upserts every parcel.
// A non-nil bbox restricts the query to that envelope. Pages already
// upserted stay when a later page fails.
func (imp *Importer) ImportRegion(ctx context.Context, name string, bbox *orb.Bound) (*ImportResult, error) {
	region, err := imp.Region(name)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "parcel.importer"), zap.String("region", name))

	runID, err := imp.runs.Start(ctx, runlog.ParcelJob(name))
	if err != nil {
		return nil, eris.Wrapf(err, "parcel: start run log for %s", name)
	}

	res, err := imp.importRegion(ctx, region, bbox, log)
	if err != nil {
		if imp.metrics != nil {
			imp.metrics.ParcelFailures.WithLabelValues(name).Inc()
		}
		if logErr := imp.runs.Fail(ctx, runID, err.Error()); logErr != nil {
			log.Error("failed to record import failure", zap.Error(logErr))
		}
		return res, err
	}

	meta := map[string]any{"total": res.Total, "pages": res.Pages, "skipped": res.Skipped}
	if bbox != nil {
		meta["bbox"] = []float64{bbox.Min[0], bbox.Min[1], bbox.Max[0], bbox.Max[1]}
	}
	if err := imp.runs.Complete(ctx, runID, &runlog.Result{Rows: res.Count, Metadata: meta}); err != nil {
		log.Error("failed to record import completion", zap.Error(err))
	}
	return res, nil
}

func (imp *Importer) importRegion(ctx context.Context, region *RegionConfig, bbox *orb.Bound, log *zap.Logger) (*ImportResult, error) {
	res := &ImportResult{Region: region.Name}

	total, err := imp.client.Count(ctx, region, bbox)
	if err != nil {
		return res, err
	}
	res.Total = total
	log.Info("starting parcel import", zap.Int64("total", total), zap.Bool("bbox", bbox != nil))

	limiter := rate.NewLimiter(rate.Every(imp.cfg.PageDelay), 1)
	for offset := int64(0); offset < total; {
		if err := limiter.Wait(ctx); err != nil {
			return res, eris.Wrap(err, "parcel: page pacing")
		}

		features, err := imp.client.Page(ctx, region, bbox, offset)
		if err != nil {
			return res, err
		}
		res.Pages++
		if imp.metrics != nil {
			imp.metrics.ParcelPages.WithLabelValues(region.Name).Inc()
		}
		if len(features) == 0 {
			break
		}

		now := imp.clock.Now().UTC()
		props := make([]model.Property, 0, len(features))
		for _, f := range features {
			loc, ok := location(f.Geometry)
			if !ok {
				res.Skipped++
				continue
			}
			p, ok := toProperty(region, f.Attributes, loc, now)
			if !ok {
				res.Skipped++
				continue
			}
			props = append(props, p)
		}

		n, err := imp.store.UpsertProperties(ctx, model.DedupeProperties(props))
		if err != nil {
			return res, eris.Wrapf(err, "parcel: upsert %s page at %d", region.Name, offset)
		}
		res.Count += n
		if imp.metrics != nil {
			imp.metrics.ParcelUpserts.WithLabelValues(region.Name).Add(float64(n))
		}

		log.Debug("parcel page imported",
			zap.Int64("offset", offset),
			zap.Int("features", len(features)),
			zap.Int64("upserted", n),
		)
		offset += int64(len(features))
	}

	log.Info("parcel import complete",
		zap.Int64("total", res.Total),
		zap.Int64("count", res.Count),
		zap.Int("pages", res.Pages),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// ImportBBox imports every region whose extent meets bbox padded by
// bufferKm. County regions completed within RecentImportWindow are skipped.
// Statewide regions are queried for the padded bbox only, and skipped when
// parcels already exist there. One region failing does not stop the others.
func (imp *Importer) ImportBBox(ctx context.Context, bbox orb.Bound, bufferKm float64) ([]ImportResult, error) {
	log := zap.L().With(zap.String("component", "parcel.importer"))
	padded := geo.BoundPad(bbox, bufferKm*1000)

	var (
		mu      sync.Mutex
		results []ImportResult
	)
	var g errgroup.Group
	g.SetLimit(imp.cfg.Concurrency)

	for _, name := range imp.order {
		region := imp.regions[name]
		if !region.Extent.Bound().Intersects(padded) {
			continue
		}
		rLog := log.With(zap.String("region", name))

		g.Go(func() error {
			var filter *orb.Bound
			if region.Statewide {
				n, err := imp.store.CountPropertiesInBBox(ctx, padded)
				if err != nil {
					rLog.Warn("statewide coverage check failed", zap.Error(err))
					return nil
				}
				if n > 0 {
					rLog.Info("skipping statewide import, parcels already present", zap.Int64("existing", n))
					return nil
				}
				filter = &padded
			} else {
				last, err := imp.runs.LastSuccess(ctx, runlog.ParcelJob(name))
				if err != nil {
					rLog.Warn("last import check failed", zap.Error(err))
					return nil
				}
				if last != nil && imp.clock.Since(*last) < RecentImportWindow {
					rLog.Debug("skipping region, imported recently", zap.Time("last", *last))
					return nil
				}
			}

			res, err := imp.ImportRegion(ctx, name, filter)
			if err != nil {
				rLog.Error("region import failed", zap.Error(err))
				return nil
			}
			mu.Lock()
			results = append(results, *res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}
