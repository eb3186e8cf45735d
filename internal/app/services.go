// Package app wires configuration into the long-lived services shared by
// every command.
package app

import (
	"context"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hailtrace/internal/alerting"
	"github.com/sells-group/hailtrace/internal/config"
	"github.com/sells-group/hailtrace/internal/drift"
	"github.com/sells-group/hailtrace/internal/fetcher"
	"github.com/sells-group/hailtrace/internal/ingest"
	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/observability"
	"github.com/sells-group/hailtrace/internal/parcel"
	"github.com/sells-group/hailtrace/internal/resilience"
	"github.com/sells-group/hailtrace/internal/scheduler"
	"github.com/sells-group/hailtrace/internal/source"
	"github.com/sells-group/hailtrace/internal/store"
)

// Services holds everything built from one Config. It is created once per
// process and passed down.
type Services struct {
	Config    *config.Config
	Clock     clockwork.Clock
	Metrics   *observability.Metrics
	Store     store.Store
	Fetcher   *fetcher.Router
	Sources   *source.Registry
	Engine    *ingest.Engine
	Drift     *drift.Corrector
	Parcels   *parcel.Importer
	Alerts    *alerting.AreaChecker
	Scheduler *scheduler.Scheduler
}

type options struct {
	store   store.Store
	clock   clockwork.Clock
	metrics *observability.Metrics
}

// Option overrides a service New would otherwise build.
type Option func(*options)

// WithStore uses st instead of opening cfg.Store.
func WithStore(st store.Store) Option { return func(o *options) { o.store = st } }

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithMetrics uses m instead of registering new collectors.
func WithMetrics(m *observability.Metrics) Option { return func(o *options) { o.metrics = m } }

// OpenStore opens the configured backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.DatabaseURL, cfg.Pool)
	default:
		return nil, eris.Errorf("app: unsupported store driver: %s", cfg.Driver)
	}
}

// New builds the services. The caller owns Close.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Services, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.metrics == nil {
		o.metrics = observability.NewMetrics()
	}

	st := o.store
	if st == nil {
		var err error
		if st, err = OpenStore(ctx, cfg.Store); err != nil {
			return nil, eris.Wrap(err, "app: open store")
		}
	}

	s := &Services{Config: cfg, Clock: o.clock, Metrics: o.metrics, Store: st}
	s.Fetcher = newFetcher(cfg.Fetcher)
	s.Sources = newSources(cfg.Sources, s.Fetcher, o.clock)

	s.Engine = ingest.NewEngine(st, st.RunLog(), s.Sources, s.Metrics,
		ingest.WithRunTimeout(config.Minutes(cfg.Ingest.RunTimeoutMins)),
		ingest.WithConcurrency(cfg.Ingest.Concurrency),
	)

	var live drift.ProfileSource
	if lp := cfg.Drift.LiveProfile; lp.Enabled {
		live = drift.NewOpenMeteo(drift.OpenMeteoConfig{
			URL:     lp.URL,
			Timeout: config.Seconds(lp.TimeoutSecs),
			Retry:   resilience.FromRetryConfig(lp.MaxAttempts, 0),
			Breaker: resilience.FromCircuitConfig(lp.FailureThreshold, config.Seconds(lp.ResetTimeoutSecs)),
		}, s.Fetcher)
	}
	s.Drift = drift.NewCorrector(st, live, s.Metrics, cfg.Drift.DetectionAltM)

	regions, err := loadRegions(cfg.Parcels.RegionsFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	s.Parcels = parcel.NewImporter(parcel.NewClient(s.Fetcher), st, st.RunLog(), regions, s.Metrics, o.clock, parcel.Config{
		PageDelay:   time.Duration(cfg.Parcels.PageDelayMs) * time.Millisecond,
		Concurrency: cfg.Parcels.Concurrency,
	})

	areas, err := loadAreas(cfg.Alerting.AreasFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	var sink alerting.Sink = alerting.LogSink{}
	if cfg.Alerting.WebhookURL != "" {
		sink = alerting.NewWebhookSink(cfg.Alerting.WebhookURL)
	}
	s.Alerts = alerting.NewAreaChecker(st, areas, sink, o.clock)

	s.Scheduler = scheduler.New(schedulerConfig(cfg), scheduler.Deps{
		Ingester: s.Engine,
		Drift:    s.Drift,
		Alerts:   s.Alerts,
		Parcels:  s.Parcels,
		Events:   st,
	}, s.Metrics, o.clock)

	return s, nil
}

// Close releases the store.
func (s *Services) Close() error {
	return s.Store.Close()
}

func newFetcher(cfg config.FetcherConfig) *fetcher.Router {
	return &fetcher.Router{
		HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:   cfg.UserAgent,
			Timeout:     config.Seconds(cfg.TimeoutSecs),
			MaxRetries:  cfg.MaxRetries,
			BackoffBase: time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		}),
		FTP: fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout:  config.Seconds(cfg.FTPTimeoutSecs),
			User:     cfg.FTPUser,
			Password: cfg.FTPPassword,
		}),
	}
}

func newSources(cfg config.SourcesConfig, f *fetcher.Router, clock clockwork.Clock) *source.Registry {
	kinds := make([]source.ReportKind, len(cfg.SPC.Kinds))
	for i, k := range cfg.SPC.Kinds {
		kinds[i] = source.ReportKind(k)
	}
	return source.NewRegistry(
		source.NewMESH(source.MESHConfig{
			DirURL:       cfg.MESH.URL,
			ThresholdsIn: cfg.MESH.ThresholdsIn,
			Window:       time.Duration(cfg.MESH.WindowHours) * time.Hour,
			Tolerance:    cfg.MESH.Tolerance,
		}, f),
		source.NewNWS(source.NWSConfig{URL: cfg.NWS.URL}, f),
		source.NewSPC(source.SPCConfig{
			BaseURL: cfg.SPC.BaseURL,
			Days:    cfg.SPC.Days,
			Kinds:   kinds,
		}, f, clock),
	)
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	sc, cc := cfg.Scheduler, cfg.Parcels.Cluster
	return scheduler.Config{
		Intervals: map[model.Source]time.Duration{
			model.SourceGrid:   config.Minutes(sc.MESHIntervalMins),
			model.SourceAlert:  config.Minutes(sc.NWSIntervalMins),
			model.SourceReport: config.Minutes(sc.SPCIntervalMins),
		},
		RunOnStart: sc.RunOnStart,
		Cluster: scheduler.ClusterConfig{
			Enabled:   cc.Enabled,
			Lookback:  time.Duration(cc.LookbackHours) * time.Hour,
			MinHailIn: cc.MinHailIn,
			CellDeg:   cc.CellDeg,
			MinEvents: cc.MinEvents,
			BufferKm:  cc.BufferKm,
		},
		StatusSize: sc.StatusCacheSize,
		StatusTTL:  config.Minutes(sc.StatusTTLMins),
	}
}

// loadRegions reads the region file. A missing file yields no regions.
func loadRegions(path string) ([]parcel.RegionConfig, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		zap.L().Warn("parcel regions file not found, parcel import disabled", zap.String("path", path))
		return nil, nil
	}
	regions, err := parcel.LoadRegions(path)
	return regions, eris.Wrap(err, "app: load regions")
}

func loadAreas(path string) ([]alerting.WatchArea, error) {
	if path == "" {
		return nil, nil
	}
	areas, err := alerting.LoadAreas(path)
	return areas, eris.Wrap(err, "app: load watch areas")
}
