// Package scheduler triggers source adapters on fixed intervals and chains
// drift correction, alert checks and storm-cluster parcel imports after each
// successful run.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hailtrace/internal/ingest"
	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/observability"
	"github.com/sells-group/hailtrace/internal/parcel"
	"github.com/sells-group/hailtrace/internal/runlog"
)

// ErrInFlight is returned by Trigger when the previous run of the same
// source has not finished.
var ErrInFlight = eris.New("scheduler: source run already in flight")

// Ingester runs one source adapter.
type Ingester interface {
	Run(ctx context.Context, kind model.Source) (*ingest.Result, error)
}

// DriftCorrector corrects every pending hail event.
type DriftCorrector interface {
	CorrectAllPending(ctx context.Context) (int, error)
}

// AlertChecker evaluates recent events against watch areas.
type AlertChecker interface {
	CheckAndAlert(ctx context.Context) error
}

// ParcelImporter loads parcels for every region intersecting a bbox.
type ParcelImporter interface {
	ImportBBox(ctx context.Context, bbox orb.Bound, bufferKm float64) ([]parcel.ImportResult, error)
}

// EventSelector reads recent hazard events.
type EventSelector interface {
	SelectRecent(ctx context.Context, filter model.RecentFilter) ([]model.HazardEvent, error)
}

// Config holds trigger intervals and chain settings.
type Config struct {
	Intervals  map[model.Source]time.Duration
	RunOnStart bool
	Cluster    ClusterConfig
	StatusSize int
	StatusTTL  time.Duration
}

// DefaultIntervals returns the polling interval of each source.
func DefaultIntervals() map[model.Source]time.Duration {
	return map[model.Source]time.Duration{
		model.SourceGrid:   30 * time.Minute,
		model.SourceAlert:  5 * time.Minute,
		model.SourceReport: time.Hour,
	}
}

// Deps are the services the scheduler drives. Drift, Alerts, Parcels and
// Events may be nil to skip the matching chain stage.
type Deps struct {
	Ingester Ingester
	Drift    DriftCorrector
	Alerts   AlertChecker
	Parcels  ParcelImporter
	Events   EventSelector
}

// Scheduler owns one ticker per source.
type Scheduler struct {
	cfg      Config
	deps     Deps
	metrics  *observability.Metrics
	clock    clockwork.Clock
	status   *StatusCache
	inflight map[model.Source]*atomic.Bool
	wg       sync.WaitGroup
}

// New creates a scheduler. metrics may be nil.
func New(cfg Config, deps Deps, metrics *observability.Metrics, clock clockwork.Clock) *Scheduler {
	if cfg.Intervals == nil {
		cfg.Intervals = DefaultIntervals()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	inflight := make(map[model.Source]*atomic.Bool, 3)
	for _, src := range model.AllSources() {
		inflight[src] = new(atomic.Bool)
	}
	return &Scheduler{
		cfg:      cfg,
		deps:     deps,
		metrics:  metrics,
		clock:    clock,
		status:   NewStatusCache(cfg.StatusSize, cfg.StatusTTL),
		inflight: inflight,
	}
}

// Status returns the job status cache.
func (s *Scheduler) Status() *StatusCache {
	return s.status
}

// Run starts one ticker per configured source and blocks until ctx is
// cancelled and every in-flight trigger has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "scheduler"))

	var loops sync.WaitGroup
	for _, src := range model.AllSources() {
		interval, ok := s.cfg.Intervals[src]
		if !ok || interval <= 0 {
			log.Info("source disabled", zap.String("source", src.ShortName()))
			continue
		}
		ticker := s.clock.NewTicker(interval)
		log.Info("scheduling source",
			zap.String("source", src.ShortName()),
			zap.Duration("interval", interval),
		)

		if s.cfg.RunOnStart {
			s.fire(ctx, src)
		}

		loops.Add(1)
		go func(src model.Source, ticker clockwork.Ticker) {
			defer loops.Done()
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.Chan():
					s.fire(ctx, src)
				}
			}
		}(src, ticker)
	}

	if s.metrics != nil {
		s.metrics.SchedulerRunning.Set(1)
	}
	<-ctx.Done()
	loops.Wait()
	s.wg.Wait()
	if s.metrics != nil {
		s.metrics.SchedulerRunning.Set(0)
	}
	log.Info("scheduler stopped")
	return nil
}

// fire runs one trigger in its own goroutine. A panic escaping Trigger is
// logged so sibling sources keep running.
func (s *Scheduler) fire(ctx context.Context, src model.Source) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("scheduler trigger panic",
					zap.String("component", "scheduler"),
					zap.String("source", src.ShortName()),
					zap.Any("panic", r),
				)
			}
		}()
		_, _ = s.Trigger(ctx, src)
	}()
}

// Trigger runs the adapter for src and, when it succeeds, the rest of the
// chain. Chain stage failures are logged and do not fail the trigger. It
// returns ErrInFlight without running anything when src is already running.
func (s *Scheduler) Trigger(ctx context.Context, src model.Source) (*ingest.Result, error) {
	log := zap.L().With(
		zap.String("component", "scheduler"),
		zap.String("source", src.ShortName()),
	)

	guard, ok := s.inflight[src]
	if !ok {
		return nil, eris.Errorf("scheduler: unknown source %d", src)
	}
	if !guard.CompareAndSwap(false, true) {
		if s.metrics != nil {
			s.metrics.OverlapSkips.WithLabelValues(src.ShortName()).Inc()
		}
		log.Warn("previous run still in flight, skipping trigger")
		return nil, ErrInFlight
	}
	defer guard.Store(false)

	job := runlog.SourceJob(src.ShortName())
	started := s.clock.Now()
	s.status.Set(JobStatus{Job: job, State: StateRunning, StartedAt: started})

	var res *ingest.Result
	err := recovered("adapter run", func() (err error) {
		res, err = s.deps.Ingester.Run(ctx, src)
		return err
	})
	if err == nil && res == nil {
		err = eris.Errorf("scheduler: %s returned no result", src.ShortName())
	}
	if err != nil {
		s.finish(job, started, nil, err)
		log.Error("adapter run failed", zap.Error(err))
		return nil, err
	}
	s.finish(job, started, map[string]any{
		"fetched":  res.Fetched,
		"inserted": res.Inserted,
		"skipped":  res.Skipped,
	}, nil)

	s.chain(ctx, log)
	return res, nil
}

// chain runs the post-ingest stages. Each stage is independent of the
// others' failures and panics.
func (s *Scheduler) chain(ctx context.Context, log *zap.Logger) {
	if s.deps.Drift != nil {
		var n int
		err := recovered("drift correction", func() (err error) {
			n, err = s.deps.Drift.CorrectAllPending(ctx)
			return err
		})
		if err != nil {
			log.Error("drift correction failed", zap.Error(err))
		} else {
			log.Info("drift correction complete", zap.Int("corrected", n))
		}
	}

	if s.deps.Alerts != nil {
		err := recovered("alert check", func() error {
			return s.deps.Alerts.CheckAndAlert(ctx)
		})
		if err != nil {
			log.Error("alert check failed", zap.Error(err))
		}
	}

	if err := s.importClusters(ctx, log); err != nil {
		log.Warn("storm-cluster parcel import failed", zap.Error(err))
	}
}

// importClusters finds storm clusters among recent hail events and imports
// parcels under each. Panics are recovered into an error.
func (s *Scheduler) importClusters(ctx context.Context, log *zap.Logger) (err error) {
	cc := s.cfg.Cluster
	if !cc.Enabled || s.deps.Parcels == nil || s.deps.Events == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("scheduler: cluster import panic: %v", r)
		}
	}()

	events, err := s.deps.Events.SelectRecent(ctx, model.RecentFilter{
		Since:     s.clock.Now().Add(-cc.Lookback),
		MinHailIn: cc.MinHailIn,
	})
	if err != nil {
		return eris.Wrap(err, "scheduler: select recent hail")
	}

	clusters := FindClusters(events, cc.CellDeg, cc.MinEvents)
	if len(clusters) == 0 {
		log.Debug("no storm clusters", zap.Int("events", len(events)))
		return nil
	}

	var firstErr error
	for _, b := range clusters {
		results, err := s.deps.Parcels.ImportBBox(ctx, b, cc.BufferKm)
		for _, r := range results {
			s.status.Set(JobStatus{
				Job:        runlog.ParcelJob(r.Region),
				State:      StateOK,
				StartedAt:  s.clock.Now(),
				FinishedAt: timePtr(s.clock.Now()),
				Detail:     map[string]any{"count": r.Count, "pages": r.Pages, "skipped": r.Skipped},
			})
		}
		if err != nil && firstErr == nil {
			firstErr = eris.Wrapf(err, "scheduler: import cluster %s", formatBound(b))
		}
	}
	log.Info("storm-cluster parcel import complete", zap.Int("clusters", len(clusters)))
	return firstErr
}

func (s *Scheduler) finish(job string, started time.Time, detail map[string]any, err error) {
	st := JobStatus{
		Job:        job,
		State:      StateOK,
		StartedAt:  started,
		FinishedAt: timePtr(s.clock.Now()),
		Detail:     detail,
	}
	if err != nil {
		st.State = StateFailed
		st.Error = err.Error()
	}
	s.status.Set(st)
}

// recovered runs fn and turns a panic into an error.
func recovered(stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("scheduler: %s panic: %v", stage, r)
		}
	}()
	return fn()
}

func timePtr(t time.Time) *time.Time { return &t }

func formatBound(b orb.Bound) string {
	return fmt.Sprintf("%.4f,%.4f,%.4f,%.4f", b.Min[0], b.Min[1], b.Max[0], b.Max[1])
}
