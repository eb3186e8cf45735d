// Package ingest runs source adapters and persists what they return.
package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/observability"
	"github.com/sells-group/hailtrace/internal/runlog"
	"github.com/sells-group/hailtrace/internal/source"
	"github.com/sells-group/hailtrace/internal/store"
)

// DefaultRunTimeout bounds one adapter fetch and insert.
const DefaultRunTimeout = 10 * time.Minute

// Result summarizes one adapter run.
type Result struct {
	Source   model.Source   `json:"source"`
	Fetched  int            `json:"fetched"`
	Inserted int64          `json:"inserted"`
	Skipped  int            `json:"skipped"`
	Elapsed  time.Duration  `json:"elapsed"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Engine runs adapters and records each run in the run log.
type Engine struct {
	store       store.HazardStore
	runs        runlog.RunLog
	reg         *source.Registry
	metrics     *observability.Metrics
	runTimeout  time.Duration
	concurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunTimeout overrides DefaultRunTimeout.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.runTimeout = d
		}
	}
}

// WithConcurrency limits how many adapters RunAll runs at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// NewEngine creates a new ingest engine. metrics may be nil.
func NewEngine(st store.HazardStore, runs runlog.RunLog, reg *source.Registry, metrics *observability.Metrics, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		runs:        runs,
		reg:         reg,
		metrics:     metrics,
		runTimeout:  DefaultRunTimeout,
		concurrency: 3,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Kinds returns the sources the engine can run.
func (e *Engine) Kinds() []model.Source {
	return e.reg.Kinds()
}

// Run fetches one source and inserts its events. Re-running against
// unchanged upstream data inserts nothing.
func (e *Engine) Run(ctx context.Context, kind model.Source) (*Result, error) {
	adapter, err := e.reg.Get(kind)
	if err != nil {
		return nil, err
	}

	short := kind.ShortName()
	log := zap.L().With(zap.String("component", "ingest.engine"), zap.String("source", short))
	job := runlog.SourceJob(short)

	runID, err := e.runs.Start(ctx, job)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: start run log for %s", short)
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()

	res, err := e.run(runCtx, adapter)
	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.RunDuration.WithLabelValues(short).Observe(elapsed.Seconds())
	}

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			log.Warn("run timed out", zap.Duration("timeout", e.runTimeout))
		}
		log.Error("run failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		if e.metrics != nil {
			e.metrics.RunFailures.WithLabelValues(short).Inc()
		}
		if logErr := e.runs.Fail(ctx, runID, err.Error()); logErr != nil {
			log.Error("failed to record run failure", zap.Error(logErr))
		}
		return nil, err
	}
	res.Elapsed = elapsed

	if e.metrics != nil {
		e.metrics.EventsFetched.WithLabelValues(short).Add(float64(res.Fetched))
		e.metrics.EventsInserted.WithLabelValues(short).Add(float64(res.Inserted))
		e.metrics.RecordsSkipped.WithLabelValues(short).Add(float64(res.Skipped))
	}

	meta := map[string]any{"fetched": res.Fetched, "skipped": res.Skipped}
	for k, v := range res.Meta {
		meta[k] = v
	}
	if err := e.runs.Complete(ctx, runID, &runlog.Result{Rows: res.Inserted, Metadata: meta}); err != nil {
		log.Error("failed to record run completion", zap.Error(err))
	}

	log.Info("run complete",
		zap.Int("fetched", res.Fetched),
		zap.Int64("inserted", res.Inserted),
		zap.Int("skipped", res.Skipped),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, adapter source.Adapter) (*Result, error) {
	batch, err := adapter.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Source:  adapter.Kind(),
		Fetched: len(batch.Events),
		Skipped: batch.Skipped,
		Meta:    batch.Meta,
	}
	if len(batch.Events) == 0 {
		return res, nil
	}
	n, err := e.store.InsertIgnoreConflict(ctx, batch.Events)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: insert %s events", adapter.Kind().ShortName())
	}
	res.Inserted = n
	return res, nil
}

// RunAll runs the given sources (all registered when empty) in parallel. A
// failed source does not stop the others; the first failure is returned
// after all have finished.
func (e *Engine) RunAll(ctx context.Context, kinds []model.Source) ([]*Result, error) {
	if len(kinds) == 0 {
		kinds = e.reg.Kinds()
	}

	results := make([]*Result, len(kinds))
	errs := make([]error, len(kinds))
	var failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, kind := range kinds {
		g.Go(func() error {
			res, err := e.Run(ctx, kind)
			if err != nil {
				failed.Add(1)
				errs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("ingest run complete",
		zap.String("component", "ingest.engine"),
		zap.Int("sources", len(kinds)),
		zap.Int64("failed", failed.Load()),
	)
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
