// Package observability holds the Prometheus collectors shared by the
// ingestion services.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hailtrace"

// Metrics holds the Prometheus counters, histograms, and gauges for ingestion.
type Metrics struct {
	// Adapter runs. Labels: source={mesh,nws,spc}.
	EventsFetched  *prometheus.CounterVec
	EventsInserted *prometheus.CounterVec
	RecordsSkipped *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	RunFailures    *prometheus.CounterVec
	OverlapSkips   *prometheus.CounterVec

	// Drift correction. Labels: profile={climatological,live}.
	DriftCorrections *prometheus.CounterVec
	DriftFailures    prometheus.Counter
	ProfileFallbacks prometheus.Counter

	// Parcel import. Labels: region.
	ParcelPages    *prometheus.CounterVec
	ParcelUpserts  *prometheus.CounterVec
	ParcelFailures *prometheus.CounterVec

	SchedulerRunning prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		EventsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_fetched_total",
			Help:      "Hazard events normalized from upstream sources.",
		}, []string{"source"}),
		EventsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_inserted_total",
			Help:      "Hazard events newly inserted (duplicates excluded).",
		}, []string{"source"}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Malformed upstream records skipped.",
		}, []string{"source"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_run_duration_seconds",
			Help:      "Duration of one adapter fetch and insert.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"source"}),
		RunFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_run_failures_total",
			Help:      "Adapter runs that failed.",
		}, []string{"source"}),
		OverlapSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_overlap_skips_total",
			Help:      "Triggers skipped because the previous run of the source was still in flight.",
		}, []string{"source"}),
		DriftCorrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_corrections_total",
			Help:      "Drift corrections persisted by wind profile source.",
		}, []string{"profile"}),
		DriftFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_failures_total",
			Help:      "Drift corrections that failed.",
		}),
		ProfileFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wind_profile_fallbacks_total",
			Help:      "Live wind profile fetches that fell back to climatology.",
		}),
		ParcelPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parcel_pages_total",
			Help:      "Parcel map-service pages fetched.",
		}, []string{"region"}),
		ParcelUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parcel_upserts_total",
			Help:      "Parcels upserted.",
		}, []string{"region"}),
		ParcelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parcel_import_failures_total",
			Help:      "Region imports that failed.",
		}, []string{"region"}),
		SchedulerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_running",
			Help:      "1 when the scheduler is active, 0 when shut down.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsFetched, m.EventsInserted, m.RecordsSkipped, m.RunDuration, m.RunFailures,
		m.OverlapSkips, m.DriftCorrections, m.DriftFailures, m.ProfileFallbacks,
		m.ParcelPages, m.ParcelUpserts, m.ParcelFailures, m.SchedulerRunning,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics so tests can build as
// many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

// Register adds the collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
