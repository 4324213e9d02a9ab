// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every collector name.
const DefaultNamespace = "strategy_aggregator"

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Pipeline
	PipelineRuns       *prometheus.CounterVec
	PipelineDuration   prometheus.Histogram
	RawRecords         prometheus.Gauge
	StrategiesStored   prometheus.Gauge
	SourceErrors       *prometheus.CounterVec
	SourceRecords      *prometheus.GaugeVec
	NormalizeSkipped   *prometheus.CounterVec
	NormalizeFailed    *prometheus.CounterVec
	WeightedAPY        prometheus.Gauge
	MedianAPY          prometheus.Gauge
	SourceBreakerState *prometheus.GaugeVec

	// Pool index
	PoolIndexRebuilds *prometheus.CounterVec
	PoolIndexSize     prometheus.Gauge

	// Strategy cache and refresh queue
	CacheLookups      *prometheus.CounterVec
	RefreshEnqueued   prometheus.Counter
	RefreshProcessed  *prometheus.CounterVec
	NewPoolsRequests  *prometheus.CounterVec
	ChartFetchLatency prometheus.Histogram
}

// New creates a Metrics instance registered on reg.
// Passing nil registers on the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome",
		}, []string{"status"}),
		PipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Duration of a full collect-and-store run",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		RawRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "raw_records",
			Help:      "Raw upstream records seen in the last run",
		}),
		StrategiesStored: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "strategies",
			Help:      "Strategies written by the last run",
		}),
		SourceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "errors_total",
			Help:      "Upstream fetch failures per source",
		}, []string{"source"}),
		SourceRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "records",
			Help:      "Raw records returned by each source in the last run",
		}, []string{"source"}),
		NormalizeSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalize",
			Name:      "skipped_total",
			Help:      "Records skipped for lacking an identity",
		}, []string{"source"}),
		NormalizeFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalize",
			Name:      "failed_total",
			Help:      "Records dropped because mapping failed",
		}, []string{"source"}),
		WeightedAPY: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "weighted_apy",
			Help:      "TVL-weighted APY across the latest strategies",
		}),
		MedianAPY: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "median_apy",
			Help:      "Median APY across the latest strategies",
		}),
		SourceBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per source (0=closed, 1=open, 2=half-open)",
		}, []string{"source"}),
		PoolIndexRebuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool_index",
			Name:      "rebuilds_total",
			Help:      "Pool index rebuild attempts by outcome",
		}, []string{"status"}),
		PoolIndexSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool_index",
			Name:      "pools",
			Help:      "Pools held by the current index snapshot",
		}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Strategy cache lookups by status (fresh, stale, miss)",
		}, []string{"status"}),
		RefreshEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "enqueued_total",
			Help:      "Refresh requests pushed onto the queue",
		}),
		RefreshProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "processed_total",
			Help:      "Refresh requests handled by outcome",
		}, []string{"status"}),
		NewPoolsRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "new_pools_requests_total",
			Help:      "New-pool analytics requests by outcome",
		}, []string{"status"}),
		ChartFetchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "chart_fetch_seconds",
			Help:      "Latency of upstream pool chart fetches",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObservePipeline records the outcome of one run.
func (m *Metrics) ObservePipeline(status string, seconds float64, raw, stored int) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(status).Inc()
	m.PipelineDuration.Observe(seconds)
	m.RawRecords.Set(float64(raw))
	m.StrategiesStored.Set(float64(stored))
}

// ObserveSource records the records/error outcome of one source fetch.
func (m *Metrics) ObserveSource(source string, records int, err error) {
	if m == nil {
		return
	}
	m.SourceRecords.WithLabelValues(source).Set(float64(records))
	if err != nil {
		m.SourceErrors.WithLabelValues(source).Inc()
	}
}

// ObserveBatch records normalization drops for one source.
func (m *Metrics) ObserveBatch(source string, skipped, failed int) {
	if m == nil {
		return
	}
	m.NormalizeSkipped.WithLabelValues(source).Add(float64(skipped))
	m.NormalizeFailed.WithLabelValues(source).Add(float64(failed))
}

// ObserveAPY sets the run summary gauges.
func (m *Metrics) ObserveAPY(weighted, median float64) {
	if m == nil {
		return
	}
	m.WeightedAPY.Set(weighted)
	m.MedianAPY.Set(median)
}

// SetBreakerState exports a source breaker transition.
func (m *Metrics) SetBreakerState(source string, state int) {
	if m == nil {
		return
	}
	m.SourceBreakerState.WithLabelValues(source).Set(float64(state))
}

// ObservePoolIndex records one rebuild attempt.
func (m *Metrics) ObservePoolIndex(err error, size int) {
	if m == nil {
		return
	}
	if err != nil {
		m.PoolIndexRebuilds.WithLabelValues("error").Inc()
		return
	}
	m.PoolIndexRebuilds.WithLabelValues("ok").Inc()
	m.PoolIndexSize.Set(float64(size))
}

// ObserveLookup counts a cache lookup by status.
func (m *Metrics) ObserveLookup(status string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(status).Inc()
}

// ObserveEnqueue counts a refresh request pushed onto the queue.
func (m *Metrics) ObserveEnqueue() {
	if m == nil {
		return
	}
	m.RefreshEnqueued.Inc()
}

// ObserveRefresh counts a handled refresh request.
func (m *Metrics) ObserveRefresh(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RefreshProcessed.WithLabelValues("error").Inc()
		return
	}
	m.RefreshProcessed.WithLabelValues("ok").Inc()
}

// ObserveNewPools counts an analytics request.
func (m *Metrics) ObserveNewPools(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.NewPoolsRequests.WithLabelValues("error").Inc()
		return
	}
	m.NewPoolsRequests.WithLabelValues("ok").Inc()
}

// ObserveChartFetch records one chart fetch latency.
func (m *Metrics) ObserveChartFetch(seconds float64) {
	if m == nil {
		return
	}
	m.ChartFetchLatency.Observe(seconds)
}
