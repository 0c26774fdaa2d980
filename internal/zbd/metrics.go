package zbd

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the sink-agnostic interface the manager reports through,
// mirroring the source's injected ZenFSMetrics: this package never decides
// where a metric ends up (a Prometheus registry, a JSON snapshot, nothing
// at all), it only reports through this interface. Metrics collection
// itself — sinks, scraping, exporters — is out of scope (spec §1).
type Metrics interface {
	// ReportQPS records one occurrence of op.
	ReportQPS(op string, n int)
	// ReportGeneral sets a named gauge to value.
	ReportGeneral(name string, value int64)
	// LatencyTimer starts timing op and returns a function to call when
	// the operation completes.
	LatencyTimer(op string) func()
}

// NoopMetrics discards everything reported to it. It is the Manager's
// zero-value default.
type NoopMetrics struct{}

func (NoopMetrics) ReportQPS(string, int)       {}
func (NoopMetrics) ReportGeneral(string, int64) {}
func (NoopMetrics) LatencyTimer(string) func()  { return func() {} }

// PrometheusMetrics backs the Metrics interface with counters, gauges, and
// histograms registered against reg, corresponding to the source's
// ZENFS_*_QPS / ZENFS_*_COUNT / ZENFS_*_LATENCY metric IDs.
type PrometheusMetrics struct {
	qps     *prometheus.CounterVec
	gauges  *prometheus.GaugeVec
	latency *prometheus.HistogramVec
}

// NewPrometheusMetrics registers the zone manager's metric families against
// reg and returns a Metrics implementation backed by them.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		qps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonemanager",
			Name:      "ops_total",
			Help:      "Count of zone manager operations by kind.",
		}, []string{"op"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zonemanager",
			Name:      "gauge",
			Help:      "Instantaneous zone manager gauges (open/active zone counts, etc).",
		}, []string{"name"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zonemanager",
			Name:      "op_latency_seconds",
			Help:      "Zone manager operation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	reg.MustRegister(m.qps, m.gauges, m.latency)
	return m
}

func (m *PrometheusMetrics) ReportQPS(op string, n int) {
	m.qps.WithLabelValues(op).Add(float64(n))
}

func (m *PrometheusMetrics) ReportGeneral(name string, value int64) {
	m.gauges.WithLabelValues(name).Set(float64(value))
}

func (m *PrometheusMetrics) LatencyTimer(op string) func() {
	start := time.Now()
	return func() {
		m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// Metric name constants mirroring the source's ZENFS_OPEN_ZONES_COUNT /
// ZENFS_ACTIVE_ZONES_COUNT gauge IDs.
const (
	MetricOpenZonesCount       = "open_io_zones"
	MetricActiveZonesCount     = "active_io_zones"
	MetricReclaimablePercent   = "reclaimable_percent"
	MetricGarbageHistogramStem = "garbage_histogram_bucket_"

	OpWALAlloc    = "wal_io_alloc"
	OpL0Alloc     = "l0_io_alloc"
	OpNonWALAlloc = "non_wal_io_alloc"
	OpMetaAlloc   = "meta_alloc"
	OpZoneWrite   = "zone_write"
)
