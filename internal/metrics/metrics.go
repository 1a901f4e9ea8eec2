// Package metrics provides Prometheus metrics for Alexander Drives.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alexander_drives"

// Metrics holds every collector. All methods are safe on a nil receiver so
// components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	UploadSessionsTotal  *prometheus.CounterVec
	UploadBytesTotal     *prometheus.CounterVec
	UploadStaleRefreshes prometheus.Counter
	ProviderRequests     *prometheus.HistogramVec
	TokenRefreshesTotal  *prometheus.CounterVec
	SweeperRunsTotal     prometheus.Counter
	SweeperExpiredTotal  prometheus.Counter
	SweeperLastRunTime   prometheus.Gauge
	SweeperRunDuration   prometheus.Histogram
	DriverPoolInstances  prometheus.Gauge
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		UploadSessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_sessions_total",
			Help:      "Upload session transitions by strategy and resulting status",
		}, []string{"strategy", "status"}),
		UploadBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes acknowledged by providers, by storage type",
		}, []string{"storage_type"}),
		UploadStaleRefreshes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_stale_refreshes_total",
			Help:      "Provider refreshes discarded because they reported fewer bytes than the ledger",
		}),
		ProviderRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Provider request duration by driver, operation and outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"driver", "operation", "outcome"}),
		TokenRefreshesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "OAuth token refreshes by mode and outcome",
		}, []string{"mode", "outcome"}),
		SweeperRunsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_runs_total",
			Help:      "Completed session sweeper runs",
		}),
		SweeperExpiredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_expired_sessions_total",
			Help:      "Sessions marked expired by the sweeper",
		}),
		SweeperLastRunTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweeper_last_run_timestamp_seconds",
			Help:      "Unix time of the last sweeper run",
		}),
		SweeperRunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweeper_run_duration_seconds",
			Help:      "Sweeper run duration",
			Buckets:   prometheus.DefBuckets,
		}),
		DriverPoolInstances: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "driver_pool_instances",
			Help:      "Cached driver instances",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordSessionStatus counts a session reaching a status.
func (m *Metrics) RecordSessionStatus(strategy, status string) {
	if m == nil {
		return
	}
	m.UploadSessionsTotal.WithLabelValues(strategy, status).Inc()
}

// RecordBytes adds acknowledged bytes for a storage type.
func (m *Metrics) RecordBytes(storageType string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.UploadBytesTotal.WithLabelValues(storageType).Add(float64(n))
}

// RecordStaleRefresh counts a discarded provider refresh.
func (m *Metrics) RecordStaleRefresh() {
	if m == nil {
		return
	}
	m.UploadStaleRefreshes.Inc()
}

// ObserveProvider records one provider call.
func (m *Metrics) ObserveProvider(driver, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ProviderRequests.WithLabelValues(driver, operation, outcome).Observe(time.Since(start).Seconds())
}

// RecordTokenRefresh counts a token refresh attempt.
func (m *Metrics) RecordTokenRefresh(mode string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.TokenRefreshesTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordSweeperRun records one sweeper run.
func (m *Metrics) RecordSweeperRun(durationSeconds float64, expired int) {
	if m == nil {
		return
	}
	m.SweeperRunsTotal.Inc()
	m.SweeperExpiredTotal.Add(float64(expired))
	m.SweeperRunDuration.Observe(durationSeconds)
	m.SweeperLastRunTime.SetToCurrentTime()
}

// SetPoolSize reports the number of cached driver instances.
func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.DriverPoolInstances.Set(float64(n))
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
