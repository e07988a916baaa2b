// Package metrics exposes Prometheus instrumentation for the sync core.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wbl"

// Metrics groups every collector used by the service.
type Metrics struct {
	registry *prometheus.Registry

	mutations        *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	broadcasts       prometheus.Counter
	listenerPanics   prometheus.Counter
	listeners        prometheus.Gauge
	snapshots        *prometheus.CounterVec
	subscriptionErrs *prometheus.CounterVec
	batchCommits     *prometheus.CounterVec
	cacheCorruptions *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

// New creates a Metrics instance with its own registry, including Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Mutations processed by the gateway.",
		}, []string{"collection", "op", "path", "result"}),
		mutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mutation_duration_seconds",
			Help:      "Gateway mutation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection", "op", "path"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Notification bus broadcasts.",
		}),
		listenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Listener panics recovered by the notification bus.",
		}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners",
			Help:      "Registered notification bus listeners.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_snapshots_total",
			Help:      "Remote snapshots applied to the local cache.",
		}, []string{"collection"}),
		subscriptionErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_errors_total",
			Help:      "Remote subscription failures.",
		}, []string{"collection"}),
		batchCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_commits_total",
			Help:      "Remote batch commits.",
		}, []string{"collection", "result"}),
		cacheCorruptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_corrupt_entries_total",
			Help:      "Local cache entries that failed to decode.",
		}, []string{"collection"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Background job runs.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Background job run time in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.mutations, m.mutationDuration,
		m.broadcasts, m.listenerPanics, m.listeners,
		m.snapshots, m.subscriptionErrs, m.batchCommits,
		m.cacheCorruptions,
		m.httpRequests, m.httpDuration,
		m.jobRuns, m.jobDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveMutation records one gateway mutation.
func (m *Metrics) ObserveMutation(collection, op, path string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mutations.WithLabelValues(collection, op, path, result).Inc()
	m.mutationDuration.WithLabelValues(collection, op, path).Observe(took.Seconds())
}

// IncBroadcast records one notification bus broadcast.
func (m *Metrics) IncBroadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

// IncListenerPanic records one recovered listener panic.
func (m *Metrics) IncListenerPanic() {
	if m == nil {
		return
	}
	m.listenerPanics.Inc()
}

// SetListeners records the current listener count.
func (m *Metrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.listeners.Set(float64(n))
}

// IncSnapshot records one applied remote snapshot.
func (m *Metrics) IncSnapshot(collection string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(collection).Inc()
}

// IncSubscriptionError records one subscription failure.
func (m *Metrics) IncSubscriptionError(collection string) {
	if m == nil {
		return
	}
	m.subscriptionErrs.WithLabelValues(collection).Inc()
}

// ObserveBatch records one batch commit attempt.
func (m *Metrics) ObserveBatch(collection string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.batchCommits.WithLabelValues(collection, result).Inc()
}

// IncCacheCorruption records a local cache entry that failed to decode.
func (m *Metrics) IncCacheCorruption(collection string) {
	if m == nil {
		return
	}
	m.cacheCorruptions.WithLabelValues(collection).Inc()
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// ObserveJob records one background job run.
func (m *Metrics) ObserveJob(job string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}
