// Package metrics collects and exposes agentd observability data via a
// Prometheus registry, scraped by external monitoring systems.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the queue worker.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	queueEnqueuedTotal  prometheus.Counter
	queueDequeuedTotal  prometheus.Counter
	queueAckedTotal     prometheus.Counter
	queueNackedTotal    prometheus.Counter
	queueRecoveredTotal prometheus.Counter
	queueDepth          prometheus.Gauge

	leaseBorrowedTotal prometheus.Counter
	leaseReturnedTotal prometheus.Counter
	leaseBackstopTotal prometheus.Counter

	jobStageDuration *prometheus.HistogramVec
	jobsTotal        *prometheus.CounterVec
}

// Default histogram buckets for job stage duration, in seconds. Stages
// range from sub-second leases to multi-minute agent executions, so the
// buckets span three orders of magnitude.
var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		queueEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Total number of jobs enqueued",
		}),
		queueDequeuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dequeued_total",
			Help:      "Total number of jobs dequeued",
		}),
		queueAckedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_acked_total",
			Help:      "Total number of jobs acknowledged",
		}),
		queueNackedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_nacked_total",
			Help:      "Total number of jobs returned to the queue via nack",
		}),
		queueRecoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_recovered_total",
			Help:      "Total number of in-flight records recovered at startup",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of pending jobs sampled after the last queue operation",
		}),

		leaseBorrowedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_borrowed_total",
			Help:      "Total number of instance leases borrowed from the allocator",
		}),
		leaseReturnedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_returned_total",
			Help:      "Total number of instance leases returned to the allocator",
		}),
		leaseBackstopTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_backstop_total",
			Help:      "Total number of leases released via the detached backstop path instead of an explicit Release",
		}),

		jobStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_stage_duration_seconds",
				Help:      "Duration of each job orchestration stage in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of jobs processed to a terminal outcome",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		pm.queueEnqueuedTotal,
		pm.queueDequeuedTotal,
		pm.queueAckedTotal,
		pm.queueNackedTotal,
		pm.queueRecoveredTotal,
		pm.queueDepth,
		pm.leaseBorrowedTotal,
		pm.leaseReturnedTotal,
		pm.leaseBackstopTotal,
		pm.jobStageDuration,
		pm.jobsTotal,
	)

	promMetrics = pm
}

// RecordEnqueue increments the enqueued counter.
func RecordEnqueue() {
	if promMetrics == nil {
		return
	}
	promMetrics.queueEnqueuedTotal.Inc()
}

// RecordDequeue increments the dequeued counter.
func RecordDequeue() {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDequeuedTotal.Inc()
}

// RecordAck increments the acked counter.
func RecordAck() {
	if promMetrics == nil {
		return
	}
	promMetrics.queueAckedTotal.Inc()
}

// RecordNack increments the nacked counter.
func RecordNack() {
	if promMetrics == nil {
		return
	}
	promMetrics.queueNackedTotal.Inc()
}

// RecordRecovered adds the number of in-flight records recovered at startup.
func RecordRecovered(count int) {
	if promMetrics == nil || count <= 0 {
		return
	}
	promMetrics.queueRecoveredTotal.Add(float64(count))
}

// SetQueueDepth sets the pending-queue depth gauge.
func SetQueueDepth(depth int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.Set(float64(depth))
}

// RecordLeaseBorrowed increments the lease-borrowed counter.
func RecordLeaseBorrowed() {
	if promMetrics == nil {
		return
	}
	promMetrics.leaseBorrowedTotal.Inc()
}

// RecordLeaseReturned increments the lease-returned counter.
func RecordLeaseReturned() {
	if promMetrics == nil {
		return
	}
	promMetrics.leaseReturnedTotal.Inc()
}

// RecordLeaseBackstop increments the lease-backstop counter, for leases
// released via Close rather than an explicit Release.
func RecordLeaseBackstop() {
	if promMetrics == nil {
		return
	}
	promMetrics.leaseBackstopTotal.Inc()
}

// ObserveJobStageDuration records how long a single orchestration stage took.
func ObserveJobStageDuration(stage string, seconds float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobStageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordJobResult records a job's terminal outcome ("acked" or "nacked").
func RecordJobResult(result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.jobsTotal.WithLabelValues(result).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry, for registering
// additional custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
