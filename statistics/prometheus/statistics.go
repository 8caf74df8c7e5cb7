// Package prometheus exposes job lifecycle counters and a resolution latency
// histogram as Prometheus metrics, labeled by job name.
package prometheus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oshribin/duty/core"
)

// Options for Prometheus statistics
type Options struct {
	// Namespace prefixes every metric name
	Namespace string

	// Registry the collectors are registered with and gathered from.
	// Nil means a fresh registry per backend.
	Registry *prometheus.Registry

	// Buckets of the latency histogram, in seconds
	Buckets []float64
}

// DefaultOptions returns default Prometheus statistics options
func DefaultOptions() Options {
	return Options{
		Namespace: "duty",
		Buckets:   prometheus.DefBuckets,
	}
}

// PrometheusStatistics implements core.Statistics with Prometheus collectors
type PrometheusStatistics struct {
	registry *prometheus.Registry

	jobsSubmitted *prometheus.CounterVec
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobLatency    *prometheus.HistogramVec
	jobsInFlight  *prometheus.GaugeVec

	mu        sync.Mutex
	connected bool
}

// NewStatistics creates the collectors. They are registered on Connect.
func NewStatistics(options Options) *PrometheusStatistics {
	registry := options.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	buckets := options.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: options.Namespace,
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}

	return &PrometheusStatistics{
		registry:      registry,
		jobsSubmitted: counter("jobs_submitted_total", "Total number of jobs submitted"),
		jobsStarted:   counter("jobs_started_total", "Total number of jobs delivered to a listener"),
		jobsCompleted: counter("jobs_completed_total", "Total number of jobs completed successfully"),
		jobsFailed:    counter("jobs_failed_total", "Total number of jobs failed, canceled or expired"),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: options.Namespace,
			Name:      "job_latency_seconds",
			Help:      "Time from delivery to resolution in seconds",
			Buckets:   buckets,
		}, []string{"name", "outcome"}),
		jobsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: options.Namespace,
			Name:      "jobs_in_flight",
			Help:      "Current number of running jobs",
		}, []string{"name"}),
	}
}

// Connect registers the collectors
func (p *PrometheusStatistics) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}
	for _, c := range p.collectors() {
		if err := p.registry.Register(c); err != nil {
			return err
		}
	}
	p.connected = true
	return nil
}

// Close unregisters the collectors
func (p *PrometheusStatistics) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}
	for _, c := range p.collectors() {
		p.registry.Unregister(c)
	}
	p.connected = false
	return nil
}

// Health always succeeds; collection happens in process
func (p *PrometheusStatistics) Health() error {
	return nil
}

// Type returns the statistics backend type
func (p *PrometheusStatistics) Type() string {
	return "prometheus"
}

// Registry returns the registry the collectors live in
func (p *PrometheusStatistics) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format
func (p *PrometheusStatistics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// RecordJobSubmitted records a submitted job
func (p *PrometheusStatistics) RecordJobSubmitted(ctx context.Context, info core.JobInfo) error {
	p.jobsSubmitted.WithLabelValues(info.Name).Inc()
	return nil
}

// RecordJobStarted records a job handed to its listener
func (p *PrometheusStatistics) RecordJobStarted(ctx context.Context, info core.JobInfo) error {
	p.jobsStarted.WithLabelValues(info.Name).Inc()
	p.jobsInFlight.WithLabelValues(info.Name).Inc()
	return nil
}

// RecordJobCompleted records successful job completion
func (p *PrometheusStatistics) RecordJobCompleted(ctx context.Context, info core.JobInfo, duration time.Duration) error {
	p.jobsCompleted.WithLabelValues(info.Name).Inc()
	p.observe(info.Name, "success", duration)
	return nil
}

// RecordJobFailed records job failure
func (p *PrometheusStatistics) RecordJobFailed(ctx context.Context, info core.JobInfo, err error, duration time.Duration) error {
	p.jobsFailed.WithLabelValues(info.Name).Inc()
	p.observe(info.Name, "error", duration)
	return nil
}

// observe only counts jobs that were delivered; a pending job canceled
// before delivery has no latency and never entered the in-flight gauge.
func (p *PrometheusStatistics) observe(name, outcome string, duration time.Duration) {
	if duration <= 0 {
		return
	}
	p.jobsInFlight.WithLabelValues(name).Dec()
	p.jobLatency.WithLabelValues(name, outcome).Observe(duration.Seconds())
}

func (p *PrometheusStatistics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.jobsSubmitted,
		p.jobsStarted,
		p.jobsCompleted,
		p.jobsFailed,
		p.jobLatency,
		p.jobsInFlight,
	}
}

var _ core.Statistics = (*PrometheusStatistics)(nil)
