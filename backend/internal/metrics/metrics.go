package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the application. A nil
// *Collector is valid and records nothing, so components can run without one.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Resolution metrics
	Resolutions     *prometheus.CounterVec
	ResolveDuration prometheus.Histogram

	// Relationship metrics
	Edges         *prometheus.CounterVec
	NotesAppended prometheus.Counter

	// Salience metrics
	Accesses *prometheus.CounterVec

	// Pipeline metrics
	Chunks        *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Entity resolutions by the highest tier that matched",
			},
			[]string{"tier"},
		),
		ResolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_duration_seconds",
				Help:      "Entity resolution latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		Edges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relationships_total",
				Help:      "Relationship operations by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		NotesAppended: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relationship_notes_appended_total",
				Help:      "Total number of notes appended to relationships",
			},
		),
		Accesses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accesses_total",
				Help:      "Access events applied to nodes and relationships",
			},
			[]string{"target"},
		),
		Chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_total",
				Help:      "Processed transcript chunks by outcome",
			},
			[]string{"outcome"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Ingestion phase duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"phase"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.HTTPRequests, c.HTTPDuration,
		c.Resolutions, c.ResolveDuration,
		c.Edges, c.NotesAppended,
		c.Accesses,
		c.Chunks, c.PhaseDuration,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordHTTP(method, route, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, status).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) RecordResolution(tier string, d time.Duration) {
	if c == nil {
		return
	}
	c.Resolutions.WithLabelValues(tier).Inc()
	c.ResolveDuration.Observe(d.Seconds())
}

func (c *Collector) RecordEdge(edgeType, outcome string) {
	if c == nil {
		return
	}
	c.Edges.WithLabelValues(edgeType, outcome).Inc()
}

func (c *Collector) RecordNote() {
	if c == nil {
		return
	}
	c.NotesAppended.Inc()
}

func (c *Collector) RecordAccess(target string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Accesses.WithLabelValues(target).Add(float64(n))
}

func (c *Collector) RecordChunk(outcome string) {
	if c == nil {
		return
	}
	c.Chunks.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordPhase(phase string, d time.Duration) {
	if c == nil {
		return
	}
	c.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}
