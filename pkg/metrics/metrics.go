// Package metrics wraps a Prometheus registry with the get-or-create helpers
// the binaries use, and defines the ingestion and retrieval instruments.
package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are the default histogram buckets (in seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900}

// Registry owns one Prometheus registry. Asking twice for the same name
// returns the same vector.
type Registry struct {
	namespace string
	reg       *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// New creates a Registry with Go runtime and process collectors registered.
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		namespace:  namespace,
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Counter returns the counter vector registered under name.
func (r *Registry) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: r.namespace, Name: name, Help: help}, labels)
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

// Gauge returns the gauge vector registered under name.
func (r *Registry) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: r.namespace, Name: name, Help: help}, labels)
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

// Histogram returns the histogram vector registered under name. Nil buckets
// select DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	if buckets == nil {
		buckets = DefaultBuckets
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: r.namespace, Name: name, Help: help, Buckets: buckets}, labels)
	r.reg.MustRegister(h)
	r.histograms[name] = h
	return h
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Serve starts an HTTP server on addr serving /metrics.
func (r *Registry) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	return http.ListenAndServe(addr, mux)
}

// ServeAsync starts the metrics server in a goroutine. Errors are logged.
func (r *Registry) ServeAsync(addr string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		if err := r.Serve(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "err", err)
		}
	}()
}

// Since observes the seconds elapsed since t.
func Since(o prometheus.Observer, t time.Time) {
	o.Observe(time.Since(t).Seconds())
}

// Pipeline groups the instruments of ingestion and retrieval.
type Pipeline struct {
	Files         *prometheus.CounterVec   // status
	Units         *prometheus.CounterVec   // document_type
	StageDuration *prometheus.HistogramVec // stage
	StageErrors   *prometheus.CounterVec   // stage
	Jobs          *prometheus.CounterVec   // outcome
	InFlight      *prometheus.GaugeVec
	Retrievals    *prometheus.CounterVec   // outcome
	RetrieveTime  *prometheus.HistogramVec
	Merges        *prometheus.CounterVec
}

// NewPipeline registers the pipeline instruments on r.
func NewPipeline(r *Registry) *Pipeline {
	return &Pipeline{
		Files:         r.Counter("ingest_files_total", "Files processed by terminal status", "status"),
		Units:         r.Counter("ingest_units_total", "Content units indexed by document type", "document_type"),
		StageDuration: r.Histogram("ingest_stage_duration_seconds", "Per-stage duration", nil, "stage"),
		StageErrors:   r.Counter("ingest_stage_errors_total", "Stage failures", "stage"),
		Jobs:          r.Counter("ingest_jobs_total", "Ingestion jobs by outcome", "outcome"),
		InFlight:      r.Gauge("ingest_files_in_flight", "Files currently being processed"),
		Retrievals:    r.Counter("retrieve_requests_total", "Retrieval requests by outcome", "outcome"),
		RetrieveTime:  r.Histogram("retrieve_duration_seconds", "Retrieval latency", []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}),
		Merges:        r.Counter("normalize_table_merges_total", "Cross-page table merges"),
	}
}
