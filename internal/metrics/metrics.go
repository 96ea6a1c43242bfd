// Package metrics exposes ingest counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records item, fetch and cycle metrics. It satisfies the runner's Metrics and the
// fetch service's Recorder.
type Collector struct {
	items           *prometheus.CounterVec
	fetches         *prometheus.CounterVec
	browserRestarts prometheus.Counter
	cycleDuration   prometheus.Histogram
	lastCycle       prometheus.Gauge
}

// NewCollector creates the collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "khobor_items_total",
			Help: "Feed items processed, by source and outcome.",
		}, []string{"source", "outcome"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "khobor_fetch_total",
			Help: "Article document fetches, by final strategy and result.",
		}, []string{"strategy", "result"}),
		browserRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "khobor_browser_restarts_total",
			Help: "Browser sessions relaunched after turning unhealthy.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "khobor_cycle_duration_seconds",
			Help:    "Wall time of a full ingest cycle.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "khobor_last_cycle_timestamp_seconds",
			Help: "Unix time the last ingest cycle finished.",
		}),
	}

	reg.MustRegister(c.items, c.fetches, c.browserRestarts, c.cycleDuration, c.lastCycle)
	return c
}

// ItemProcessed counts one item outcome ("saved" or "skipped").
func (c *Collector) ItemProcessed(sourceID, outcome string) {
	c.items.WithLabelValues(sourceID, outcome).Inc()
}

// CycleCompleted observes a cycle's duration.
func (c *Collector) CycleCompleted(d time.Duration) {
	c.cycleDuration.Observe(d.Seconds())
	c.lastCycle.SetToCurrentTime()
}

// FetchResult counts one document fetch.
func (c *Collector) FetchResult(strategy string, ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	c.fetches.WithLabelValues(strategy, result).Inc()
}

// BrowserRestart counts a browser relaunch.
func (c *Collector) BrowserRestart() { c.browserRestarts.Inc() }

// Router serves /metrics from gatherer and a plain /healthz.
func Router(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Server wraps an http.Server so it can run as a process actor.
type Server struct {
	srv *http.Server
}

// NewServer binds handler to addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Run serves until Shutdown. A normal shutdown returns nil.
func (s *Server) Run() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting up to five seconds for in-flight scrapes.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
