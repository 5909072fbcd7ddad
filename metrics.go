package divvy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromMetrics mirrors the Stats counters as Prometheus instruments so
// an operator can scrape a running master instead of grepping logs.
// Grounded in the metrics registration style of internal/metrics in
// the raft-recovery example (client_golang counters/gauges registered
// up front and served over a small dedicated mux).
type PromMetrics struct {
	Dispatched prometheus.Counter
	Spawned    prometheus.Counter
	Reaped     prometheus.Counter
}

// NewPromMetrics creates and registers the divvy metric family against reg.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "divvy",
			Name:      "items_dispatched_total",
			Help:      "Work items handed off to a worker.",
		}),
		Spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "divvy",
			Name:      "workers_spawned_total",
			Help:      "Worker processes started, including re-spawns after a crash.",
		}),
		Reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "divvy",
			Name:      "workers_reaped_total",
			Help:      "Worker processes reaped after exit.",
		}),
	}
	reg.MustRegister(m.Dispatched, m.Spawned, m.Reaped)
	return m
}

// ServeMetrics starts a /metrics HTTP server on addr in the
// background and returns the *http.Server so the caller can shut it
// down. Used only when --metrics-addr is set; the core engine never
// calls this itself.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

// ShutdownMetrics gives the metrics server a bounded window to drain.
func ShutdownMetrics(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}
