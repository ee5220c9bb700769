// Package metrics exports the coordinator's counters and gauges to
// Prometheus.
//
// Every method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "txmon"

// Metrics holds the coordinator's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	begun        prometheus.Counter
	outcomes     *prometheus.CounterVec
	requests     *prometheus.CounterVec
	replies      *prometheus.CounterVec
	transactions prometheus.Gauge
	pending      *prometheus.GaugeVec
	instances    *prometheus.GaugeVec
	flush        prometheus.Histogram
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		begun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_begun_total",
			Help:      "Transactions begun by local callers.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_completed_total",
			Help:      "Transactions completed, by reply code.",
		}, []string{"state"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branch_requests_total",
			Help:      "Prepare, commit and rollback requests sent to branches.",
		}, []string{"op", "target"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branch_replies_total",
			Help:      "Branch replies received, by operation and code.",
		}, []string{"op", "state"}),
		transactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions",
			Help:      "Transactions in the transaction table.",
		}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_messages",
			Help:      "Messages waiting in the pending queues.",
		}, []string{"queue"}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_instances",
			Help:      "Resource proxy instances, by group and state.",
		}, []string{"resource", "state"}),
		flush: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "log_flush_seconds",
			Help:      "Time to commit a transaction log batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	m.registry.MustRegister(
		m.begun,
		m.outcomes,
		m.requests,
		m.replies,
		m.transactions,
		m.pending,
		m.instances,
		m.flush,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Begun() {
	if m == nil {
		return
	}
	m.begun.Inc()
}

// Completed counts a reply owed to a caller or peer coordinator.
func (m *Metrics) Completed(state string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(state).Inc()
}

// Requested counts a branch request. target is "local" or "domain".
func (m *Metrics) Requested(op, target string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, target).Inc()
}

func (m *Metrics) Replied(op, state string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(op, state).Inc()
}

// Flushed records the duration of a log commit.
func (m *Metrics) Flushed(d time.Duration) {
	if m == nil {
		return
	}
	m.flush.Observe(d.Seconds())
}

// Gauges is a point-in-time sample of the coordinator's sizes.
type Gauges struct {
	Transactions    int
	PendingReplies  int
	PendingRequests int
	// Instances counts proxy instances by group name, then state.
	Instances map[string]map[string]int
}

// Set replaces every gauge with g.
func (m *Metrics) Set(g Gauges) {
	if m == nil {
		return
	}
	m.transactions.Set(float64(g.Transactions))
	m.pending.WithLabelValues("replies").Set(float64(g.PendingReplies))
	m.pending.WithLabelValues("requests").Set(float64(g.PendingRequests))
	m.instances.Reset()
	for resource, states := range g.Instances {
		for state, n := range states {
			m.instances.WithLabelValues(resource, state).Set(float64(n))
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics enabled", "listen", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics serve: %w", err)
	}
	return nil
}
