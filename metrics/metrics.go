// Package metrics exposes load and mode switching state to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loadswitch"

// Outcome labels for the runs counter.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeStopped = "stopped"
)

// Metrics holds the collectors. The zero value is not usable; call New.
type Metrics struct {
	registry *prometheus.Registry

	CPU      prometheus.Gauge
	RAM      prometheus.Gauge
	Mode     prometheus.Gauge
	Switches *prometheus.CounterVec
	Runs     *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_percent",
			Help:      "Most recent host CPU utilisation sample.",
		}),
		RAM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ram_percent",
			Help:      "Most recent host memory utilisation sample.",
		}),
		Mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode",
			Help:      "Committed mode: 0 heavy, 1 light.",
		}),
		Switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switches_total",
			Help:      "Committed mode switches by target mode.",
		}, []string{"to"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished detector processes by mode and outcome.",
		}, []string{"mode", "outcome"}),
	}

	m.registry.MustRegister(m.CPU, m.RAM, m.Mode, m.Switches, m.Runs)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutdownCtx), "metrics shutdown")
	}
}
