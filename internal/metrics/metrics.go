// Package metrics exports Prometheus collectors for shell reads and
// connection state changes.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gluk-w/smartshell/internal/output"
	"github.com/gluk-w/smartshell/internal/reader"
	"github.com/gluk-w/smartshell/internal/sshconn"
)

const namespace = "smartshell"

// Metrics holds the collectors. It implements reader.Observer.
type Metrics struct {
	Reads        *prometheus.CounterVec
	ReadBytes    *prometheus.CounterVec
	ReadDuration *prometheus.HistogramVec

	StateTransitions *prometheus.CounterVec
	Commands         *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Reads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reads_total",
				Help:      "Completed shell reads by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		ReadBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "read_bytes_total",
				Help:      "Bytes read from the remote shell by channel",
			},
			[]string{"channel"},
		),
		ReadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "read_duration_seconds",
				Help:      "Shell read duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"mode"},
		),
		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_state_transitions_total",
				Help:      "SSH connection state transitions by target state",
			},
			[]string{"to"},
		),
		Commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands run by kind and result",
			},
			[]string{"kind", "result"},
		),
		registry: reg,
	}
}

// ObserveRead records one completed read.
func (m *Metrics) ObserveRead(r reader.Report) {
	m.Reads.WithLabelValues(string(r.Mode), string(r.Outcome)).Inc()
	m.ReadBytes.WithLabelValues(output.Primary.String()).Add(float64(r.PrimaryBytes))
	m.ReadBytes.WithLabelValues(output.Diagnostic.String()).Add(float64(r.DiagnosticBytes))
	m.ReadDuration.WithLabelValues(string(r.Mode)).Observe(r.Duration.Seconds())
}

// ObserveStateChange has the sshconn.StateCallback signature.
func (m *Metrics) ObserveStateChange(_ string, _, to sshconn.ConnectionState) {
	m.StateTransitions.WithLabelValues(to.String()).Inc()
}

// ObserveCommand counts a command of the given kind ("smart", "exec").
func (m *Metrics) ObserveCommand(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commands.WithLabelValues(kind, result).Inc()
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var _ reader.Observer = (*Metrics)(nil)
