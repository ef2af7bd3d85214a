// Package metrics exports orchestrator activity as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/autopilot/internal/completion"
)

// Recorder receives orchestrator measurements.
type Recorder interface {
	RunStarted(agent string)
	RunFinished(agent string, outcome completion.Type, duration time.Duration)
	SetActive(agent string, n int)
	SetBackoff(agent string, seconds int)
	TaskEscalated(reason string)
}

// Nop is a Recorder that records nothing.
var Nop Recorder = nop{}

type nop struct{}

func (nop) RunStarted(string)                                  {}
func (nop) RunFinished(string, completion.Type, time.Duration) {}
func (nop) SetActive(string, int)                              {}
func (nop) SetBackoff(string, int)                             {}
func (nop) TaskEscalated(string)                               {}

// Exporter is a Recorder backed by Prometheus collectors.
type Exporter struct {
	runsStarted    *prom.CounterVec
	runsFinished   *prom.CounterVec
	runDuration    *prom.HistogramVec
	activeRuns     *prom.GaugeVec
	backoffSeconds *prom.GaugeVec
	escalations    *prom.CounterVec
}

var _ Recorder = (*Exporter)(nil)

// runBuckets span quick failures up to multi-hour agent sessions.
var runBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200}

// NewExporter creates and registers the orchestrator collectors.
func NewExporter(namespace string, reg prom.Registerer) (*Exporter, error) {
	if namespace == "" {
		namespace = "autopilot"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	started := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "runs_started_total",
		Help:      "Agent runs spawned.",
	}, []string{"agent"})
	finished := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "runs_finished_total",
		Help:      "Agent runs finished, by completion type.",
	}, []string{"agent", "outcome"})
	duration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Agent run wall time in seconds.",
		Buckets:   runBuckets,
	}, []string{"agent", "outcome"})
	active := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Agent processes currently running.",
	}, []string{"agent"})
	backoff := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "agent_backoff_seconds",
		Help:      "Seconds left in the agent's backoff window.",
	}, []string{"agent"})
	escalations := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_total",
		Help:      "Tasks handed to a human, by reason.",
	}, []string{"reason"})

	var err error
	if started, err = registerCollector(reg, started); err != nil {
		return nil, err
	}
	if finished, err = registerCollector(reg, finished); err != nil {
		return nil, err
	}
	if duration, err = registerCollector(reg, duration); err != nil {
		return nil, err
	}
	if active, err = registerCollector(reg, active); err != nil {
		return nil, err
	}
	if backoff, err = registerCollector(reg, backoff); err != nil {
		return nil, err
	}
	if escalations, err = registerCollector(reg, escalations); err != nil {
		return nil, err
	}

	return &Exporter{
		runsStarted:    started,
		runsFinished:   finished,
		runDuration:    duration,
		activeRuns:     active,
		backoffSeconds: backoff,
		escalations:    escalations,
	}, nil
}

// RunStarted implements Recorder.
func (e *Exporter) RunStarted(agent string) {
	e.runsStarted.WithLabelValues(label(agent)).Inc()
}

// RunFinished implements Recorder.
func (e *Exporter) RunFinished(agent string, outcome completion.Type, duration time.Duration) {
	e.runsFinished.WithLabelValues(label(agent), outcome.String()).Inc()
	e.runDuration.WithLabelValues(label(agent), outcome.String()).Observe(duration.Seconds())
}

// SetActive implements Recorder.
func (e *Exporter) SetActive(agent string, n int) {
	e.activeRuns.WithLabelValues(label(agent)).Set(float64(n))
}

// SetBackoff implements Recorder.
func (e *Exporter) SetBackoff(agent string, seconds int) {
	e.backoffSeconds.WithLabelValues(label(agent)).Set(float64(seconds))
}

// TaskEscalated implements Recorder.
func (e *Exporter) TaskEscalated(reason string) {
	e.escalations.WithLabelValues(label(reason)).Inc()
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prom.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("WARNING: metrics server shutdown: %v", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
