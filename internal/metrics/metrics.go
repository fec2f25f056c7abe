// Package metrics exposes station counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hfbeacon/internal/scheduler"
)

const namespace = "hfbeacon"

// Metrics holds all collectors for the station. It implements the
// scheduler and listener recorder interfaces.
type Metrics struct {
	registry *prometheus.Registry

	BeaconsReceived   *prometheus.CounterVec
	BeaconsSent       prometheus.Counter
	BeaconsSkipped    *prometheus.CounterVec
	FramesDiscarded   *prometheus.CounterVec
	ModeSwitches      *prometheus.CounterVec
	SchedulerState    prometheus.Gauge
	StateTransitions  *prometheus.CounterVec
	LastBeaconSentSec prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BeaconsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "beacons_received_total",
			Help:      "Valid beacons received, by whether the peer was new.",
		}, []string{"new"}),
		BeaconsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "beacons_sent_total",
			Help:      "Beacons transmitted.",
		}),
		BeaconsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "beacons_skipped_total",
			Help:      "Beacon windows that did not transmit, by reason.",
		}, []string{"reason"}),
		FramesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_discarded_total",
			Help:      "Received beacon frames discarded, by reason.",
		}, []string{"reason"}),
		ModeSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_switches_total",
			Help:      "Modem mode switch attempts, by modulation and result.",
		}, []string{"mode", "result"}),
		SchedulerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_state",
			Help:      "Current scheduler state as its numeric value.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_transitions_total",
			Help:      "Scheduler state entries, by state.",
		}, []string{"state"}),
		LastBeaconSentSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_beacon_sent_timestamp_seconds",
			Help:      "Unix time of the last transmitted beacon.",
		}),
	}

	m.registry.MustRegister(
		m.BeaconsReceived,
		m.BeaconsSent,
		m.BeaconsSkipped,
		m.FramesDiscarded,
		m.ModeSwitches,
		m.SchedulerState,
		m.StateTransitions,
		m.LastBeaconSentSec,
	)
	m.SchedulerState.Set(float64(scheduler.DataMode))

	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterGaugeFunc adds a gauge whose value is read on every scrape.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) StateChanged(s scheduler.State) {
	m.SchedulerState.Set(float64(s))
	m.StateTransitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) ModeSwitch(mode string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ModeSwitches.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) BeaconSent() {
	m.BeaconsSent.Inc()
	m.LastBeaconSentSec.SetToCurrentTime()
}

func (m *Metrics) BeaconSkipped(reason string) {
	m.BeaconsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) BeaconReceived(isNew bool) {
	label := "false"
	if isNew {
		label = "true"
	}
	m.BeaconsReceived.WithLabelValues(label).Inc()
}

func (m *Metrics) FrameDiscarded(reason string) {
	m.FramesDiscarded.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
