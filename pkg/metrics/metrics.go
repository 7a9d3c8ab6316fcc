package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stationwake/stationwake/pkg"
)

// Metrics holds the prometheus collectors for the decision pipeline.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal           prometheus.Counter
	DecisionsTotal       *prometheus.CounterVec
	NotificationsFired   prometheus.Counter
	NotificationFailures prometheus.Counter
	FallbackTransitions  prometheus.Counter
	SafeTimeouts         prometheus.Counter
	MonitoredAlerts      prometheus.Gauge
	Confidence           *prometheus.GaugeVec
}

// New creates the metrics set on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stationwake_ticks_total",
			Help: "Total decision ticks processed.",
		}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stationwake_decisions_total",
			Help: "Decisions produced, by effective mode.",
		}, []string{"mode"}),
		NotificationsFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "stationwake_notifications_fired_total",
			Help: "Wake-up notifications scheduled.",
		}),
		NotificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stationwake_notification_failures_total",
			Help: "Notification scheduling failures.",
		}),
		FallbackTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "stationwake_fallback_transitions_total",
			Help: "Transitions into fallback tracking.",
		}),
		SafeTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "stationwake_safe_timeouts_total",
			Help: "Safe-timeout notifications emitted with no usable estimate.",
		}),
		MonitoredAlerts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stationwake_monitored_alerts",
			Help: "Alerts currently held by the monitor.",
		}),
		Confidence: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stationwake_decision_confidence",
			Help: "Confidence of the latest decision, per alert.",
		}, []string{"alert"}),
	}
}

// ObserveDecision records one produced decision.
func (m *Metrics) ObserveDecision(d *pkg.Decision) {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	m.DecisionsTotal.WithLabelValues(d.Mode.String()).Inc()
	m.Confidence.WithLabelValues(d.AlertID).Set(d.Confidence)
	if d.Reason == pkg.ReasonSafeTimeout {
		m.SafeTimeouts.Inc()
	}
}

// DropAlert removes per-alert gauges for a deactivated alert.
func (m *Metrics) DropAlert(alertID string) {
	if m == nil {
		return
	}
	m.Confidence.DeleteLabelValues(alertID)
}

// Handler exposes the registry for the debug server.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
