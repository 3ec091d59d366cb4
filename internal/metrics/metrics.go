// Package metrics exposes the coordinator's Prometheus collectors on a
// private registry so tests and multiple instances never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "glasscloud"

type Metrics struct {
	registry *prometheus.Registry

	SessionsActive        prometheus.Gauge
	ConnectionTransitions *prometheus.CounterVec
	ReconnectsScheduled   prometheus.Counter
	DisplayRequests       *prometheus.CounterVec
	DashboardRenders      prometheus.Counter
	Recoveries            *prometheus.CounterVec
	RegistrationsLive     prometheus.Gauge
	WebhookFailures       prometheus.Counter
	CleanupFailures       prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "User sessions currently held by this instance.",
		}),
		ConnectionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_transitions_total",
			Help: "TPA connection state transitions.",
		}, []string{"from", "to"}),
		ReconnectsScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_scheduled_total",
			Help: "Reconnect attempts scheduled after abnormal closes.",
		}),
		DisplayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "display_requests_total",
			Help: "Display requests by arbitration outcome.",
		}, []string{"outcome"}),
		DashboardRenders: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dashboard_renders_total",
			Help: "Dashboard layouts pushed to glasses.",
		}),
		Recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "recoveries_total",
			Help: "Per-session recovery attempts triggered by TPA registration.",
		}, []string{"result"}),
		RegistrationsLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "registrations_live",
			Help: "Registrations whose last heartbeat is inside the liveness window.",
		}),
		WebhookFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_failures_total",
			Help: "Session webhook deliveries that failed.",
		}),
		CleanupFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cleanup_failures_total",
			Help: "Tracked resource cleanups that returned an error or panicked.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// The helpers below tolerate a nil receiver so components can run without
// metrics in tests.

func (m *Metrics) Transition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.ConnectionTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m != nil {
		m.ReconnectsScheduled.Inc()
	}
}

func (m *Metrics) DisplayOutcome(outcome string) {
	if m != nil {
		m.DisplayRequests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) DashboardRendered() {
	if m != nil {
		m.DashboardRenders.Inc()
	}
}

func (m *Metrics) Recovery(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Recoveries.WithLabelValues(result).Inc()
}

func (m *Metrics) SetLiveRegistrations(n int) {
	if m != nil {
		m.RegistrationsLive.Set(float64(n))
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) WebhookFailed() {
	if m != nil {
		m.WebhookFailures.Inc()
	}
}

func (m *Metrics) CleanupFailed() {
	if m != nil {
		m.CleanupFailures.Inc()
	}
}
