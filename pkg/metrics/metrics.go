// Package metrics exposes Prometheus collectors for session, action, AI and
// engine activity.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ehragent"

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing, so components can take one optionally.
type Metrics struct {
	sessionsActive  prometheus.Gauge
	sessionsCreated prometheus.Counter
	actions         *prometheus.CounterVec
	aiReplies       *prometheus.CounterVec
	engineInstalls  *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	defaultSet  *Metrics
)

// Default returns the collectors registered with the global Prometheus
// registry, creating them on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultSet = MustNew(prometheus.DefaultRegisterer)
	})
	return defaultSet
}

// MustNew constructs and registers collectors with reg. Collectors already
// registered under the same name are reused; any other registration error
// panics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live browser sessions.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Browser sessions created (reused sessions excluded).",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Deterministic browser actions by type and outcome status.",
		}, []string{"type", "status"}),
		aiReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_replies_total",
			Help:      "AI reply attempts by outcome.",
		}, []string{"outcome"}),
		engineInstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_installs_total",
			Help:      "Automation runtime install attempts by result.",
		}, []string{"result"}),
	}

	m.sessionsActive = register(reg, m.sessionsActive)
	m.sessionsCreated = register(reg, m.sessionsCreated)
	m.actions = register(reg, m.actions)
	m.aiReplies = register(reg, m.aiReplies)
	m.engineInstalls = register(reg, m.engineInstalls)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// SessionOpened records a newly created session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.sessionsActive.Inc()
}

// SessionClosed records a closed session.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// ObserveAction records one deterministic action outcome.
func (m *Metrics) ObserveAction(actionType, status string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(actionType, status).Inc()
}

// ObserveAIReply records the outcome of one AI reply attempt.
func (m *Metrics) ObserveAIReply(outcome string) {
	if m == nil {
		return
	}
	m.aiReplies.WithLabelValues(outcome).Inc()
}

// ObserveInstall records an install attempt of the automation runtime.
func (m *Metrics) ObserveInstall(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.engineInstalls.WithLabelValues(result).Inc()
}
