// metrics.go -- Prometheus counters for the auth surface.
//
// A nil *Metrics is valid and records nothing, so tests and callers that
// don't care about metrics can leave the field unset.
package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts auth outcomes. Label values are fixed strings, never user input.
type Metrics struct {
	loginAttempts   *prometheus.CounterVec
	registrations   *prometheus.CounterVec
	secretChanges   *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	resolveFailures *prometheus.CounterVec
}

// NewMetrics creates the auth counters and registers them with reg.
// Panics on duplicate registration, like prometheus.MustRegister.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocgamma",
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocgamma",
			Subsystem: "auth",
			Name:      "registrations_total",
			Help:      "Registration attempts by result.",
		}, []string{"result"}),
		secretChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocgamma",
			Subsystem: "auth",
			Name:      "secret_changes_total",
			Help:      "Password change attempts by result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocgamma",
			Subsystem: "auth",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by operation.",
		}, []string{"operation"}),
		resolveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ocgamma",
			Subsystem: "auth",
			Name:      "resolve_failures_total",
			Help:      "Protected requests that failed to resolve a principal, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.loginAttempts, m.registrations, m.secretChanges, m.rateLimited, m.resolveFailures)
	return m
}

func (m *Metrics) login(result string) {
	if m != nil {
		m.loginAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) register(result string) {
	if m != nil {
		m.registrations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) secretChange(result string) {
	if m != nil {
		m.secretChanges.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) limited(operation string) {
	if m != nil {
		m.rateLimited.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) resolveFailed(reason string) {
	if m != nil {
		m.resolveFailures.WithLabelValues(reason).Inc()
	}
}
