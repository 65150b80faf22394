// Package metrics holds the Prometheus collectors that make audit and access
// outcomes visible to operators. Collectors live on their own registry so
// tests and multiple servers in one process do not collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of collectors shared by the audit log, the access
// gate, and the HTTP server. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	AuditAppended       prometheus.Counter
	AuditWriteFailures  *prometheus.CounterVec
	AuditConflicts      prometheus.Counter
	AuditDecryptFailure prometheus.Counter
	AccessDecisions     *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AuditAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socledger",
			Subsystem: "audit",
			Name:      "entries_appended_total",
			Help:      "Audit log entries appended to the hash chain.",
		}),
		AuditWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socledger",
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Audit records that could not be written, by reason.",
		}, []string{"reason"}),
		AuditConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socledger",
			Subsystem: "audit",
			Name:      "append_conflicts_total",
			Help:      "Appends retried because another writer extended the chain first.",
		}),
		AuditDecryptFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socledger",
			Subsystem: "audit",
			Name:      "decrypt_failures_total",
			Help:      "Audit entries whose details could not be decrypted on read.",
		}),
		AccessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socledger",
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Temporal access gate decisions, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AuditAppended,
		m.AuditWriteFailures,
		m.AuditConflicts,
		m.AuditDecryptFailure,
		m.AccessDecisions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (used by tests to gather values).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncAppended() {
	if m != nil {
		m.AuditAppended.Inc()
	}
}

func (m *Metrics) IncWriteFailure(reason string) {
	if m != nil {
		m.AuditWriteFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncConflict() {
	if m != nil {
		m.AuditConflicts.Inc()
	}
}

func (m *Metrics) IncDecryptFailure() {
	if m != nil {
		m.AuditDecryptFailure.Inc()
	}
}

func (m *Metrics) ObserveDecision(allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.AccessDecisions.WithLabelValues(result).Inc()
}
