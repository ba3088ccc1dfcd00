// Package metrics exposes prometheus counters for the billing core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	registry *prometheus.Registry

	commitsTotal       *prometheus.CounterVec
	grantsTotal        *prometheus.CounterVec
	admissionDecisions *prometheus.CounterVec
	freeTierResets     prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polly",
			Subsystem: "billing",
			Name:      "ledger_commits_total",
			Help:      "Ledger commits by outcome (charged, free, replayed).",
		}, []string{"result"}),
		grantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polly",
			Subsystem: "billing",
			Name:      "ledger_grants_total",
			Help:      "Credit grants applied, by transaction kind.",
		}, []string{"kind"}),
		admissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polly",
			Subsystem: "billing",
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by kind (free_tier, charge, denied).",
		}, []string{"decision"}),
		freeTierResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "polly",
			Subsystem: "billing",
			Name:      "free_tier_resets_total",
			Help:      "Free-tier allowance resets applied.",
		}),
	}
	registry.MustRegister(m.commitsTotal, m.grantsTotal, m.admissionDecisions, m.freeTierResets)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordCommit(result string) {
	m.commitsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordGrant(kind string) {
	m.grantsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDecision(decision string) {
	m.admissionDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordFreeTierReset(count int) {
	m.freeTierResets.Add(float64(count))
}
