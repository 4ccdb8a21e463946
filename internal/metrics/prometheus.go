// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exports tunwall's counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/tunwall/internal/firewall"
)

// Metrics holds the process-wide collectors.
type Metrics struct {
	// Device metrics
	PacketsRead    prometheus.Counter
	PacketsWritten prometheus.Counter
	DecodeErrors   *prometheus.CounterVec
	QueueDrops     *prometheus.CounterVec

	// Inspection metrics
	Decisions *prometheus.CounterVec
	FailOpens *prometheus.CounterVec

	// Rule metrics
	RulesVersion prometheus.Gauge
	RuleRefresh  *prometheus.CounterVec

	flows *FlowCollector
}

// New creates the collectors. Nothing is registered until Register.
func New() *Metrics {
	return &Metrics{
		PacketsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunwall_device_packets_read_total",
			Help: "Total number of packets read from the tun device",
		}),
		PacketsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunwall_device_packets_written_total",
			Help: "Total number of packets written to the tun device",
		}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunwall_device_decode_errors_total",
			Help: "Packets read from the device that could not be decoded",
		}, []string{"kind"}),
		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunwall_queue_drops_total",
			Help: "Packets discarded unprocessed from a work queue at shutdown",
		}, []string{"queue"}),

		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunwall_firewall_decisions_total",
			Help: "Firewall decisions by detected protocol and status",
		}, []string{"protocol", "status"}),
		FailOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunwall_firewall_fail_open_total",
			Help: "Flows whose inspection failed and were forwarded unmodified",
		}, []string{"protocol"}),

		RulesVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunwall_rules_version",
			Help: "Version of the installed rule table",
		}),
		RuleRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunwall_rules_refresh_total",
			Help: "Rule feed refresh attempts by result",
		}, []string{"result"}),

		flows: NewFlowCollector(),
	}
}

// Flows returns the collector for per-transport flow statistics.
func (m *Metrics) Flows() *FlowCollector { return m.flows }

// Decision implements firewall.Observer.
func (m *Metrics) Decision(p firewall.Protocol, s firewall.Status) {
	m.Decisions.WithLabelValues(p.String(), s.String()).Inc()
}

// FailOpen implements firewall.Observer.
func (m *Metrics) FailOpen(p firewall.Protocol) {
	m.FailOpens.WithLabelValues(p.String()).Inc()
}

// RefreshResult records the outcome of a rule refresh.
func (m *Metrics) RefreshResult(version uint64, err error) {
	if err != nil {
		m.RuleRefresh.WithLabelValues("error").Inc()
		return
	}
	m.RuleRefresh.WithLabelValues("ok").Inc()
	m.RulesVersion.Set(float64(version))
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.PacketsRead.Describe(ch)
	m.PacketsWritten.Describe(ch)
	m.DecodeErrors.Describe(ch)
	m.QueueDrops.Describe(ch)
	m.Decisions.Describe(ch)
	m.FailOpens.Describe(ch)
	m.RulesVersion.Describe(ch)
	m.RuleRefresh.Describe(ch)
	m.flows.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.PacketsRead.Collect(ch)
	m.PacketsWritten.Collect(ch)
	m.DecodeErrors.Collect(ch)
	m.QueueDrops.Collect(ch)
	m.Decisions.Collect(ch)
	m.FailOpens.Collect(ch)
	m.RulesVersion.Collect(ch)
	m.RuleRefresh.Collect(ch)
	m.flows.Collect(ch)
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}
