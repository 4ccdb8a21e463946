// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// FlowStats is a point-in-time view of one flow engine.
type FlowStats struct {
	Active        int
	Capacity      int
	Opened        uint64
	Closed        uint64
	Resets        uint64
	Errors        uint64
	BytesToRemote uint64
	BytesToDevice uint64
	Synthesized   uint64
}

// FlowSource reads the current statistics of an engine.
type FlowSource func() FlowStats

// FlowCollector reads engine statistics at scrape time, so the engines keep
// their own atomic counters and never depend on Prometheus.
type FlowCollector struct {
	mu      sync.RWMutex
	sources map[string]FlowSource

	active      *prometheus.Desc
	capacity    *prometheus.Desc
	opened      *prometheus.Desc
	closed      *prometheus.Desc
	resets      *prometheus.Desc
	errors      *prometheus.Desc
	bytes       *prometheus.Desc
	synthesized *prometheus.Desc
}

// NewFlowCollector creates an empty collector.
func NewFlowCollector() *FlowCollector {
	labels := []string{"transport"}
	return &FlowCollector{
		sources:     make(map[string]FlowSource),
		active:      prometheus.NewDesc("tunwall_flows_active", "Live flows", labels, nil),
		capacity:    prometheus.NewDesc("tunwall_flows_capacity", "Flow table capacity", labels, nil),
		opened:      prometheus.NewDesc("tunwall_flows_opened_total", "Flows created", labels, nil),
		closed:      prometheus.NewDesc("tunwall_flows_closed_total", "Flows torn down", labels, nil),
		resets:      prometheus.NewDesc("tunwall_flows_resets_total", "Resets sent to the device", labels, nil),
		errors:      prometheus.NewDesc("tunwall_flows_errors_total", "Flows destroyed by socket errors", labels, nil),
		bytes:       prometheus.NewDesc("tunwall_flow_bytes_total", "Payload bytes relayed", []string{"transport", "direction"}, nil),
		synthesized: prometheus.NewDesc("tunwall_synthesized_responses_total", "Responses answered locally", labels, nil),
	}
}

// Add registers a source under transport, replacing any previous one.
func (c *FlowCollector) Add(transport string, src FlowSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[transport] = src
}

// Describe implements prometheus.Collector
func (c *FlowCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.capacity
	ch <- c.opened
	ch <- c.closed
	ch <- c.resets
	ch <- c.errors
	ch <- c.bytes
	ch <- c.synthesized
}

// Collect implements prometheus.Collector
func (c *FlowCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sources := make([]FlowSource, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		sources = append(sources, c.sources[name])
	}
	c.mu.RUnlock()

	for i, src := range sources {
		t := names[i]
		s := src()
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.Active), t)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.Capacity), t)
		ch <- prometheus.MustNewConstMetric(c.opened, prometheus.CounterValue, float64(s.Opened), t)
		ch <- prometheus.MustNewConstMetric(c.closed, prometheus.CounterValue, float64(s.Closed), t)
		ch <- prometheus.MustNewConstMetric(c.resets, prometheus.CounterValue, float64(s.Resets), t)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors), t)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.BytesToRemote), t, "to_remote")
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.BytesToDevice), t, "to_device")
		ch <- prometheus.MustNewConstMetric(c.synthesized, prometheus.CounterValue, float64(s.Synthesized), t)
	}
}
