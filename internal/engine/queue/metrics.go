// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ldk"

// Collector is a prometheus collector reporting per-queue depth.
type Collector struct {
	engine *Engine

	visible  *prometheus.Desc
	inFlight *prometheus.Desc
}

// NewCollector returns a collector for the engine's queues.
func NewCollector(engine *Engine) *Collector {
	return &Collector{
		engine: engine,
		visible: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "queue", "visible_messages"),
			"Number of messages currently eligible for receive.",
			[]string{"queue"}, nil,
		),
		inFlight: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "queue", "inflight_messages"),
			"Number of messages inside a visibility window.",
			[]string{"queue"}, nil,
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.visible
	ch <- c.inFlight
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range c.engine.List() {
		info, err := c.engine.Attributes(name)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(
			c.visible, prometheus.GaugeValue, float64(info.VisibleMessages), name)
		ch <- prometheus.MustNewConstMetric(
			c.inFlight, prometheus.GaugeValue, float64(info.InFlightMessages), name)
	}
}
