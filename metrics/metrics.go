// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics wires the cache server's Prometheus instrumentation:
// store occupancy, evictions, command counts, and connection lifecycle.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds every metric the cache server exposes and a private
// registry, so the server's admin endpoint never leaks the
// process-global prometheus.DefaultRegisterer's other collectors.
type Collector struct {
	registry *prometheus.Registry

	storeEntries   prometheus.Gauge
	storeUsedBytes prometheus.Gauge
	storeMaxBytes  prometheus.Gauge
	evictionsTotal prometheus.Counter
	commandsTotal  *prometheus.CounterVec
	connsActive    prometheus.Gauge
	connsTotal     prometheus.Counter
}

// NewCollector creates and registers every collector.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		storeEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cachepit",
			Subsystem: "store",
			Name:      "entries",
			Help:      "Number of keys currently held by the store.",
		}),
		storeUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cachepit",
			Subsystem: "store",
			Name:      "used_bytes",
			Help:      "Sum of len(key)+len(value) over all entries currently stored.",
		}),
		storeMaxBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cachepit",
			Subsystem: "store",
			Name:      "max_bytes",
			Help:      "Configured byte budget of the store.",
		}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachepit",
			Subsystem: "store",
			Name:      "evictions_total",
			Help:      "Entries removed by LRU pressure, excluding explicit deletes.",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachepit",
			Subsystem: "textproto",
			Name:      "commands_total",
			Help:      "Commands executed, labeled by command name.",
		}, []string{"command"}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cachepit",
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Currently open client connections.",
		}),
		connsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachepit",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Client connections accepted since startup.",
		}),
	}

	c.registry.MustRegister(
		c.storeEntries,
		c.storeUsedBytes,
		c.storeMaxBytes,
		c.evictionsTotal,
		c.commandsTotal,
		c.connsActive,
		c.connsTotal,
	)

	return c
}

// Registry returns the private registry backing /metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveStore updates the store occupancy gauges. It is cheap enough
// to call after every command, matching how the store itself is driven
// single-threaded by the engine. A nil *Collector makes this a no-op,
// so the server can be run without metrics wired at all.
func (c *Collector) ObserveStore(entries int, usedBytes, maxBytes int64) {
	if c == nil {
		return
	}
	c.storeEntries.Set(float64(entries))
	c.storeUsedBytes.Set(float64(usedBytes))
	c.storeMaxBytes.Set(float64(maxBytes))
}

// ObserveEviction counts one LRU-pressure eviction. Wire this as a
// store.EvictionObserver.
func (c *Collector) ObserveEviction(key string, freedBytes int) {
	if c == nil {
		return
	}
	c.evictionsTotal.Inc()
}

// ObserveCommand counts one executed command by name.
func (c *Collector) ObserveCommand(name string) {
	if c == nil {
		return
	}
	c.commandsTotal.WithLabelValues(name).Inc()
}

// ConnectionOpened records a newly accepted connection.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connsActive.Inc()
	c.connsTotal.Inc()
}

// ConnectionClosed records a connection going away.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connsActive.Dec()
}
