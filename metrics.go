// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package loam

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics is a MetricsSink that registers one counter per metric
// name with a Prometheus registerer. Counters are created on first use.
type PrometheusMetrics struct {
	reg prometheus.Registerer

	mu       sync.Mutex
	counters map[string]prometheus.Counter
}

var _ MetricsSink = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics returns a sink registering with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{
		reg:      reg,
		counters: make(map[string]prometheus.Counter),
	}
}

// Count implements MetricsSink.
func (m *PrometheusMetrics) Count(name string, delta uint64) {
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loam_" + strings.ReplaceAll(name, ".", "_"),
		})
		if err := m.reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				m.mu.Unlock()
				panic(err)
			}
			c = already.ExistingCollector.(prometheus.Counter)
		}
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.Add(float64(delta))
}
