// Copyright 2025 The Loam Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

// MetricsSink receives monotonic event counts from the store's components.
// Implementations must be safe for concurrent use. The store never reads the
// counters back; they are orthogonal instrumentation.
type MetricsSink interface {
	// Count adds delta to the named counter.
	Count(name string, delta uint64)
}

// NoopMetrics discards all counts. It is the default sink.
var NoopMetrics noopMetrics

type noopMetrics struct{}

func (noopMetrics) Count(string, uint64) {}
