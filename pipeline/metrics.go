// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waddle",
		Subsystem: "pipeline",
		Name:      "dispatch_total",
		Help:      "Envelopes dispatched through the pipeline.",
	}, []string{"kind", "direction"})

	processorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waddle",
		Subsystem: "pipeline",
		Name:      "processor_failures_total",
		Help:      "Processor errors and panics, isolated per envelope.",
	}, []string{"processor"})
)
