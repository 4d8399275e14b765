// Copyright 2025 The Waddle Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "waddle",
		Subsystem: "federation",
		Name:      "pool_peers",
		Help:      "Federation peers currently tracked by the pool.",
	})

	connsEstablished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waddle",
		Subsystem: "federation",
		Name:      "connections_established_total",
		Help:      "Peer connections fully established, by role.",
	}, []string{"role"})

	dialbackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "waddle",
		Subsystem: "federation",
		Name:      "dialback_failures_total",
		Help:      "Dialback verifications that ended in rejection. Spikes may indicate spoofing attempts.",
	})

	drainTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "waddle",
		Subsystem: "federation",
		Name:      "drain_timeouts_total",
		Help:      "Connections force-closed because the drain deadline elapsed before their queue flushed.",
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "waddle",
		Subsystem: "federation",
		Name:      "queue_depth",
		Help:      "Outbound envelopes waiting in a peer's connection queues, sampled by the maintenance loop.",
	}, []string{"peer"})

	discoveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "waddle",
		Subsystem: "federation",
		Name:      "discovery_failures_total",
		Help:      "Transient peer discovery failures that scheduled a backoff retry.",
	})
)
