// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import "github.com/prometheus/client_golang/prometheus"

// Consensus is the fixed set of prometheus collectors the avalanche round
// loop and its supporting components (store, breaker, failure detector,
// recovery, fork, state sync, degraded mode, reputation) update. One value
// is constructed per node and threaded through every component's
// constructor, the way the teacher threads ctx.Metrics through engine
// construction.
type Consensus struct {
	RoundsStarted   prometheus.Counter
	RoundsCompleted prometheus.Counter
	VerticesAppended prometheus.Counter
	VerticesFinalized prometheus.Counter
	VerticesRejected  prometheus.Counter
	VerticesStalled   prometheus.Counter
	Equivocations     prometheus.Counter

	RoundLatency prometheus.Histogram
	FrontierSize prometheus.Gauge

	BreakerOpens    prometheus.Counter
	BreakerHalfOpens prometheus.Counter
	PeersSuspected  prometheus.Counter
	PeersRecovered  prometheus.Counter
	PeersReplaced   prometheus.Counter

	ForksResolved prometheus.Counter

	SyncBytesSent prometheus.Counter
	SyncBytesRecv prometheus.Counter

	ConsensusMode prometheus.Gauge
	QuorumThreshold prometheus.Gauge
}

// NewConsensus builds and registers the Consensus collector set against
// reg. It returns an error on the first registration failure, mirroring
// how the teacher's engine constructors fail fast on duplicate metric
// names instead of silently continuing with a partially registered set.
func NewConsensus(reg prometheus.Registerer) (*Consensus, error) {
	c := &Consensus{
		RoundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_rounds_started_total",
			Help: "Number of sampling rounds started.",
		}),
		RoundsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_rounds_completed_total",
			Help: "Number of sampling rounds completed.",
		}),
		VerticesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_vertices_appended_total",
			Help: "Number of vertices appended to the DAG store.",
		}),
		VerticesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_vertices_finalized_total",
			Help: "Number of vertices that reached Finalized status.",
		}),
		VerticesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_vertices_rejected_total",
			Help: "Number of vertices that reached Rejected status.",
		}),
		VerticesStalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_vertices_stalled_total",
			Help: "Number of vertices that exhausted R_max rounds without finalizing.",
		}),
		Equivocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_equivocations_total",
			Help: "Number of equivocation incidents detected.",
		}),
		RoundLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "consensus_round_latency_seconds",
			Help:    "Wall-clock latency of a single sampling round.",
			Buckets: prometheus.DefBuckets,
		}),
		FrontierSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_frontier_size",
			Help: "Number of vertices currently on the DAG frontier.",
		}),
		BreakerOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_breaker_opens_total",
			Help: "Number of times a peer circuit breaker tripped to Open.",
		}),
		BreakerHalfOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_breaker_half_opens_total",
			Help: "Number of times a peer circuit breaker transitioned to HalfOpen.",
		}),
		PeersSuspected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_peers_suspected_total",
			Help: "Number of times the failure detector raised suspicion on a peer.",
		}),
		PeersRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_peers_recovered_total",
			Help: "Number of peers that returned to Healthy after recovery probing.",
		}),
		PeersReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_peers_replaced_total",
			Help: "Number of peers replaced by a warm backup after exhausting recovery attempts.",
		}),
		ForksResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_forks_resolved_total",
			Help: "Number of DAG forks reconciled.",
		}),
		SyncBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_sync_bytes_sent_total",
			Help: "Bytes sent while serving a peer state sync.",
		}),
		SyncBytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consensus_sync_bytes_received_total",
			Help: "Bytes received while catching up via state sync.",
		}),
		ConsensusMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_mode",
			Help: "Current degraded-mode level (0=Normal .. 4=Critical).",
		}),
		QuorumThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_quorum_threshold",
			Help: "Currently active quorum threshold fraction.",
		}),
	}

	collectors := []prometheus.Collector{
		c.RoundsStarted, c.RoundsCompleted, c.VerticesAppended,
		c.VerticesFinalized, c.VerticesRejected, c.VerticesStalled, c.Equivocations,
		c.RoundLatency, c.FrontierSize, c.BreakerOpens, c.BreakerHalfOpens,
		c.PeersSuspected, c.PeersRecovered, c.PeersReplaced, c.ForksResolved,
		c.SyncBytesSent, c.SyncBytesRecv, c.ConsensusMode, c.QuorumThreshold,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}
