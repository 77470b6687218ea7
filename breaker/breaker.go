// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package breaker implements a per-peer circuit breaker (C4): Closed,
// Open, and HalfOpen states gate outbound queries to a peer, and the
// query timeout adapts to each peer's own observed P99 latency instead
// of a single fixed value for the whole network.
package breaker

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/qrdag/consensus/ids"
	"github.com/qrdag/consensus/metric"
)

// State is one of the three circuit breaker states for a peer.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config parameterizes breaker transitions and the adaptive timeout.
type Config struct {
	FailureThreshold int           // consecutive failures Closed -> Open
	OpenTimeout      time.Duration // Open -> HalfOpen
	HalfOpenProbes   int           // M, probes admitted while HalfOpen
	HalfOpenSuccess  int           // S, successes required to close again

	TimeoutMultiplier float64 // applied to observed P99 latency
	TimeoutMin        time.Duration
	TimeoutMax        time.Duration
	TimeoutBase       time.Duration // used until latency history exists

	LatencyWindow int // number of recent samples kept per peer
}

const defaultLatencyWindow = 256

type peerBreaker struct {
	state State

	consecutiveFailures int
	openedAt            time.Time
	halfOpenProbesSent  int
	halfOpenSuccesses   int

	latencies []float64 // milliseconds, ring buffer
	next      int
	filled    bool
}

// Breaker tracks circuit breaker state independently per peer.
type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	metrics *metric.Consensus
	peers   map[ids.NodeID]*peerBreaker
}

// New constructs a Breaker from cfg.
func New(cfg Config, metrics *metric.Consensus) *Breaker {
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = defaultLatencyWindow
	}
	return &Breaker{
		cfg:     cfg,
		metrics: metrics,
		peers:   make(map[ids.NodeID]*peerBreaker),
	}
}

func (b *Breaker) peer(id ids.NodeID) *peerBreaker {
	pb, ok := b.peers[id]
	if !ok {
		pb = &peerBreaker{state: Closed, latencies: make([]float64, b.cfg.LatencyWindow)}
		b.peers[id] = pb
	}
	return pb
}

// Allow reports whether a query may be sent to peer right now, advancing
// Open -> HalfOpen once OpenTimeout has elapsed. In HalfOpen, at most
// HalfOpenProbes probes are admitted in total until the state changes.
func (b *Breaker) Allow(id ids.NodeID, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb := b.peer(id)
	switch pb.state {
	case Closed:
		return true
	case Open:
		if now.Sub(pb.openedAt) >= b.cfg.OpenTimeout {
			pb.state = HalfOpen
			pb.halfOpenProbesSent = 0
			pb.halfOpenSuccesses = 0
			if b.metrics != nil {
				b.metrics.BreakerHalfOpens.Inc()
			}
		} else {
			return false
		}
		fallthrough
	case HalfOpen:
		if pb.halfOpenProbesSent >= b.cfg.HalfOpenProbes {
			return false
		}
		pb.halfOpenProbesSent++
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful query to peer completed in
// latency, resetting the consecutive-failure count on a Closed peer
// and, in HalfOpen, counting toward the close threshold.
func (b *Breaker) RecordSuccess(id ids.NodeID, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb := b.peer(id)
	pb.latencies[pb.next] = float64(latency.Milliseconds())
	pb.next = (pb.next + 1) % len(pb.latencies)
	if pb.next == 0 {
		pb.filled = true
	}

	switch pb.state {
	case Closed:
		pb.consecutiveFailures = 0
	case HalfOpen:
		pb.halfOpenSuccesses++
		if pb.halfOpenSuccesses >= b.cfg.HalfOpenSuccess {
			pb.state = Closed
			pb.consecutiveFailures = 0
		}
	}
}

// RecordFailure records a failed or timed-out query to peer, tripping
// Closed -> Open past FailureThreshold and immediately re-opening a
// HalfOpen probe that failed.
func (b *Breaker) RecordFailure(id ids.NodeID, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb := b.peer(id)
	switch pb.state {
	case Closed:
		pb.consecutiveFailures++
		if pb.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip(pb, now)
		}
	case HalfOpen:
		b.trip(pb, now)
	}
}

func (b *Breaker) trip(pb *peerBreaker, now time.Time) {
	pb.state = Open
	pb.openedAt = now
	pb.consecutiveFailures = 0
	if b.metrics != nil {
		b.metrics.BreakerOpens.Inc()
	}
}

// State returns peer's current circuit breaker state.
func (b *Breaker) State(id ids.NodeID) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peer(id).state
}

// Timeout returns the adaptive query timeout for peer: TimeoutBase
// until enough latency samples exist, otherwise TimeoutMultiplier
// times the observed P99 latency, clamped to [TimeoutMin, TimeoutMax].
func (b *Breaker) Timeout(id ids.NodeID) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb := b.peer(id)
	samples := pb.samples()
	if len(samples) < 8 {
		return b.clamp(b.cfg.TimeoutBase)
	}

	p99, err := stats.Percentile(samples, 99)
	if err != nil {
		return b.clamp(b.cfg.TimeoutBase)
	}
	return b.clamp(time.Duration(p99*b.cfg.TimeoutMultiplier) * time.Millisecond)
}

func (b *Breaker) clamp(d time.Duration) time.Duration {
	if d < b.cfg.TimeoutMin {
		return b.cfg.TimeoutMin
	}
	if d > b.cfg.TimeoutMax {
		return b.cfg.TimeoutMax
	}
	return d
}

func (pb *peerBreaker) samples() []float64 {
	if pb.filled {
		out := make([]float64, len(pb.latencies))
		copy(out, pb.latencies)
		return out
	}
	out := make([]float64, pb.next)
	copy(out, pb.latencies[:pb.next])
	return out
}

// Forget drops all breaker state for peer, used when a peer is
// replaced by a warm backup under a new identity.
func (b *Breaker) Forget(id ids.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, id)
}

// ForceOpen trips peer's circuit to Open regardless of its failure
// count, for the operator interface's "force-open a peer's circuit"
// command (spec.md §6).
func (b *Breaker) ForceOpen(id ids.NodeID, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip(b.peer(id), now)
}

// ForceClose closes peer's circuit regardless of its HalfOpen probe
// count, for the operator "force-close" command.
func (b *Breaker) ForceClose(id ids.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pb := b.peer(id)
	pb.state = Closed
	pb.consecutiveFailures = 0
	pb.halfOpenProbesSent = 0
	pb.halfOpenSuccesses = 0
}

// Reset drops peer's breaker and latency history entirely, returning
// it to a fresh Closed state, for the operator "reset" command. Unlike
// ForceClose, Reset also clears accumulated latency samples so the
// adaptive timeout starts over at TimeoutBase.
func (b *Breaker) Reset(id ids.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, id)
}
