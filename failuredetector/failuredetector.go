// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package failuredetector implements a phi-accrual failure detector
// (C3): each peer's heartbeat inter-arrival times feed a bounded sample
// window, and phi is derived from the normal CDF of the time since the
// last heartbeat. Unlike a fixed timeout, phi adapts to each peer's own
// jitter instead of penalizing naturally slower peers.
package failuredetector

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/qrdag/consensus/ids"
)

// Detector tracks heartbeat history per peer and computes phi on
// demand. One Detector is constructed per node.
type Detector struct {
	mu sync.RWMutex

	reservoir       int
	minStdDev       time.Duration
	suspicionLimit  float64

	peers map[ids.NodeID]*peerState
}

type peerState struct {
	intervals    []float64 // nanoseconds, ring buffer
	next         int
	filled       bool
	lastHeartbeat time.Time
	failed       bool
}

// PartitionSet splits a peer set into the reachable and unreachable
// halves DetectPartition observed when the reachable side fell below
// quorum.
type PartitionSet struct {
	Reachable   []ids.NodeID
	Unreachable []ids.NodeID
}

// New constructs a Detector. reservoir bounds the number of recent
// inter-heartbeat samples kept per peer; minStdDev floors the standard
// deviation so a peer with only a handful of near-identical samples
// does not produce an infinite phi on the first late beat.
func New(reservoir int, minStdDev time.Duration, suspicionThreshold float64) *Detector {
	return &Detector{
		reservoir:      reservoir,
		minStdDev:      minStdDev,
		suspicionLimit: suspicionThreshold,
		peers:          make(map[ids.NodeID]*peerState),
	}
}

// Heartbeat records a heartbeat from peer, arriving at now.
func (d *Detector) Heartbeat(peer ids.NodeID, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.peers[peer]
	if !ok {
		st = &peerState{intervals: make([]float64, d.reservoir)}
		d.peers[peer] = st
	}

	if !st.lastHeartbeat.IsZero() {
		interval := float64(now.Sub(st.lastHeartbeat))
		st.intervals[st.next] = interval
		st.next = (st.next + 1) % d.reservoir
		if st.next == 0 {
			st.filled = true
		}
	}
	st.lastHeartbeat = now
}

// Phi returns the current suspicion level for peer at time now: the
// negative log10 of the probability that a heartbeat would still arrive
// this late, given the peer's own observed interval distribution. A
// never-seen peer returns 0 (no evidence either way).
func (d *Detector) Phi(peer ids.NodeID, now time.Time) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st, ok := d.peers[peer]
	if !ok || st.lastHeartbeat.IsZero() {
		return 0
	}

	samples := st.samples()
	if len(samples) < 2 {
		return 0
	}

	mean, stddev := meanStdDev(samples)
	if stddev < float64(d.minStdDev) {
		stddev = float64(d.minStdDev)
	}
	if stddev == 0 {
		stddev = 1
	}

	elapsed := float64(now.Sub(st.lastHeartbeat))
	dist := distuv.Normal{Mu: mean, Sigma: stddev}
	ccdf := 1 - dist.CDF(elapsed)
	if ccdf <= 0 {
		// Beyond floating-point resolution of the tail: treat as
		// maximally suspicious rather than producing +Inf.
		return 1000
	}
	return -math.Log10(ccdf)
}

// Suspected reports whether peer's current phi exceeds the configured
// suspicion threshold, or peer was explicitly MarkFailed.
func (d *Detector) Suspected(peer ids.NodeID, now time.Time) bool {
	d.mu.RLock()
	st, ok := d.peers[peer]
	failed := ok && st.failed
	d.mu.RUnlock()
	if failed {
		return true
	}
	return d.Phi(peer, now) > d.suspicionLimit
}

// MarkFailed forces peer to report Suspected regardless of its
// observed phi, until Forget clears it. Used once C7's recovery state
// machine marks a peer Failed (a Replaced peer is Forgotten instead) so
// this detector's own
// view stays consistent with the recovery manager's.
func (d *Detector) MarkFailed(peer ids.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.peers[peer]
	if !ok {
		st = &peerState{intervals: make([]float64, d.reservoir)}
		d.peers[peer] = st
	}
	st.failed = true
}

// Forget drops all history for peer, used when a peer is replaced by a
// warm backup under a new identity.
func (d *Detector) Forget(peer ids.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, peer)
}

// DetectPartition checks whether fewer than quorumSize of peers are
// currently reachable (not Suspected); if so it returns the reachable/
// unreachable split and true. A healthy network — reachable count at
// or above quorumSize — returns false with a zero PartitionSet, since
// spec.md §4.3 only names a PartitionSet for the degraded case.
func (d *Detector) DetectPartition(peers []ids.NodeID, quorumSize int, now time.Time) (PartitionSet, bool) {
	var set PartitionSet
	for _, p := range peers {
		if d.Suspected(p, now) {
			set.Unreachable = append(set.Unreachable, p)
		} else {
			set.Reachable = append(set.Reachable, p)
		}
	}
	if len(set.Reachable) < quorumSize {
		return set, true
	}
	return PartitionSet{}, false
}

func (st *peerState) samples() []float64 {
	if st.filled {
		return st.intervals
	}
	return st.intervals[:st.next]
}

func meanStdDev(samples []float64) (mean, stddev float64) {
	n := float64(len(samples))
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean = sum / n

	var sqSum float64
	for _, s := range samples {
		d := s - mean
		sqSum += d * d
	}
	stddev = math.Sqrt(sqSum / n)
	return mean, stddev
}
