// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package recovery implements C7: the per-peer detection→recovery→
// replacement pipeline. A peer moves from Healthy to Suspected once
// C3's phi-accrual detector reports it over threshold, then to
// Recovering while this node reprobes it with exponential backoff. A
// successful probe returns the peer to Healthy; exhausting every
// attempt either replaces it with a backup drawn from the warm pool,
// or — with no backup available — marks it permanently Failed, a
// signal C11 may use to slash.
package recovery

import (
	"sync"
	"time"

	"github.com/qrdag/consensus/failuredetector"
	"github.com/qrdag/consensus/ids"
)

// State is one stage of a peer's recovery lifecycle.
type State int

const (
	Healthy State = iota
	Suspected
	Recovering
	Replaced
	Failed
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Suspected:
		return "suspected"
	case Recovering:
		return "recovering"
	case Replaced:
		return "replaced"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config parameterizes the backoff schedule. The first retry waits
// InitialBackoff and each later wait doubles, capped at MaxBackoff;
// with DefaultConfig the waits are 1s, 2s, 4s and 8s, so the fifth and
// last probe runs 15s after the first.
type Config struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	ProbeTimeout    time.Duration
}

// DefaultConfig matches spec.md §4.7's defaults: 5 attempts, 1s initial
// backoff doubling to a 60s cap, 5s per-attempt timeout.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		ProbeTimeout:   5 * time.Second,
	}
}

// BackupSource supplies a warm standby peer to take over for one that
// has exhausted recovery, transferring routing state and announcing
// the replacement to C6's sampler/reputation population. Acquire
// returns false if no warm backup is currently available.
type BackupSource interface {
	Acquire(replacing ids.NodeID) (ids.NodeID, bool)
}

// Prober attempts to reconnect to a suspected peer, returning nil if
// the peer answered within Config.ProbeTimeout.
type Prober interface {
	Probe(peer ids.NodeID, timeout time.Duration) error
}

// Sink receives recovery lifecycle events for the audit stream.
// Implementations (the events package) must not block.
type Sink interface {
	PeerSuspected(peer ids.NodeID)
	PeerRecovered(peer ids.NodeID)
	PeerReplaced(peer, backup ids.NodeID)
	PeerFailed(peer ids.NodeID)
}

type nopSink struct{}

func (nopSink) PeerSuspected(ids.NodeID)       {}
func (nopSink) PeerRecovered(ids.NodeID)       {}
func (nopSink) PeerReplaced(ids.NodeID, ids.NodeID) {}
func (nopSink) PeerFailed(ids.NodeID)          {}

type peerRecord struct {
	state        State
	attempts     int
	suspectedAt  time.Time
	nextProbeAt  time.Time
	backoff      time.Duration
}

// Manager drives every tracked peer's recovery state machine.
type Manager struct {
	cfg      Config
	detector *failuredetector.Detector
	backups  BackupSource
	prober   Prober
	sink     Sink

	mu    sync.Mutex
	peers map[ids.NodeID]*peerRecord
}

// New constructs a Manager. sink may be nil, in which case events are
// discarded.
func New(cfg Config, detector *failuredetector.Detector, backups BackupSource, prober Prober, sink Sink) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Manager{
		cfg:      cfg,
		detector: detector,
		backups:  backups,
		prober:   prober,
		sink:     sink,
		peers:    make(map[ids.NodeID]*peerRecord),
	}
}

func (m *Manager) recordFor(peer ids.NodeID) *peerRecord {
	r, ok := m.peers[peer]
	if !ok {
		r = &peerRecord{state: Healthy}
		m.peers[peer] = r
	}
	return r
}

// Evaluate checks whether peer should transition based on C3's current
// suspicion signal and, if already Recovering, whether its next probe
// is due. It returns the peer's resulting state. A Replaced or Failed
// peer never transitions further — callers should stop evaluating it
// and, for Replaced, start tracking the backup reported to
// Sink.PeerReplaced instead.
func (m *Manager) Evaluate(peer ids.NodeID, now time.Time) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.recordFor(peer)
	switch r.state {
	case Healthy:
		if m.detector.Suspected(peer, now) {
			r.state = Suspected
			r.suspectedAt = now
			m.sink.PeerSuspected(peer)
		}
	case Suspected:
		r.state = Recovering
		r.attempts = 0
		r.backoff = m.cfg.InitialBackoff
		r.nextProbeAt = now
		m.runProbeLocked(peer, r, now)
	case Recovering:
		if now.Before(r.nextProbeAt) {
			break
		}
		m.runProbeLocked(peer, r, now)
	}
	return r.state
}

func (m *Manager) runProbeLocked(peer ids.NodeID, r *peerRecord, now time.Time) {
	r.attempts++
	err := m.prober.Probe(peer, m.cfg.ProbeTimeout)
	if err == nil {
		r.state = Healthy
		r.attempts = 0
		m.sink.PeerRecovered(peer)
		return
	}

	if r.attempts < m.cfg.MaxAttempts {
		r.nextProbeAt = now.Add(r.backoff)
		r.backoff *= 2
		if r.backoff > m.cfg.MaxBackoff {
			r.backoff = m.cfg.MaxBackoff
		}
		return
	}

	// Every attempt exhausted: replace if a warm backup is available,
	// otherwise mark permanently failed.
	if backup, ok := m.backups.Acquire(peer); ok {
		r.state = Replaced
		m.detector.Forget(peer)
		m.sink.PeerReplaced(peer, backup)
		return
	}
	r.state = Failed
	m.detector.Forget(peer)
	m.sink.PeerFailed(peer)
}

// State returns peer's current recovery state (Healthy if untracked).
func (m *Manager) State(peer ids.NodeID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.peers[peer]; ok {
		return r.state
	}
	return Healthy
}

// Attempts returns the number of recovery probes sent so far for peer.
func (m *Manager) Attempts(peer ids.NodeID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.peers[peer]; ok {
		return r.attempts
	}
	return 0
}

// Forget drops all tracked state for peer, used once it has been
// fully replaced and its identity retired from the active peer set.
func (m *Manager) Forget(peer ids.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peer)
}
