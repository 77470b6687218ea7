// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package reputation implements C11: per-peer stake/reputation/uptime
// bookkeeping and the combined vote weight it produces for C6's
// sampler. A confirmed Byzantine event (fed by C8's fork reconciliator
// or the store's equivocation detector) both slashes reputation
// immediately and adds a strike; enough strikes within the configured
// threshold marks the peer Byzantine and slashes its stake once. A
// successful round rewards the agreeing peers' reputation, so a peer
// that behaves well after a slash is not locked out of recovering.
package reputation

import (
	"sync"

	"github.com/luxfi/validators"

	"github.com/qrdag/consensus/ids"
)

const (
	// MinReputation is the floor a peer's reputation can fall to;
	// reputation never reaches zero so a peer can still recover.
	MinReputation = 0.1
	// MaxReputation is a newly registered peer's starting reputation.
	MaxReputation = 1.0
	// SlashFactor is multiplied into a peer's reputation on each
	// confirmed Byzantine event (equivocation, invalid signature, a
	// losing side of a resolved fork).
	SlashFactor = 0.8

	// RewardMin and RewardMax bound the reputation credited to a peer
	// for a single successful proposal or verification.
	RewardMin = 0.005
	RewardMax = 0.01

	// DefaultByzantineStrikes is the number of confirmed Byzantine
	// events that marks a peer Byzantine absent an explicit Config.
	DefaultByzantineStrikes = 3
	// DefaultSlashFraction is the fraction of a peer's stake removed
	// the moment it is marked Byzantine, absent an explicit Config.
	DefaultSlashFraction = 0.25

	stakeWeight      = 0.4
	reputationWeight = 0.4
	uptimeWeight     = 0.2
)

// Config parameterizes the strike threshold and stake penalty applied
// once a peer accumulates enough confirmed Byzantine events.
type Config struct {
	ByzantineStrikes int     // confirmed infractions before a peer is marked Byzantine
	SlashFraction    float64 // fraction of stake removed on that transition
}

// peerRecord is one peer's raw inputs to its vote weight.
type peerRecord struct {
	stake      uint64
	reputation float64
	uptime     float64 // ratio in [0, 1]

	strikes   int
	byzantine bool
}

// Manager tracks every peer's stake, reputation, and uptime ratio, and
// derives each one's combined vote weight on demand. The weights it
// returns are not share-capped; the sampler package applies the cap.
type Manager struct {
	mu    sync.RWMutex
	cfg   Config
	peers map[ids.NodeID]*peerRecord
}

// New constructs an empty Manager. A zero-valued cfg falls back to
// DefaultByzantineStrikes and DefaultSlashFraction.
func New(cfg Config) *Manager {
	if cfg.ByzantineStrikes <= 0 {
		cfg.ByzantineStrikes = DefaultByzantineStrikes
	}
	if cfg.SlashFraction <= 0 {
		cfg.SlashFraction = DefaultSlashFraction
	}
	return &Manager{cfg: cfg, peers: make(map[ids.NodeID]*peerRecord)}
}

// Register adds peer with its initial stake, starting it at
// MaxReputation and zero observed uptime.
func (m *Manager) Register(peer ids.NodeID, stake uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[peer]; ok {
		return
	}
	m.peers[peer] = &peerRecord{stake: stake, reputation: MaxReputation}
}

// Forget removes peer, used once it is replaced under a new identity.
func (m *Manager) Forget(peer ids.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peer)
}

// RecordUptime sets peer's observed uptime ratio (e.g. from
// failuredetector's heartbeat history).
func (m *Manager) RecordUptime(peer ids.NodeID, ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.peers[peer]; ok {
		r.uptime = clamp01(ratio)
	}
}

// Slash applies SlashFactor to peer's reputation in response to a
// confirmed Byzantine event (equivocation, invalid signature, losing
// branch of a resolved fork), floored at MinReputation.
func (m *Manager) Slash(peer ids.NodeID) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.peers[peer]
	if !ok {
		return 0
	}
	r.reputation *= SlashFactor
	if r.reputation < MinReputation {
		r.reputation = MinReputation
	}
	return r.reputation
}

// RecordStrike registers one confirmed Byzantine infraction against
// peer (equivocation, invalid signature, losing branch of a resolved
// fork) in addition to the reputation-only Slash penalty already
// applied for the same event. Once peer's strikes reach the
// configured ByzantineStrikes, it is marked Byzantine and its stake is
// cut by SlashFraction exactly once; further strikes after that point
// are still counted but no longer repeat the stake cut. It returns
// whether this call is the one that marked peer Byzantine.
func (m *Manager) RecordStrike(peer ids.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.peers[peer]
	if !ok {
		return false
	}
	r.strikes++
	if r.byzantine || r.strikes < m.cfg.ByzantineStrikes {
		return false
	}
	r.byzantine = true
	r.stake -= uint64(float64(r.stake) * m.cfg.SlashFraction)
	return true
}

// Byzantine reports whether peer has accumulated enough strikes to be
// marked Byzantine.
func (m *Manager) Byzantine(peer ids.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.peers[peer]; ok {
		return r.byzantine
	}
	return false
}

// Strikes returns peer's accumulated Byzantine infraction count.
func (m *Manager) Strikes(peer ids.NodeID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.peers[peer]; ok {
		return r.strikes
	}
	return 0
}

// Reward credits peer's reputation for a successful proposal or
// verification, ceilinged at MaxReputation. amount is expected to fall
// within [RewardMin, RewardMax]; callers outside that range are not
// rejected, since a caller blending several simultaneous rewards may
// legitimately exceed a single increment.
func (m *Manager) Reward(peer ids.NodeID, amount float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.peers[peer]
	if !ok {
		return 0
	}
	r.reputation += amount
	if r.reputation > MaxReputation {
		r.reputation = MaxReputation
	}
	return r.reputation
}

// Reputation returns peer's current reputation, or 0 if unregistered.
func (m *Manager) Reputation(peer ids.NodeID) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.peers[peer]; ok {
		return r.reputation
	}
	return 0
}

// Stake returns peer's registered stake.
func (m *Manager) Stake(peer ids.NodeID) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.peers[peer]; ok {
		return r.stake
	}
	return 0
}

// Weights returns every registered peer's combined vote weight:
// 0.4·normalized_stake + 0.4·reputation + 0.2·uptime_ratio, each
// peer's raw contribution normalized so the returned weights sum to
// 1.0. Sybil capping (the 15% individual ceiling) is applied
// separately by the sampler package, which owns weight redistribution
// for the draw itself.
func (m *Manager) Weights() map[ids.NodeID]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var totalStake uint64
	for _, r := range m.peers {
		totalStake += r.stake
	}

	raw := make(map[ids.NodeID]float64, len(m.peers))
	var totalRaw float64
	for id, r := range m.peers {
		normalizedStake := 0.0
		if totalStake > 0 {
			normalizedStake = float64(r.stake) / float64(totalStake)
		}
		w := stakeWeight*normalizedStake + reputationWeight*r.reputation + uptimeWeight*r.uptime
		raw[id] = w
		totalRaw += w
	}

	weights := make(map[ids.NodeID]float64, len(raw))
	if totalRaw == 0 {
		return weights
	}
	for id, w := range raw {
		weights[id] = w / totalRaw
	}
	return weights
}

// SyncFromValidatorState reconciles registered stakes against an
// external validator set (e.g. the chain's own staking state) for
// subnetID at height: new validators are Register-ed at their external
// weight, known ones have their stake updated to match, and any peer
// this Manager tracks that the external set no longer lists is
// Forgotten. Byzantine reputation and uptime history are left alone —
// only the stake input to Weights changes.
func (m *Manager) SyncFromValidatorState(state validators.State, subnetID ids.ID, height uint64) error {
	set, err := state.GetValidatorSet(height, subnetID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for peer, weight := range set {
		if r, ok := m.peers[peer]; ok {
			r.stake = weight
			continue
		}
		m.peers[peer] = &peerRecord{stake: weight, reputation: MaxReputation}
	}
	for peer := range m.peers {
		if _, ok := set[peer]; !ok {
			delete(m.peers, peer)
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
