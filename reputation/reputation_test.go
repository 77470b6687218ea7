// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package reputation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qrdag/consensus/ids"
)

// stubValidatorState is a fixed, in-memory github.com/luxfi/validators.State
// for one subnet, used to drive SyncFromValidatorState in isolation.
type stubValidatorState struct {
	subnet ids.ID
	set    map[ids.NodeID]uint64
	err    error
}

func (s *stubValidatorState) GetCurrentHeight() (uint64, error) { return 0, nil }

func (s *stubValidatorState) GetValidatorSet(height uint64, subnetID ids.ID) (map[ids.NodeID]uint64, error) {
	if s.err != nil {
		return nil, s.err
	}
	if subnetID != s.subnet {
		return nil, nil
	}
	return s.set, nil
}

func TestRegisterStartsAtMaxReputation(t *testing.T) {
	m := New(Config{})
	peer := ids.GenerateTestNodeID()
	m.Register(peer, 100)
	require.Equal(t, MaxReputation, m.Reputation(peer))
}

func TestSlashAppliesFactorAndFloors(t *testing.T) {
	m := New(Config{})
	peer := ids.GenerateTestNodeID()
	m.Register(peer, 100)

	got := m.Slash(peer)
	require.InDelta(t, 0.8, got, 1e-9)

	for i := 0; i < 20; i++ {
		m.Slash(peer)
	}
	require.Equal(t, MinReputation, m.Reputation(peer))
}

func TestWeightsSumToOne(t *testing.T) {
	m := New(Config{})
	a, b, c := ids.GenerateTestNodeID(), ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	m.Register(a, 500)
	m.Register(b, 300)
	m.Register(c, 200)
	m.RecordUptime(a, 1.0)
	m.RecordUptime(b, 0.9)
	m.RecordUptime(c, 0.5)

	weights := m.Weights()
	require.Len(t, weights, 3)

	var total float64
	for _, w := range weights {
		total += w
	}
	require.InDelta(t, 1.0, total, 1e-9)
}

func TestSlashedPeerLosesRelativeWeight(t *testing.T) {
	m := New(Config{})
	a, b := ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	m.Register(a, 100)
	m.Register(b, 100)

	before := m.Weights()[a]
	m.Slash(a)
	after := m.Weights()[a]

	require.Less(t, after, before)
}

func TestUnregisteredPeerHasZeroReputationAndStake(t *testing.T) {
	m := New(Config{})
	peer := ids.GenerateTestNodeID()
	require.Equal(t, float64(0), m.Reputation(peer))
	require.Equal(t, uint64(0), m.Stake(peer))
}

func TestForgetRemovesPeerFromWeights(t *testing.T) {
	m := New(Config{})
	peer := ids.GenerateTestNodeID()
	m.Register(peer, 100)
	require.Len(t, m.Weights(), 1)

	m.Forget(peer)
	require.Len(t, m.Weights(), 0)
	require.Equal(t, float64(0), m.Reputation(peer))
}

func TestSyncFromValidatorStateAddsUpdatesAndRemoves(t *testing.T) {
	m := New(Config{})
	subnet := ids.GenerateTestID()
	stays, updated, dropped := ids.GenerateTestNodeID(), ids.GenerateTestNodeID(), ids.GenerateTestNodeID()

	m.Register(updated, 50)
	m.Register(dropped, 10)
	m.Slash(updated) // reputation history must survive the sync

	state := &stubValidatorState{subnet: subnet, set: map[ids.NodeID]uint64{
		stays:   200,
		updated: 999,
	}}

	require.NoError(t, m.SyncFromValidatorState(state, subnet, 1))

	require.Equal(t, uint64(200), m.Stake(stays))
	require.Equal(t, uint64(999), m.Stake(updated))
	require.InDelta(t, 0.8, m.Reputation(updated), 1e-9, "slash history must not be reset by a stake sync")
	require.Equal(t, uint64(0), m.Stake(dropped))
	require.Len(t, m.Weights(), 2)
}

func TestRecordStrikeMarksByzantineAtConfiguredThreshold(t *testing.T) {
	m := New(Config{ByzantineStrikes: 3, SlashFraction: 0.25})
	peer := ids.GenerateTestNodeID()
	m.Register(peer, 1000)

	require.False(t, m.RecordStrike(peer))
	require.False(t, m.RecordStrike(peer))
	require.False(t, m.Byzantine(peer))

	require.True(t, m.RecordStrike(peer))
	require.True(t, m.Byzantine(peer))
	require.Equal(t, 3, m.Strikes(peer))
	require.Equal(t, uint64(750), m.Stake(peer))
}

func TestRecordStrikeSlashesStakeOnlyOnce(t *testing.T) {
	m := New(Config{ByzantineStrikes: 1, SlashFraction: 0.5})
	peer := ids.GenerateTestNodeID()
	m.Register(peer, 100)

	require.True(t, m.RecordStrike(peer))
	require.Equal(t, uint64(50), m.Stake(peer))

	require.False(t, m.RecordStrike(peer))
	require.Equal(t, uint64(50), m.Stake(peer), "a peer already marked Byzantine is not slashed twice")
	require.Equal(t, 2, m.Strikes(peer))
}

func TestRecordStrikeDefaultsToPackageConstants(t *testing.T) {
	m := New(Config{})
	peer := ids.GenerateTestNodeID()
	m.Register(peer, 100)

	for i := 0; i < DefaultByzantineStrikes-1; i++ {
		require.False(t, m.RecordStrike(peer))
	}
	require.True(t, m.RecordStrike(peer))
	require.Equal(t, uint64(100-100*DefaultSlashFraction), m.Stake(peer))
}

func TestRewardIncreasesReputationBoundedAtMax(t *testing.T) {
	m := New(Config{})
	peer := ids.GenerateTestNodeID()
	m.Register(peer, 100)
	m.Slash(peer) // reputation now 0.8, leaves room to observe the reward

	got := m.Reward(peer, RewardMax)
	require.InDelta(t, 0.81, got, 1e-9)

	for i := 0; i < 50; i++ {
		m.Reward(peer, RewardMax)
	}
	require.Equal(t, MaxReputation, m.Reputation(peer))
}

func TestSyncFromValidatorStatePropagatesError(t *testing.T) {
	m := New(Config{})
	subnet := ids.GenerateTestID()
	state := &stubValidatorState{subnet: subnet, err: errors.New("state unavailable")}

	err := m.SyncFromValidatorState(state, subnet, 1)
	require.Error(t, err)
}
