// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package sampler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qrdag/consensus/ids"
)

func TestSampleReturnsDistinctPeers(t *testing.T) {
	weights := map[ids.NodeID]float64{}
	for i := 0; i < 10; i++ {
		weights[ids.GenerateTestNodeID()] = float64(i + 1)
	}

	w := NewWeighted(NewSource(1))
	require.NoError(t, w.Initialize(weights))

	picked, err := w.Sample(5, nil)
	require.NoError(t, err)
	require.Len(t, picked, 5)

	seen := make(map[ids.NodeID]bool)
	for _, id := range picked {
		require.False(t, seen[id], "peer sampled twice")
		seen[id] = true
	}
}

func TestSampleErrorsWhenInsufficientEligiblePeers(t *testing.T) {
	a, b := ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	w := NewWeighted(NewSource(1))
	require.NoError(t, w.Initialize(map[ids.NodeID]float64{a: 1, b: 1}))

	_, err := w.Sample(3, nil)
	require.ErrorIs(t, err, ErrInsufficientWeight)
}

func TestSampleExcludesBenchedPeers(t *testing.T) {
	a, b, c := ids.GenerateTestNodeID(), ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	w := NewWeighted(NewSource(1))
	require.NoError(t, w.Initialize(map[ids.NodeID]float64{a: 1, b: 1, c: 1}))

	excluded := func(id ids.NodeID) bool { return id == a }
	picked, err := w.Sample(2, excluded)
	require.NoError(t, err)
	require.Len(t, picked, 2)
	for _, id := range picked {
		require.NotEqual(t, a, id)
	}
}

func TestShareCapsDominantPeer(t *testing.T) {
	dominant := ids.GenerateTestNodeID()
	weights := map[ids.NodeID]float64{dominant: 1000}
	for i := 0; i < 9; i++ {
		weights[ids.GenerateTestNodeID()] = 1
	}

	w := NewWeighted(NewSource(1))
	require.NoError(t, w.Initialize(weights))

	require.LessOrEqual(t, w.Share(dominant), MaxShare+1e-9)

	var total float64
	for id := range weights {
		total += w.Share(id)
	}
	require.InDelta(t, 1.0, total, 1e-6)
}

func TestShareUnknownPeerIsZero(t *testing.T) {
	w := NewWeighted(NewSource(1))
	require.NoError(t, w.Initialize(map[ids.NodeID]float64{ids.GenerateTestNodeID(): 1}))
	require.Equal(t, float64(0), w.Share(ids.GenerateTestNodeID()))
}
