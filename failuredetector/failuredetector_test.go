// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package failuredetector

import (
	"testing"
	"time"

	"github.com/qrdag/consensus/ids"
	"github.com/stretchr/testify/require"
)

func TestPhiZeroForUnknownPeer(t *testing.T) {
	d := New(200, 50*time.Millisecond, 8.0)
	require.Equal(t, float64(0), d.Phi(ids.GenerateTestNodeID(), time.Now()))
}

func TestPhiLowRightAfterHeartbeat(t *testing.T) {
	d := New(200, 50*time.Millisecond, 8.0)
	peer := ids.GenerateTestNodeID()
	now := time.Now()

	for i := 0; i < 20; i++ {
		d.Heartbeat(peer, now)
		now = now.Add(100 * time.Millisecond)
	}

	require.False(t, d.Suspected(peer, now))
}

func TestPhiRisesWithSilence(t *testing.T) {
	d := New(200, 50*time.Millisecond, 8.0)
	peer := ids.GenerateTestNodeID()
	now := time.Now()

	for i := 0; i < 30; i++ {
		d.Heartbeat(peer, now)
		now = now.Add(100 * time.Millisecond)
	}

	phiSoon := d.Phi(peer, now.Add(150*time.Millisecond))
	phiLate := d.Phi(peer, now.Add(10*time.Second))
	require.Less(t, phiSoon, phiLate)
	require.True(t, d.Suspected(peer, now.Add(10*time.Second)))
}

func TestForgetClearsHistory(t *testing.T) {
	d := New(200, 50*time.Millisecond, 8.0)
	peer := ids.GenerateTestNodeID()
	now := time.Now()
	d.Heartbeat(peer, now)
	d.Heartbeat(peer, now.Add(time.Second))

	d.Forget(peer)
	require.Equal(t, float64(0), d.Phi(peer, now.Add(2*time.Second)))
}

func TestMarkFailedForcesSuspectedUntilForgotten(t *testing.T) {
	d := New(200, 50*time.Millisecond, 8.0)
	peer := ids.GenerateTestNodeID()
	now := time.Now()

	for i := 0; i < 20; i++ {
		d.Heartbeat(peer, now)
		now = now.Add(100 * time.Millisecond)
	}
	require.False(t, d.Suspected(peer, now))

	d.MarkFailed(peer)
	require.True(t, d.Suspected(peer, now))

	d.Forget(peer)
	require.False(t, d.Suspected(peer, now))
}

func TestDetectPartitionBelowQuorum(t *testing.T) {
	d := New(200, 50*time.Millisecond, 8.0)
	now := time.Now()

	healthy := ids.GenerateTestNodeID()
	silent1 := ids.GenerateTestNodeID()
	silent2 := ids.GenerateTestNodeID()

	// All three establish a baseline so "silent" genuinely means gone
	// quiet, not merely never-heard-from (which Phi treats as no
	// evidence either way, per TestPhiZeroForUnknownPeer).
	for i := 0; i < 20; i++ {
		d.Heartbeat(healthy, now)
		d.Heartbeat(silent1, now)
		d.Heartbeat(silent2, now)
		now = now.Add(100 * time.Millisecond)
	}

	// healthy keeps reporting in right up to the check; silent1/
	// silent2 go quiet for several seconds.
	checkTime := now.Add(3 * time.Second)
	d.Heartbeat(healthy, checkTime)

	peers := []ids.NodeID{healthy, silent1, silent2}
	now = checkTime
	set, partitioned := d.DetectPartition(peers, 2, now)
	require.True(t, partitioned)
	require.Equal(t, []ids.NodeID{healthy}, set.Reachable)
	require.ElementsMatch(t, []ids.NodeID{silent1, silent2}, set.Unreachable)
}

func TestDetectPartitionAtOrAboveQuorumReportsNone(t *testing.T) {
	d := New(200, 50*time.Millisecond, 8.0)
	start := time.Now()

	peers := make([]ids.NodeID, 0, 3)
	for i := 0; i < 3; i++ {
		peers = append(peers, ids.GenerateTestNodeID())
	}

	// Build an interleaved history so every peer's last heartbeat
	// lands at the same final timestamp.
	now := start
	for j := 0; j < 20; j++ {
		for _, p := range peers {
			d.Heartbeat(p, now)
		}
		now = now.Add(100 * time.Millisecond)
	}

	set, partitioned := d.DetectPartition(peers, 2, now)
	require.False(t, partitioned)
	require.Zero(t, set)
}
