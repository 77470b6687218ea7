// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package breaker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/qrdag/consensus/ids"
	"github.com/qrdag/consensus/metric"
)

func testConfig() Config {
	return Config{
		FailureThreshold:  3,
		OpenTimeout:       50 * time.Millisecond,
		HalfOpenProbes:    2,
		HalfOpenSuccess:   2,
		TimeoutMultiplier: 2.0,
		TimeoutMin:        10 * time.Millisecond,
		TimeoutMax:        time.Second,
		TimeoutBase:       200 * time.Millisecond,
	}
}

func newTestBreaker(t *testing.T) *Breaker {
	m, err := metric.NewConsensus(prometheus.NewRegistry())
	require.NoError(t, err)
	return New(testConfig(), m)
}

func TestAllowClosedByDefault(t *testing.T) {
	b := newTestBreaker(t)
	peer := ids.GenerateTestNodeID()
	require.Equal(t, Closed, b.State(peer))
	require.True(t, b.Allow(peer, time.Now()))
}

func TestTripsOpenAfterThreshold(t *testing.T) {
	b := newTestBreaker(t)
	peer := ids.GenerateTestNodeID()
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.RecordFailure(peer, now)
	}

	require.Equal(t, Open, b.State(peer))
	require.False(t, b.Allow(peer, now))
}

func TestOpenTransitionsToHalfOpenAfterTimeout(t *testing.T) {
	b := newTestBreaker(t)
	peer := ids.GenerateTestNodeID()
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.RecordFailure(peer, now)
	}
	require.Equal(t, Open, b.State(peer))

	later := now.Add(100 * time.Millisecond)
	require.True(t, b.Allow(peer, later))
	require.Equal(t, HalfOpen, b.State(peer))
}

func TestHalfOpenLimitsConcurrentProbes(t *testing.T) {
	b := newTestBreaker(t)
	peer := ids.GenerateTestNodeID()
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.RecordFailure(peer, now)
	}
	later := now.Add(100 * time.Millisecond)

	require.True(t, b.Allow(peer, later))
	require.True(t, b.Allow(peer, later))
	require.False(t, b.Allow(peer, later))
}

func TestHalfOpenClosesAfterEnoughSuccesses(t *testing.T) {
	b := newTestBreaker(t)
	peer := ids.GenerateTestNodeID()
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.RecordFailure(peer, now)
	}
	later := now.Add(100 * time.Millisecond)
	require.True(t, b.Allow(peer, later))
	b.RecordSuccess(peer, 10*time.Millisecond)
	require.Equal(t, HalfOpen, b.State(peer))

	require.True(t, b.Allow(peer, later))
	b.RecordSuccess(peer, 10*time.Millisecond)
	require.Equal(t, Closed, b.State(peer))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(t)
	peer := ids.GenerateTestNodeID()
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.RecordFailure(peer, now)
	}
	later := now.Add(100 * time.Millisecond)
	require.True(t, b.Allow(peer, later))

	b.RecordFailure(peer, later)
	require.Equal(t, Open, b.State(peer))
}

func TestTimeoutUsesBaseUntilEnoughSamples(t *testing.T) {
	b := newTestBreaker(t)
	peer := ids.GenerateTestNodeID()
	require.Equal(t, 200*time.Millisecond, b.Timeout(peer))
}

func TestTimeoutAdaptsToObservedLatency(t *testing.T) {
	b := newTestBreaker(t)
	peer := ids.GenerateTestNodeID()

	for i := 0; i < 50; i++ {
		b.RecordSuccess(peer, 30*time.Millisecond)
	}

	timeout := b.Timeout(peer)
	require.Greater(t, timeout, 30*time.Millisecond)
	require.LessOrEqual(t, timeout, time.Second)
}

func TestTimeoutClampedToMax(t *testing.T) {
	b := newTestBreaker(t)
	peer := ids.GenerateTestNodeID()

	for i := 0; i < 50; i++ {
		b.RecordSuccess(peer, 900*time.Millisecond)
	}

	require.Equal(t, time.Second, b.Timeout(peer))
}

func TestForgetResetsPeerState(t *testing.T) {
	b := newTestBreaker(t)
	peer := ids.GenerateTestNodeID()
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.RecordFailure(peer, now)
	}
	require.Equal(t, Open, b.State(peer))

	b.Forget(peer)
	require.Equal(t, Closed, b.State(peer))
}
