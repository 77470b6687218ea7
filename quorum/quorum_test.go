// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package quorum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		ElevatedDetectionRate: 0.05,
		HighDetectionRate:     0.15,
		Cooldown:              50 * time.Millisecond,
		Window:                20,
	}
}

func TestStartsAtNormal(t *testing.T) {
	q := New(testConfig())
	require.Equal(t, Normal, q.Level())
	require.InDelta(t, 0.67, q.Threshold(), 1e-9)
}

func TestEscalatesToHighOnSustainedByzantineRate(t *testing.T) {
	q := New(testConfig())
	now := time.Now()

	for i := 0; i < 20; i++ {
		byzantine := i%5 < 1 // 20% rate, above High's 15%
		q.RecordRound(byzantine, now)
	}

	require.Equal(t, High, q.Level())
	require.InDelta(t, 0.82, q.Threshold(), 1e-9)
}

func TestEscalationIsImmediate(t *testing.T) {
	q := New(testConfig())
	now := time.Now()

	for i := 0; i < 20; i++ {
		q.RecordRound(false, now)
	}
	require.Equal(t, Normal, q.Level())

	for i := 0; i < 4; i++ {
		q.RecordRound(true, now)
	}
	require.NotEqual(t, Normal, q.Level())
}

func TestDowngradeRequiresCooldown(t *testing.T) {
	q := New(testConfig())
	now := time.Now()

	for i := 0; i < 20; i++ {
		q.RecordRound(true, now)
	}
	require.Equal(t, High, q.Level())

	for i := 0; i < 20; i++ {
		q.RecordRound(false, now)
	}
	require.Equal(t, High, q.Level(), "must not downgrade before cooldown elapses")

	later := now.Add(100 * time.Millisecond)
	level := q.RecordRound(false, later)
	require.NotEqual(t, High, level)
}

func TestDetectionRateReflectsWindow(t *testing.T) {
	q := New(testConfig())
	now := time.Now()

	for i := 0; i < 10; i++ {
		q.RecordRound(i < 2, now)
	}
	require.InDelta(t, 0.2, q.DetectionRate(), 1e-9)
}
