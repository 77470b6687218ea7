// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package confidence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qrdag/consensus/ids"
)

func TestRecordPollBelowAlphaDoesNotAdvance(t *testing.T) {
	tr := NewTracker(Threshold{Alpha: 24, Beta: 2})
	id := ids.GenerateTestID()

	tr.RecordPoll(id, 10)
	require.Equal(t, 0, tr.Chits(id))
	require.Equal(t, 0, tr.Confidence(id))
	require.False(t, tr.Finalized(id))
}

func TestFinalizesAfterBetaConsecutiveRounds(t *testing.T) {
	tr := NewTracker(Threshold{Alpha: 24, Beta: 3})
	id := ids.GenerateTestID()

	tr.RecordPoll(id, 30)
	tr.RecordPoll(id, 28)
	require.False(t, tr.Finalized(id))
	tr.RecordPoll(id, 25)

	require.True(t, tr.Finalized(id))
	require.Equal(t, 3, tr.Chits(id))
}

func TestMissedRoundResetsStreakNotChits(t *testing.T) {
	tr := NewTracker(Threshold{Alpha: 24, Beta: 3})
	id := ids.GenerateTestID()

	tr.RecordPoll(id, 30)
	tr.RecordPoll(id, 30)
	require.Equal(t, 2, tr.Confidence(id))

	tr.RecordPoll(id, 5) // misses alpha
	require.Equal(t, 0, tr.Confidence(id))
	require.Equal(t, 2, tr.Chits(id))
	require.False(t, tr.Finalized(id))
}

func TestFinalizedStateIsSticky(t *testing.T) {
	tr := NewTracker(Threshold{Alpha: 24, Beta: 1})
	id := ids.GenerateTestID()

	tr.RecordPoll(id, 30)
	require.True(t, tr.Finalized(id))

	tr.RecordPoll(id, 0)
	require.True(t, tr.Finalized(id))
}

func TestSetThresholdAffectsFutureRounds(t *testing.T) {
	tr := NewTracker(Threshold{Alpha: 24, Beta: 2})
	id := ids.GenerateTestID()

	tr.RecordPoll(id, 20) // below initial alpha=24
	require.Equal(t, 0, tr.Confidence(id))

	tr.SetThreshold(Threshold{Alpha: 15, Beta: 2})
	tr.RecordPoll(id, 20)
	require.Equal(t, 1, tr.Confidence(id))
}

func TestForgetClearsVertexState(t *testing.T) {
	tr := NewTracker(Threshold{Alpha: 24, Beta: 1})
	id := ids.GenerateTestID()

	tr.RecordPoll(id, 30)
	require.True(t, tr.Finalized(id))

	tr.Forget(id)
	require.False(t, tr.Finalized(id))
	require.Equal(t, 0, tr.Chits(id))
}
