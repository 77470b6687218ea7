// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package confidence tracks per-vertex chit and confidence counters
// for C6's QR-Avalanche rounds: a vertex accumulates a chit each round
// it clears the alpha agreement threshold, and finalizes once it has
// strung together beta consecutive such rounds.
package confidence

import (
	"sync"

	"github.com/qrdag/consensus/ids"
)

// Threshold is the (alpha, beta) pair a vertex must clear: alpha is
// the per-round agreement count required to earn a chit, beta is the
// number of consecutive such rounds required to finalize.
type Threshold struct {
	Alpha int
	Beta  int
}

type state struct {
	chits      int
	confidence int
	finalized  bool
}

// Tracker holds one confidence state machine per vertex under
// consideration. It is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	threshold Threshold
	vertices  map[ids.ID]*state
}

// NewTracker constructs a Tracker with a fixed (alpha, beta) pair.
// Callers that need C12's adaptive threshold reconstruct per round via
// SetThreshold rather than per vertex, since the threshold is a
// network-wide quantity, not a per-vertex one.
func NewTracker(threshold Threshold) *Tracker {
	return &Tracker{
		threshold: threshold,
		vertices:  make(map[ids.ID]*state),
	}
}

// SetThreshold updates the (alpha, beta) pair applied to subsequent
// RecordPoll calls, tracking C12's quorum escalation/de-escalation.
func (t *Tracker) SetThreshold(threshold Threshold) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threshold = threshold
}

func (t *Tracker) stateFor(id ids.ID) *state {
	st, ok := t.vertices[id]
	if !ok {
		st = &state{}
		t.vertices[id] = st
	}
	return st
}

// RecordPoll records a round's agreement count for id. If count meets
// the current alpha threshold, id earns a chit and its confidence
// streak extends; id finalizes once the streak reaches beta. If count
// falls short, the confidence streak (not the chit total) resets to
// zero, matching unary quantum consensus's reset-on-miss semantics.
func (t *Tracker) RecordPoll(id ids.ID, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateFor(id)
	if st.finalized {
		return
	}

	if count < t.threshold.Alpha {
		st.confidence = 0
		return
	}

	st.chits++
	st.confidence++
	if st.confidence >= t.threshold.Beta {
		st.finalized = true
	}
}

// RecordUnsuccessfulPoll resets id's confidence streak without
// granting a chit, used when id was not sampled or its round failed
// outright (e.g. the querying peer's breaker tripped mid-round).
func (t *Tracker) RecordUnsuccessfulPoll(id ids.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFor(id).confidence = 0
}

// Chits returns the number of rounds in which id has earned a chit.
func (t *Tracker) Chits(id ids.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.vertices[id]; ok {
		return st.chits
	}
	return 0
}

// Confidence returns id's current consecutive-success streak.
func (t *Tracker) Confidence(id ids.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.vertices[id]; ok {
		return st.confidence
	}
	return 0
}

// Finalized reports whether id has reached beta consecutive
// successful rounds.
func (t *Tracker) Finalized(id ids.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.vertices[id]; ok {
		return st.finalized
	}
	return false
}

// Forget drops all tracked state for id, used once id is finalized or
// rejected and removed from the active frontier.
func (t *Tracker) Forget(id ids.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.vertices, id)
}
