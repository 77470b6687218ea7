// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fork implements C8: detecting two conflicting finalized
// candidates that share a reachable lowest common ancestor, and
// resolving the conflict by weighted reputation, then chain height,
// then a merge attempt, then a lexicographic tie-break — in that
// order, per spec.md §4.8. A true conflict between two already
// Finalized vertices never chooses a winner: it is a safety
// invariant violation, surfaced as a fatal event instead.
package fork

import (
	"errors"

	"github.com/qrdag/consensus/choices"
	"github.com/qrdag/consensus/ids"
	"github.com/qrdag/consensus/reputation"
	"github.com/qrdag/consensus/store"
)

// ReputationMargin is the minimum relative difference in accumulated
// branch reputation that settles a fork on reputation alone, per
// spec.md §4.8's "differs by >=10%" rule.
const ReputationMargin = 0.10

var ErrNoCommonAncestor = errors.New("fork: vertices share no common ancestor")

// Resolution is the outcome of reconciling two conflicting branches.
type Resolution struct {
	LCA    ids.ID
	Winner ids.ID
	Loser  ids.ID
	// Merged is true when rule (c) fired: heights equal and branch
	// reputations are within ReputationMargin, so neither side is
	// rejected and resolution is deferred to further consensus rounds.
	Merged bool
	// Fatal is true when both v1 and v2 were already Finalized: a
	// true conflict between finalized vertices can never be resolved
	// by picking a winner without violating finality.
	Fatal bool
}

// Sink receives fork-resolution audit events.
type Sink interface {
	ForkResolved(res Resolution)
	FatalSafetyEvent(a, b ids.ID)
}

type nopSink struct{}

func (nopSink) ForkResolved(Resolution)      {}
func (nopSink) FatalSafetyEvent(ids.ID, ids.ID) {}

// Reconciliator resolves conflicting branches found in a Store.
type Reconciliator struct {
	store *store.Store
	rep   *reputation.Manager
	sink  Sink
}

// New constructs a Reconciliator over st, using rep for branch-weight
// comparisons and slashing. sink may be nil to discard events.
func New(st *store.Store, rep *reputation.Manager, sink Sink) *Reconciliator {
	if sink == nil {
		sink = nopSink{}
	}
	return &Reconciliator{store: st, rep: rep, sink: sink}
}

// Resolve reconciles the fork rooted at v1 and v2's lowest common
// ancestor. v1 and v2 must be mutually unreachable (Resolve does not
// check this; callers must) and must both descend from a common
// ancestor, or ErrNoCommonAncestor is returned.
func (r *Reconciliator) Resolve(v1, v2 ids.ID) (Resolution, error) {
	lca, ok := r.lowestCommonAncestor(v1, v2)
	if !ok {
		return Resolution{}, ErrNoCommonAncestor
	}

	pathA := r.walkBack(v1, lca)
	pathB := r.walkBack(v2, lca)

	bothFinalized := r.branchFinalized(pathA) && r.branchFinalized(pathB)
	if bothFinalized {
		res := Resolution{LCA: lca, Fatal: true}
		r.sink.FatalSafetyEvent(v1, v2)
		return res, nil
	}

	repA, repB := r.branchReputation(pathA), r.branchReputation(pathB)
	heightA, heightB := len(pathA), len(pathB)

	res := Resolution{LCA: lca}
	switch {
	case relativeDiff(repA, repB) >= ReputationMargin:
		res.Winner, res.Loser = pickHigher(v1, v2, repA, repB)
	case heightA != heightB:
		res.Winner, res.Loser = pickHigher(v1, v2, float64(heightA), float64(heightB))
	case heightA == heightB && !r.branchDecided(pathA) && !r.branchDecided(pathB):
		// Neither branch has progressed past Pending yet, so it is
		// safe to let further sampling rounds settle the fork instead
		// of forcing a choice now.
		res.Merged = true
	default:
		// Heights tie but at least one branch already carries an
		// Accepted/Finalized vertex: merging would risk discarding
		// confidence already earned, so fall back to the tie-break.
		res.Winner, res.Loser = lexicographicWinner(v1, v2)
	}

	if !res.Merged {
		r.rejectBranch(res.Loser, lca)
		r.slashBranch(losingPath(pathA, pathB, res.Loser, v1))
	}

	r.sink.ForkResolved(res)
	return res, nil
}

// losingPath returns whichever of pathA/pathB belongs to the losing
// head, so its creators can be slashed.
func losingPath(pathA, pathB []ids.ID, loser, v1 ids.ID) []ids.ID {
	if loser == v1 {
		return pathA
	}
	return pathB
}

func (r *Reconciliator) rejectBranch(head, lca ids.ID) {
	for _, id := range r.walkBack(head, lca) {
		v, err := r.store.Get(id)
		if err != nil || v.Status.Decided() {
			continue
		}
		_ = r.store.MarkRejected(id)
	}
}

func (r *Reconciliator) slashBranch(path []ids.ID) {
	for _, id := range path {
		v, err := r.store.Get(id)
		if err != nil {
			continue
		}
		r.rep.Slash(v.Creator)
		r.rep.RecordStrike(v.Creator)
	}
}

// walkBack returns the vertex ids strictly between stop (exclusive)
// and head (inclusive), following single-parent steps from head back
// to stop, in head-to-stop order. If a vertex has multiple parents,
// the first (lowest) is followed — forks reached through this package
// always originate from a single-parent proposal chain in practice,
// since a genuinely merged vertex is not a fork candidate.
func (r *Reconciliator) walkBack(head, stop ids.ID) []ids.ID {
	var path []ids.ID
	current := head
	for current != stop {
		path = append(path, current)
		parents := r.store.Parents(current)
		if len(parents) == 0 {
			break
		}
		current = parents[0]
		for _, p := range parents {
			if p == stop {
				current = p
				break
			}
		}
	}
	return path
}

func (r *Reconciliator) branchReputation(path []ids.ID) float64 {
	var total float64
	for _, id := range path {
		v, err := r.store.Get(id)
		if err != nil {
			continue
		}
		total += r.rep.Reputation(v.Creator)
	}
	return total
}

// branchDecided reports whether any vertex along path has already left
// Pending (Accepted, Finalized, or Rejected), used to decide whether a
// tied fork is still safe to merge.
func (r *Reconciliator) branchDecided(path []ids.ID) bool {
	for _, id := range path {
		v, err := r.store.Get(id)
		if err != nil {
			continue
		}
		if v.Status != choices.Pending {
			return true
		}
	}
	return false
}

func (r *Reconciliator) branchFinalized(path []ids.ID) bool {
	for _, id := range path {
		v, err := r.store.Get(id)
		if err != nil || v.Status != choices.Finalized {
			return false
		}
	}
	return len(path) > 0
}

// lowestCommonAncestor finds the LCA of a and b by walking both
// vertices' ancestor sets back through single-parent chains and
// returning the first vertex in a's ancestry also reached from b.
func (r *Reconciliator) lowestCommonAncestor(a, b ids.ID) (ids.ID, bool) {
	ancestorsA := make(map[ids.ID]struct{})
	for cur := a; ; {
		ancestorsA[cur] = struct{}{}
		parents := r.store.Parents(cur)
		if len(parents) == 0 {
			break
		}
		cur = parents[0]
	}

	for cur := b; ; {
		if _, seen := ancestorsA[cur]; seen {
			return cur, true
		}
		parents := r.store.Parents(cur)
		if len(parents) == 0 {
			return ids.Empty, false
		}
		cur = parents[0]
	}
}

func relativeDiff(a, b float64) float64 {
	high, low := a, b
	if low > high {
		high, low = low, high
	}
	if high == 0 {
		return 0
	}
	return (high - low) / high
}

func pickHigher(v1, v2 ids.ID, score1, score2 float64) (winner, loser ids.ID) {
	if score1 >= score2 {
		return v1, v2
	}
	return v2, v1
}

func lexicographicWinner(v1, v2 ids.ID) (winner, loser ids.ID) {
	for i := range v1 {
		if v1[i] != v2[i] {
			if v1[i] < v2[i] {
				return v1, v2
			}
			return v2, v1
		}
	}
	return v1, v2
}
