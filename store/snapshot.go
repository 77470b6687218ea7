// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/qrdag/consensus/vertex"
	"github.com/zeebo/blake3"
)

var (
	ErrEmptySnapshot       = errors.New("store: empty snapshot range")
	ErrSnapshotProofFailed = errors.New("store: vertex failed its merkle proof")
)

// HeightRange selects a half-open range [From, To) of insertion
// sequence numbers to snapshot. Height here is the store's monotonic
// append sequence, not a vertex field.
type HeightRange struct {
	From uint64
	To   uint64
}

// proofStep is one sibling hash on a leaf's path to the root, tagged
// with whether the sibling sits to the left or right of the running
// hash so verification can reproduce the exact concatenation order.
type proofStep struct {
	sibling     [32]byte
	siblingLeft bool
}

// Snapshot is a height-range export: the vertices themselves plus a
// Merkle proof per vertex against Root, so a receiving peer can verify
// each vertex without trusting the sender.
type Snapshot struct {
	Range    HeightRange
	Root     [32]byte
	Vertices []*vertex.Vertex
	proofs   [][]proofStep
}

// Snapshot exports the vertices whose insertion sequence falls in
// heightRange, along with Merkle proofs against the batch's root.
func (s *Store) Snapshot(heightRange HeightRange) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if heightRange.To <= heightRange.From {
		return nil, ErrEmptySnapshot
	}

	to := heightRange.To
	if to > s.nextSeq {
		to = s.nextSeq
	}
	var vs []*vertex.Vertex
	for seq := heightRange.From; seq < to; seq++ {
		id, ok := s.idBySeq[seq]
		if !ok {
			continue
		}
		vs = append(vs, s.vertices[id])
	}
	if len(vs) == 0 {
		return nil, ErrEmptySnapshot
	}

	leaves := make([][32]byte, len(vs))
	for i, v := range vs {
		id := v.ID()
		leaves[i] = blake3.Sum256(id[:])
	}
	root, proofs := merkleTree(leaves)

	return &Snapshot{Range: heightRange, Root: root, Vertices: vs, proofs: proofs}, nil
}

// ApplySnapshot verifies every vertex's Merkle proof against snap.Root
// before inserting it, then inserts in the snapshot's order (already
// topological, since it was exported in insertion-sequence order).
// Applying a snapshot to a cold store followed by re-exporting the same
// height range yields a byte-identical snapshot.
func (s *Store) ApplySnapshot(ctx context.Context, snap *Snapshot, now time.Time) error {
	if len(snap.Vertices) != len(snap.proofs) {
		return ErrSnapshotProofFailed
	}

	for i, v := range snap.Vertices {
		id := v.ID()
		leaf := blake3.Sum256(id[:])
		if !verifyMerkleProof(leaf, snap.proofs[i], snap.Root) {
			return ErrSnapshotProofFailed
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range snap.Vertices {
		id := v.ID()
		if _, exists := s.vertices[id]; exists {
			continue
		}
		missing := false
		for _, p := range v.Parents {
			if _, ok := s.vertices[p]; !ok {
				missing = true
				break
			}
		}
		if missing {
			s.park(v, v.Parents[0], now)
			continue
		}
		if err := s.insertLocked(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func hashPair(left, right [32]byte) [32]byte {
	h := blake3.New()
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// merkleTree builds a binary Merkle tree over leaves bottom-up, an
// unpaired trailing node at any level carrying forward unchanged, and
// returns the root plus each leaf's sibling-path proof.
func merkleTree(leaves [][32]byte) ([32]byte, [][]proofStep) {
	proofs := make([][]proofStep, len(leaves))
	pos := make([]int, len(leaves))
	for i := range pos {
		pos[i] = i
	}

	level := append([][32]byte(nil), leaves...)
	for len(level) > 1 {
		var next [][32]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}

		for leafIdx, p := range pos {
			if p%2 == 0 {
				if p+1 < len(level) {
					proofs[leafIdx] = append(proofs[leafIdx], proofStep{sibling: level[p+1], siblingLeft: false})
				}
				// unpaired trailing node: no proof step, position carries forward
			} else {
				proofs[leafIdx] = append(proofs[leafIdx], proofStep{sibling: level[p-1], siblingLeft: true})
			}
			pos[leafIdx] = p / 2
		}

		level = next
	}

	var root [32]byte
	if len(level) == 1 {
		root = level[0]
	}
	return root, proofs
}

func verifyMerkleProof(leaf [32]byte, proof []proofStep, root [32]byte) bool {
	cur := leaf
	for _, step := range proof {
		if step.siblingLeft {
			cur = hashPair(step.sibling, cur)
		} else {
			cur = hashPair(cur, step.sibling)
		}
	}
	return cur == root
}
