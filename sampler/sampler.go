// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sampler implements weighted-without-replacement peer
// selection for C6's per-round query fan-out: k peers are drawn
// weighted by C11's reputation-adjusted vote weight, with any single
// peer's effective share capped to resist Sybil amplification, and
// peers with an open circuit breaker excluded from the draw.
package sampler

import (
	"errors"
	"math/rand"
	"sort"

	"github.com/qrdag/consensus/ids"
)

var (
	// ErrInsufficientWeight is returned when fewer eligible peers remain
	// than the requested sample size.
	ErrInsufficientWeight = errors.New("sampler: insufficient eligible weight for requested sample size")
)

// Source is a source of randomness, matching the teacher's sampler
// Source abstraction so callers can substitute a deterministic PRNG in
// tests.
type Source interface {
	Uint64() uint64
}

type source struct{ r *rand.Rand }

// NewSource returns a Source seeded deterministically from seed.
func NewSource(seed int64) Source {
	return &source{r: rand.New(rand.NewSource(seed))}
}

func (s *source) Uint64() uint64 { return s.r.Uint64() }

// MaxShare is the maximum fraction of total sampling weight any single
// peer may contribute, per spec.md §4.6's 15% Sybil cap.
const MaxShare = 0.15

// Weighted draws k distinct peers without replacement, weighted by
// each peer's capped share of total eligible weight.
type Weighted struct {
	source  Source
	ids     []ids.NodeID
	weights []uint64 // capped, fixed-point weights summing to totalWeight
	total   uint64
}

// NewWeighted constructs a Weighted sampler using source for
// randomness (NewSource(0) equivalent if nil).
func NewWeighted(source Source) *Weighted {
	if source == nil {
		source = NewSource(0)
	}
	return &Weighted{source: source}
}

// Initialize sets the eligible population and their raw weights. Raw
// weights are renormalized so that no peer's share of total weight
// exceeds MaxShare: any peer over the cap is clamped down and the
// freed weight is redistributed proportionally among the remaining
// peers, iterating until no peer exceeds the cap (or only one peer
// remains, which necessarily gets 100%). With fewer than seven peers of
// nonzero weight the cap cannot hold: each of them ends up clamped
// alike, so their shares come out equal and above MaxShare.
func (w *Weighted) Initialize(weights map[ids.NodeID]float64) error {
	ordered := make([]ids.NodeID, 0, len(weights))
	for id := range weights {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return lessID(ordered[i], ordered[j]) })

	raw := make([]float64, len(ordered))
	for i, id := range ordered {
		raw[i] = weights[id]
	}

	capped := capShares(raw, MaxShare)

	const fixedPointScale = 1 << 32
	fixed := make([]uint64, len(capped))
	var total uint64
	for i, share := range capped {
		fp := uint64(share * fixedPointScale)
		fixed[i] = fp
		total += fp
	}

	w.ids = ordered
	w.weights = fixed
	w.total = total
	return nil
}

// capShares iteratively redistributes any weight above share*total
// from over-cap entries to the remaining entries, proportional to
// their own weight, until every entry is at or under the cap (within
// floating point tolerance) or only one entry remains.
func capShares(raw []float64, cap float64) []float64 {
	n := len(raw)
	if n <= 1 {
		return raw
	}
	shares := make([]float64, n)
	var total float64
	for _, v := range raw {
		total += v
	}
	if total == 0 {
		return shares
	}
	for i, v := range raw {
		shares[i] = v / total
	}

	capped := make([]bool, n)
	for iter := 0; iter < n; iter++ {
		excess := 0.0
		uncappedTotal := 0.0
		anyNewlyCapped := false
		for i, s := range shares {
			if capped[i] {
				continue
			}
			if s > cap {
				excess += s - cap
				shares[i] = cap
				capped[i] = true
				anyNewlyCapped = true
			} else {
				uncappedTotal += s
			}
		}
		if !anyNewlyCapped || excess == 0 || uncappedTotal == 0 {
			break
		}
		for i, s := range shares {
			if capped[i] {
				continue
			}
			shares[i] = s + excess*(s/uncappedTotal)
		}
	}
	return shares
}

// Sample draws size distinct peer indices weighted by their capped
// share, skipping any peer for which excluded reports true (open
// circuit breakers). Returns ErrInsufficientWeight if fewer than size
// eligible peers remain.
func (w *Weighted) Sample(size int, excluded func(ids.NodeID) bool) ([]ids.NodeID, error) {
	if size == 0 {
		return nil, nil
	}

	eligibleIdx := make([]int, 0, len(w.ids))
	var eligibleWeight uint64
	for i, id := range w.ids {
		if excluded != nil && excluded(id) {
			continue
		}
		if w.weights[i] == 0 {
			continue
		}
		eligibleIdx = append(eligibleIdx, i)
		eligibleWeight += w.weights[i]
	}
	if len(eligibleIdx) < size || eligibleWeight == 0 {
		return nil, ErrInsufficientWeight
	}

	remaining := make([]int, len(eligibleIdx))
	copy(remaining, eligibleIdx)
	remainingWeight := eligibleWeight

	result := make([]ids.NodeID, 0, size)
	for len(result) < size {
		draw := w.source.Uint64() % remainingWeight
		var cum uint64
		chosen := -1
		for pos, idx := range remaining {
			cum += w.weights[idx]
			if draw < cum {
				chosen = pos
				break
			}
		}
		if chosen == -1 {
			chosen = len(remaining) - 1
		}
		result = append(result, w.ids[remaining[chosen]])
		remainingWeight -= w.weights[remaining[chosen]]
		remaining = append(remaining[:chosen], remaining[chosen+1:]...)
	}
	return result, nil
}

// Share returns peer's capped share of total weight as configured by
// the last Initialize call, or 0 if peer is unknown.
func (w *Weighted) Share(id ids.NodeID) float64 {
	if w.total == 0 {
		return 0
	}
	for i, candidate := range w.ids {
		if candidate == id {
			return float64(w.weights[i]) / float64(w.total)
		}
	}
	return 0
}

func lessID(a, b ids.NodeID) bool {
	ab, bb := a[:], b[:]
	for i := range ab {
		if ab[i] != bb[i] {
			return ab[i] < bb[i]
		}
	}
	return false
}
