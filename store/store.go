// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store is the content-addressed vertex store (C2): append,
// lookup, parent/child indices, frontier tracking, pruning, and
// Merkle-verified snapshot export/import. One Store is constructed per
// node; all state is held on the struct, never package-level.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/cache"
	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/qrdag/consensus/choices"
	"github.com/qrdag/consensus/ids"
	"github.com/qrdag/consensus/metric"
	"github.com/qrdag/consensus/vertex"
)

// Column family key prefixes, matching the persistent state layout:
// vertex (id -> encoded vertex), parents (id -> parent ids), children
// (id -> child ids), finality (id -> finality state), snapshot (height
// -> root hash + manifest).
var (
	prefixVertex   = []byte("v/")
	prefixParents  = []byte("p/")
	prefixChildren = []byte("c/")
	prefixFinality = []byte("f/")
	prefixSnapshot = []byte("s/")
)

var (
	ErrNotFound          = errors.New("store: vertex not found")
	ErrAlreadyExists     = errors.New("store: vertex already exists")
	ErrParentMissing     = errors.New("store: parent not resolved")
	ErrCycleWouldForm    = errors.New("store: append would introduce a cycle")
	ErrTimestampSkew     = errors.New("store: timestamp outside tolerance")
	ErrFinalizedImmutable = errors.New("store: finalized vertices are immutable")
)

// Codec encodes and decodes vertices for persistence. Kept as an
// interface so the store does not depend on one fixed wire format.
type Codec interface {
	Marshal(v *vertex.Vertex) ([]byte, error)
	Unmarshal(data []byte) (*vertex.Vertex, error)
}

// Store is the DAG vertex store.
type Store struct {
	mu sync.RWMutex

	db    database.Database
	codec Codec
	log   log.Logger
	cache cache.Cacher[ids.ID, *vertex.Vertex]

	metrics *metric.Consensus

	vertices map[ids.ID]*vertex.Vertex
	parents  map[ids.ID][]ids.ID
	children map[ids.ID][]ids.ID
	frontier map[ids.ID]struct{}

	// pendingParents buffers vertices awaiting unresolved parents,
	// keyed by the missing parent id, until PARENTS_TTL elapses.
	pendingParents map[ids.ID][]*pendingVertex

	timestampSkew time.Duration
	cacheSize     int

	nextSeq uint64
	seqByID map[ids.ID]uint64
	idBySeq map[uint64]ids.ID

	// equivocationKey maps (creator, parent-set signature, timestamp
	// bucket) to the ids already seen for that key, so a second distinct
	// vertex under the same key is flagged as equivocation evidence.
	equivocationIndex map[string][]ids.ID
	equivocations     []Equivocation
}

// Equivocation records two distinct vertices from the same creator over
// the same parent set, surfaced to C8/C11 as Byzantine evidence.
type Equivocation struct {
	Creator ids.NodeID
	First   ids.ID
	Second  ids.ID
}

type pendingVertex struct {
	v        *vertex.Vertex
	deadline time.Time
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithTimestampSkew overrides the default 5s tolerated clock skew.
func WithTimestampSkew(d time.Duration) Option {
	return func(s *Store) { s.timestampSkew = d }
}

// WithCacheSize overrides the default hot-vertex LRU cache size.
func WithCacheSize(n int) Option {
	return func(s *Store) { s.cacheSize = n }
}

const defaultCacheSize = 4096
const defaultTimestampSkew = 5 * time.Second

// New constructs a Store backed by db for persistence. codec and
// metrics must be non-nil; logger may be log.NewNoOp().
func New(db database.Database, codec Codec, logger log.Logger, metrics *metric.Consensus, opts ...Option) *Store {
	s := &Store{
		db:             db,
		codec:          codec,
		log:            logger,
		metrics:        metrics,
		vertices:       make(map[ids.ID]*vertex.Vertex),
		parents:        make(map[ids.ID][]ids.ID),
		children:       make(map[ids.ID][]ids.ID),
		frontier:       make(map[ids.ID]struct{}),
		pendingParents: make(map[ids.ID][]*pendingVertex),
		timestampSkew:  defaultTimestampSkew,
		cacheSize:      defaultCacheSize,
		seqByID:        make(map[ids.ID]uint64),
		idBySeq:        make(map[uint64]ids.ID),
		equivocationIndex: make(map[string][]ids.ID),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = cache.NewLRU[ids.ID, *vertex.Vertex](s.cacheSize)
	return s
}

// Append validates and inserts a vertex: parents must resolve (or the
// vertex parks in the pending-parents buffer), the signature must
// verify (performed by the caller via the cryptopq/vertex packages
// before calling Append — the store only checks structural invariants),
// no cycle may be introduced, and the timestamp must be within
// tolerance of now.
func (s *Store) Append(ctx context.Context, v *vertex.Vertex, now time.Time) error {
	if skew := now.Sub(v.Timestamp); skew > s.timestampSkew || skew < -s.timestampSkew {
		return ErrTimestampSkew
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := v.ID()
	if _, exists := s.vertices[id]; exists {
		return ErrAlreadyExists
	}

	for _, p := range v.Parents {
		if _, ok := s.vertices[p]; !ok {
			s.park(v, p, now)
			return ErrParentMissing
		}
	}

	if s.wouldCycle(id, v.Parents) {
		return ErrCycleWouldForm
	}

	if err := s.insertLocked(ctx, v); err != nil {
		return err
	}
	s.unpark(ctx, id, now)
	return nil
}

// insertLocked performs the actual insertion; callers must hold s.mu.
func (s *Store) insertLocked(ctx context.Context, v *vertex.Vertex) error {
	id := v.ID()
	s.detectEquivocationLocked(v)

	s.vertices[id] = v
	s.parents[id] = append([]ids.ID(nil), v.Parents...)
	s.frontier[id] = struct{}{}

	for _, p := range v.Parents {
		s.children[p] = append(s.children[p], id)
		delete(s.frontier, p)
	}

	s.cache.Put(id, v)

	seq := s.nextSeq
	s.nextSeq++
	s.seqByID[id] = seq
	s.idBySeq[seq] = id

	if s.db != nil {
		encoded, err := s.codec.Marshal(v)
		if err != nil {
			return err
		}
		batch := s.db.NewBatch()
		if err := batch.Put(append(append([]byte{}, prefixVertex...), id[:]...), encoded); err != nil {
			return err
		}
		if err := batch.Write(); err != nil {
			return err
		}
	}

	if s.metrics != nil {
		s.metrics.VerticesAppended.Inc()
		s.metrics.FrontierSize.Set(float64(len(s.frontier)))
	}
	return nil
}

// park buffers v until missingParent resolves or PARENTS_TTL elapses.
// Callers must hold s.mu.
func (s *Store) park(v *vertex.Vertex, missingParent ids.ID, now time.Time) {
	s.pendingParents[missingParent] = append(s.pendingParents[missingParent], &pendingVertex{
		v:        v,
		deadline: now.Add(30 * time.Second),
	})
}

// unpark re-attempts any vertices waiting on id, now that it has been
// inserted. Callers must hold s.mu.
func (s *Store) unpark(ctx context.Context, id ids.ID, now time.Time) {
	waiters := s.pendingParents[id]
	delete(s.pendingParents, id)

	for _, w := range waiters {
		if now.After(w.deadline) {
			continue
		}
		ready := true
		for _, p := range w.v.Parents {
			if _, ok := s.vertices[p]; !ok {
				ready = false
				s.park(w.v, p, now)
				break
			}
		}
		if ready {
			if !s.wouldCycle(w.v.ID(), w.v.Parents) {
				_ = s.insertLocked(ctx, w.v)
				s.unpark(ctx, w.v.ID(), now)
			}
		}
	}
}

// PendingParentIDs returns the set of vertex ids this store's
// pending-parents buffer is currently blocked on, for a state
// synchronizer to fetch directly rather than rederiving the gap from
// DAG structure.
func (s *Store) PendingParentIDs() []ids.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ids.ID, 0, len(s.pendingParents))
	for id := range s.pendingParents {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i], out[j]) })
	return out
}

// ExpirePending drops parked vertices whose PARENTS_TTL has elapsed,
// returning the number dropped. Intended to be called periodically by
// the node's maintenance loop.
func (s *Store) ExpirePending(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for parent, waiters := range s.pendingParents {
		kept := waiters[:0]
		for _, w := range waiters {
			if now.After(w.deadline) {
				dropped++
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(s.pendingParents, parent)
		} else {
			s.pendingParents[parent] = kept
		}
	}
	return dropped
}

// wouldCycle reports whether inserting a vertex with the given id and
// parents would create a cycle. Since parents must already exist in an
// acyclic store, a cycle can only form if id is already reachable from
// one of its claimed parents — which cannot happen for a fresh,
// content-addressed id distinct from all existing ids. The check exists
// for defense in depth against id collisions and malformed callers.
// Callers must hold s.mu (read lock suffices).
func (s *Store) wouldCycle(id ids.ID, newParents []ids.ID) bool {
	for _, p := range newParents {
		if s.isReachableLocked(p, id) {
			return true
		}
	}
	return false
}

func (s *Store) isReachableLocked(from, to ids.ID) bool {
	if from == to {
		return true
	}
	visited := map[ids.ID]struct{}{from: {}}
	queue := []ids.ID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range s.children[cur] {
			if child == to {
				return true
			}
			if _, ok := visited[child]; !ok {
				visited[child] = struct{}{}
				queue = append(queue, child)
			}
		}
	}
	return false
}

// Get returns the vertex for id.
func (s *Store) Get(id ids.ID) (*vertex.Vertex, error) {
	if v, ok := s.cache.Get(id); ok {
		return v, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vertices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Children returns the direct children of id.
func (s *Store) Children(id ids.ID) []ids.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ids.ID(nil), s.children[id]...)
}

// Parents returns the direct parents of id.
func (s *Store) Parents(id ids.ID) []ids.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ids.ID(nil), s.parents[id]...)
}

// Frontier returns the current frontier: vertices with no children yet
// (candidate parents for new proposals).
func (s *Store) Frontier() []ids.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ids.ID, 0, len(s.frontier))
	for id := range s.frontier {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i], out[j]) })
	return out
}

// TopologicalSort returns up to limit vertex ids in an order respecting
// the parent relation: parents always precede children.
func (s *Store) TopologicalSort(limit int) []ids.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indegree := make(map[ids.ID]int, len(s.vertices))
	for id := range s.vertices {
		indegree[id] = len(s.parents[id])
	}

	var ready []ids.ID
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return lessID(ready[i], ready[j]) })

	var order []ids.ID
	for len(ready) > 0 && (limit <= 0 || len(order) < limit) {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		children := append([]ids.ID(nil), s.children[id]...)
		sort.Slice(children, func(i, j int) bool { return lessID(children[i], children[j]) })
		for _, c := range children {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
				sort.Slice(ready, func(i, j int) bool { return lessID(ready[i], ready[j]) })
			}
		}
	}
	return order
}

// MarkFinalized marks id Finalized. It is an error to mark an already
// Finalized or Rejected vertex with a different outcome.
func (s *Store) MarkFinalized(id ids.ID) error {
	return s.setStatus(id, choices.Finalized)
}

// MarkRejected marks id Rejected.
func (s *Store) MarkRejected(id ids.ID) error {
	return s.setStatus(id, choices.Rejected)
}

// MarkStalled marks id Stalled: it exhausted R_max rounds without
// reaching finality. Unlike MarkFinalized/MarkRejected this is not a
// terminal transition, so a later successful round can still move id
// on to Finalized.
func (s *Store) MarkStalled(id ids.ID) error {
	return s.setStatus(id, choices.Stalled)
}

func (s *Store) setStatus(id ids.ID, status choices.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vertices[id]
	if !ok {
		return ErrNotFound
	}
	if v.Status.Decided() && v.Status != status {
		return ErrFinalizedImmutable
	}
	v.Status = status

	if s.metrics != nil {
		switch status {
		case choices.Finalized:
			s.metrics.VerticesFinalized.Inc()
		case choices.Rejected:
			s.metrics.VerticesRejected.Inc()
		case choices.Stalled:
			s.metrics.VerticesStalled.Inc()
		}
	}
	return nil
}

// PrunePolicy controls Prune's retention window.
type PrunePolicy struct {
	// RetainSince: vertices with Timestamp before this are eligible.
	RetainSince time.Time
}

// Prune removes vertices strictly older than the policy's retention
// window, finalized, and with no non-finalized descendants. It returns
// the number of vertices removed.
func (s *Store) Prune(policy PrunePolicy) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, v := range s.vertices {
		if !v.Timestamp.Before(policy.RetainSince) {
			continue
		}
		if v.Status != choices.Finalized {
			continue
		}
		if s.hasNonFinalizedDescendantLocked(id) {
			continue
		}
		delete(s.vertices, id)
		delete(s.parents, id)
		delete(s.children, id)
		delete(s.frontier, id)
		s.cache.Evict(id)
		removed++
	}
	return removed
}

func (s *Store) hasNonFinalizedDescendantLocked(id ids.ID) bool {
	visited := map[ids.ID]struct{}{}
	queue := append([]ids.ID(nil), s.children[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := visited[cur]; ok {
			continue
		}
		visited[cur] = struct{}{}
		v, ok := s.vertices[cur]
		if !ok {
			continue
		}
		if v.Status != choices.Finalized {
			return true
		}
		queue = append(queue, s.children[cur]...)
	}
	return false
}

// detectEquivocationLocked flags a second, distinct vertex from the
// same creator over an identical parent set and timestamp as
// equivocation evidence (spec.md S2). Both vertices remain in the store;
// consensus and fork reconciliation (C6/C8) are responsible for
// ensuring only one ever finalizes. Callers must hold s.mu.
func (s *Store) detectEquivocationLocked(v *vertex.Vertex) {
	key := equivocationKey(v)
	prior := s.equivocationIndex[key]
	for _, priorID := range prior {
		if priorID != v.ID() {
			s.equivocations = append(s.equivocations, Equivocation{
				Creator: v.Creator,
				First:   priorID,
				Second:  v.ID(),
			})
			if s.metrics != nil {
				s.metrics.Equivocations.Inc()
			}
		}
	}
	s.equivocationIndex[key] = append(prior, v.ID())
}

func equivocationKey(v *vertex.Vertex) string {
	var b []byte
	b = append(b, v.Creator[:]...)
	for _, p := range v.Parents {
		b = append(b, p[:]...)
	}
	ts := v.Timestamp.UnixNano()
	for i := 0; i < 8; i++ {
		b = append(b, byte(ts>>(8*i)))
	}
	return string(b)
}

// DrainEquivocations returns and clears all equivocation evidence
// recorded since the last drain.
func (s *Store) DrainEquivocations() []Equivocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.equivocations
	s.equivocations = nil
	return out
}

func lessID(a, b ids.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
