// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package fork

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/qrdag/consensus/choices"
	"github.com/qrdag/consensus/cryptopq"
	"github.com/qrdag/consensus/ids"
	"github.com/qrdag/consensus/log"
	"github.com/qrdag/consensus/metric"
	"github.com/qrdag/consensus/reputation"
	"github.com/qrdag/consensus/store"
	"github.com/qrdag/consensus/vertex"
)

type jsonCodec struct{}

type wireVertex struct {
	Creator   ids.NodeID
	Timestamp time.Time
	Parents   []ids.ID
	Payload   []byte
	Signature []byte
}

func (jsonCodec) Marshal(v *vertex.Vertex) ([]byte, error) {
	return json.Marshal(wireVertex{v.Creator, v.Timestamp, v.Parents, v.Payload, v.Signature})
}
func (jsonCodec) Unmarshal(data []byte) (*vertex.Vertex, error) { return nil, nil }

type recordingSink struct {
	resolved []Resolution
	fatal    [][2]ids.ID
}

func (s *recordingSink) ForkResolved(res Resolution) { s.resolved = append(s.resolved, res) }
func (s *recordingSink) FatalSafetyEvent(a, b ids.ID) {
	s.fatal = append(s.fatal, [2]ids.ID{a, b})
}

func newTestStore(t *testing.T) *store.Store {
	reg := prometheus.NewRegistry()
	m, err := metric.NewConsensus(reg)
	require.NoError(t, err)
	return store.New(memdb.New(), jsonCodec{}, log.NewNoOp(), m)
}

func makeVertex(t *testing.T, creator ids.NodeID, parents []ids.ID, payload string, ts time.Time) *vertex.Vertex {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = creator[i%len(creator)]
	}
	kp, err := cryptopq.GenerateKeyPair(seed, cryptopq.Level5)
	require.NoError(t, err)
	signer, err := cryptopq.NewSigner(kp)
	require.NoError(t, err)
	v, err := vertex.New(creator, ts, parents, []byte(payload), signer)
	require.NoError(t, err)
	return v
}

func TestResolveByReputationMargin(t *testing.T) {
	st := newTestStore(t)
	rep := reputation.New(reputation.Config{})
	creatorA, creatorB := ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	rep.Register(creatorA, 100)
	rep.Register(creatorB, 100)
	rep.Slash(creatorB) // creatorB now well below creatorA

	now := time.Now()
	genesis := makeVertex(t, ids.GenerateTestNodeID(), nil, "genesis", now)
	require.NoError(t, st.Append(context.Background(), genesis, now))

	branchA := makeVertex(t, creatorA, []ids.ID{genesis.ID()}, "a", now)
	branchB := makeVertex(t, creatorB, []ids.ID{genesis.ID()}, "b", now)
	require.NoError(t, st.Append(context.Background(), branchA, now))
	require.NoError(t, st.Append(context.Background(), branchB, now))

	sink := &recordingSink{}
	rec := New(st, rep, sink)
	res, err := rec.Resolve(branchA.ID(), branchB.ID())
	require.NoError(t, err)
	require.False(t, res.Merged)
	require.False(t, res.Fatal)
	require.Equal(t, branchA.ID(), res.Winner)
	require.Equal(t, branchB.ID(), res.Loser)

	got, err := st.Get(branchB.ID())
	require.NoError(t, err)
	require.Equal(t, choices.Rejected, got.Status)
	require.Len(t, sink.resolved, 1)
}

func TestResolveByHeightWhenReputationsClose(t *testing.T) {
	st := newTestStore(t)
	rep := reputation.New(reputation.Config{})
	creatorA, creatorB := ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	rep.Register(creatorA, 100)
	rep.Register(creatorB, 100)
	// Three slashes take creatorB to 0.512, so the two-vertex branch sums
	// to 1.024 against 1.0: within the 10% margin, leaving height to decide.
	for i := 0; i < 3; i++ {
		rep.Slash(creatorB)
	}

	now := time.Now()
	genesis := makeVertex(t, ids.GenerateTestNodeID(), nil, "genesis", now)
	require.NoError(t, st.Append(context.Background(), genesis, now))

	shortHead := makeVertex(t, creatorA, []ids.ID{genesis.ID()}, "short", now)
	require.NoError(t, st.Append(context.Background(), shortHead, now))

	longMid := makeVertex(t, creatorB, []ids.ID{genesis.ID()}, "mid", now)
	require.NoError(t, st.Append(context.Background(), longMid, now))
	longHead := makeVertex(t, creatorB, []ids.ID{longMid.ID()}, "long", now)
	require.NoError(t, st.Append(context.Background(), longHead, now))

	rec := New(st, rep, nil)
	res, err := rec.Resolve(shortHead.ID(), longHead.ID())
	require.NoError(t, err)
	require.False(t, res.Merged)
	require.Equal(t, longHead.ID(), res.Winner)
	require.Equal(t, shortHead.ID(), res.Loser)
}

func TestResolveMergesWhenBothBranchesStillPending(t *testing.T) {
	st := newTestStore(t)
	rep := reputation.New(reputation.Config{})
	creatorA, creatorB := ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	rep.Register(creatorA, 100)
	rep.Register(creatorB, 100)

	now := time.Now()
	genesis := makeVertex(t, ids.GenerateTestNodeID(), nil, "genesis", now)
	require.NoError(t, st.Append(context.Background(), genesis, now))

	branchA := makeVertex(t, creatorA, []ids.ID{genesis.ID()}, "a", now)
	branchB := makeVertex(t, creatorB, []ids.ID{genesis.ID()}, "b", now)
	require.NoError(t, st.Append(context.Background(), branchA, now))
	require.NoError(t, st.Append(context.Background(), branchB, now))

	rec := New(st, rep, nil)
	res, err := rec.Resolve(branchA.ID(), branchB.ID())
	require.NoError(t, err)
	require.True(t, res.Merged)

	gotA, err := st.Get(branchA.ID())
	require.NoError(t, err)
	gotB, err := st.Get(branchB.ID())
	require.NoError(t, err)
	require.Equal(t, choices.Pending, gotA.Status)
	require.Equal(t, choices.Pending, gotB.Status)
}

func TestResolveTieBreaksWhenOneBranchAlreadyAccepted(t *testing.T) {
	st := newTestStore(t)
	rep := reputation.New(reputation.Config{})
	creatorA, creatorB := ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	rep.Register(creatorA, 100)
	rep.Register(creatorB, 100)

	now := time.Now()
	genesis := makeVertex(t, ids.GenerateTestNodeID(), nil, "genesis", now)
	require.NoError(t, st.Append(context.Background(), genesis, now))

	branchA := makeVertex(t, creatorA, []ids.ID{genesis.ID()}, "a", now)
	branchB := makeVertex(t, creatorB, []ids.ID{genesis.ID()}, "b", now)
	require.NoError(t, st.Append(context.Background(), branchA, now))
	require.NoError(t, st.Append(context.Background(), branchB, now))

	v, err := st.Get(branchA.ID())
	require.NoError(t, err)
	v.Status = choices.Accepted

	rec := New(st, rep, nil)
	res, err := rec.Resolve(branchA.ID(), branchB.ID())
	require.NoError(t, err)
	require.False(t, res.Merged)
}

func TestResolveFatalWhenBothAlreadyFinalized(t *testing.T) {
	st := newTestStore(t)
	rep := reputation.New(reputation.Config{})
	creatorA, creatorB := ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	rep.Register(creatorA, 100)
	rep.Register(creatorB, 100)

	now := time.Now()
	genesis := makeVertex(t, ids.GenerateTestNodeID(), nil, "genesis", now)
	require.NoError(t, st.Append(context.Background(), genesis, now))

	branchA := makeVertex(t, creatorA, []ids.ID{genesis.ID()}, "a", now)
	branchB := makeVertex(t, creatorB, []ids.ID{genesis.ID()}, "b", now)
	require.NoError(t, st.Append(context.Background(), branchA, now))
	require.NoError(t, st.Append(context.Background(), branchB, now))
	require.NoError(t, st.MarkFinalized(branchA.ID()))
	require.NoError(t, st.MarkFinalized(branchB.ID()))

	sink := &recordingSink{}
	rec := New(st, rep, sink)
	res, err := rec.Resolve(branchA.ID(), branchB.ID())
	require.NoError(t, err)
	require.True(t, res.Fatal)
	require.Len(t, sink.fatal, 1)
}

func TestResolveErrorsWithoutCommonAncestor(t *testing.T) {
	st := newTestStore(t)
	rep := reputation.New(reputation.Config{})

	now := time.Now()
	g1 := makeVertex(t, ids.GenerateTestNodeID(), nil, "g1", now)
	g2 := makeVertex(t, ids.GenerateTestNodeID(), nil, "g2", now)
	require.NoError(t, st.Append(context.Background(), g1, now))
	require.NoError(t, st.Append(context.Background(), g2, now))

	rec := New(st, rep, nil)
	_, err := rec.Resolve(g1.ID(), g2.ID())
	require.ErrorIs(t, err, ErrNoCommonAncestor)
}

func TestResolveSlashesLosingBranchCreator(t *testing.T) {
	st := newTestStore(t)
	rep := reputation.New(reputation.Config{})
	creatorA, creatorB := ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	rep.Register(creatorA, 100)
	rep.Register(creatorB, 100)
	rep.Slash(creatorB)

	now := time.Now()
	genesis := makeVertex(t, ids.GenerateTestNodeID(), nil, "genesis", now)
	require.NoError(t, st.Append(context.Background(), genesis, now))
	branchA := makeVertex(t, creatorA, []ids.ID{genesis.ID()}, "a", now)
	branchB := makeVertex(t, creatorB, []ids.ID{genesis.ID()}, "b", now)
	require.NoError(t, st.Append(context.Background(), branchA, now))
	require.NoError(t, st.Append(context.Background(), branchB, now))

	before := rep.Reputation(creatorB)
	rec := New(st, rep, nil)
	_, err := rec.Resolve(branchA.ID(), branchB.ID())
	require.NoError(t, err)
	require.Less(t, rep.Reputation(creatorB), before)
}
