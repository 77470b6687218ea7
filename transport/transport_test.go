// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/qrdag/consensus/breaker"
	"github.com/qrdag/consensus/ids"
	"github.com/qrdag/consensus/metric"
)

// stubSender auto-responds to every push query with a fixed
// preference, optionally dropping responses for particular peers to
// exercise the timeout path.
type stubSender struct {
	mu       sync.Mutex
	tr       *Transport
	preferred ids.ID
	drop     map[ids.NodeID]bool
}

func (s *stubSender) SendPushQuery(nodeID ids.NodeID, requestID uint32, vertexID ids.ID, vertexBytes []byte) {
	s.mu.Lock()
	drop := s.drop[nodeID]
	s.mu.Unlock()
	if drop {
		return
	}
	go s.tr.HandleChits(requestID, nodeID, s.preferred)
}

func (s *stubSender) SendPullQuery(ids.NodeID, uint32, ids.ID) {}
func (s *stubSender) SendChits(ids.NodeID, uint32, ids.ID)     {}

func newTestBreaker(t *testing.T) *breaker.Breaker {
	m, err := metric.NewConsensus(prometheus.NewRegistry())
	require.NoError(t, err)
	return breaker.New(breaker.Config{
		FailureThreshold:  3,
		OpenTimeout:       time.Second,
		HalfOpenProbes:    1,
		HalfOpenSuccess:   1,
		TimeoutMultiplier: 2,
		TimeoutMin:        10 * time.Millisecond,
		TimeoutMax:        200 * time.Millisecond,
		TimeoutBase:       50 * time.Millisecond,
	}, m)
}

func TestQueryPeersCollectsResponses(t *testing.T) {
	br := newTestBreaker(t)
	preferred := ids.GenerateTestID()
	sender := &stubSender{preferred: preferred, drop: map[ids.NodeID]bool{}}
	tr := New(sender, br)
	sender.tr = tr

	peers := []ids.NodeID{ids.GenerateTestNodeID(), ids.GenerateTestNodeID(), ids.GenerateTestNodeID()}
	vertexID := ids.GenerateTestID()

	responses := tr.QueryPeers(context.Background(), peers, vertexID, []byte("payload"))
	require.Len(t, responses, 3)
	for _, r := range responses {
		require.NoError(t, r.Err)
		require.Equal(t, preferred, r.Preferred)
	}
}

func TestQueryPeersTimesOutDroppedPeer(t *testing.T) {
	br := newTestBreaker(t)
	preferred := ids.GenerateTestID()
	dropped := ids.GenerateTestNodeID()
	sender := &stubSender{preferred: preferred, drop: map[ids.NodeID]bool{dropped: true}}
	tr := New(sender, br)
	sender.tr = tr

	responses := tr.QueryPeers(context.Background(), []ids.NodeID{dropped}, ids.GenerateTestID(), nil)
	require.Len(t, responses, 1)
	require.Error(t, responses[0].Err)
}

func TestQueryPeersRefusesOpenBreaker(t *testing.T) {
	br := newTestBreaker(t)
	peer := ids.GenerateTestNodeID()
	now := time.Now()
	for i := 0; i < 3; i++ {
		br.RecordFailure(peer, now)
	}
	require.Equal(t, breaker.Open, br.State(peer))

	sender := &stubSender{preferred: ids.GenerateTestID(), drop: map[ids.NodeID]bool{}}
	tr := New(sender, br)
	sender.tr = tr

	responses := tr.QueryPeers(context.Background(), []ids.NodeID{peer}, ids.GenerateTestID(), nil)
	require.Len(t, responses, 1)
	require.ErrorIs(t, responses[0].Err, ErrBreakerOpen)
}

func TestHandleChitsRejectsUnknownRequest(t *testing.T) {
	br := newTestBreaker(t)
	sender := &stubSender{drop: map[ids.NodeID]bool{}}
	tr := New(sender, br)
	sender.tr = tr

	require.False(t, tr.HandleChits(999, ids.GenerateTestNodeID(), ids.GenerateTestID()))
}
