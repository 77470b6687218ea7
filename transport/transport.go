// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport adapts C6's round loop to the network: it fans a
// query for one vertex out to a set of sampled peers, gates and times
// each send through a per-peer circuit breaker, and resolves inbound
// Chits responses back to the waiting caller.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qrdag/consensus/breaker"
	"github.com/qrdag/consensus/ids"
)

// ErrBreakerOpen is returned for a peer whose circuit breaker refused
// the query outright.
var ErrBreakerOpen = errors.New("transport: peer circuit breaker open")

// Sender delivers outbound consensus query/response messages. A
// production Transport is constructed with a Sender backed by the
// node's real network stack; tests use an in-memory stub.
type Sender interface {
	// SendPushQuery asks nodeID to vote on vertexID, attaching the
	// vertex's wire bytes so an unfamiliar peer can ingest it directly.
	SendPushQuery(nodeID ids.NodeID, requestID uint32, vertexID ids.ID, vertexBytes []byte)

	// SendPullQuery asks nodeID to vote on vertexID, which the peer is
	// assumed to already have.
	SendPullQuery(nodeID ids.NodeID, requestID uint32, vertexID ids.ID)

	// SendChits responds to requestID with this node's current
	// preference.
	SendChits(nodeID ids.NodeID, requestID uint32, preferred ids.ID)
}

// Response is one peer's answer to a query, or a timeout/failure.
type Response struct {
	Peer      ids.NodeID
	Preferred ids.ID
	Err       error
}

type pending struct {
	peer   ids.NodeID
	result chan Response
}

// Transport fans out queries to sampled peers and resolves responses.
type Transport struct {
	sender  Sender
	breaker *breaker.Breaker

	mu        sync.Mutex
	nextReqID uint32
	inFlight  map[uint32]*pending
}

// New constructs a Transport over sender, gated by br.
func New(sender Sender, br *breaker.Breaker) *Transport {
	return &Transport{
		sender:   sender,
		breaker:  br,
		inFlight: make(map[uint32]*pending),
	}
}

func (t *Transport) allocRequestID() uint32 {
	return atomic.AddUint32(&t.nextReqID, 1)
}

// QueryPeers sends a push query for vertexID (with vertexBytes, used
// the first time a vertex reaches an unfamiliar peer) to each of
// peers, respecting each peer's circuit breaker state and adaptive
// timeout, and returns one Response per peer once all have answered,
// timed out, or been refused outright by an open breaker.
func (t *Transport) QueryPeers(ctx context.Context, peers []ids.NodeID, vertexID ids.ID, vertexBytes []byte) []Response {
	responses := make([]Response, len(peers))
	var wg sync.WaitGroup
	wg.Add(len(peers))

	for i, peer := range peers {
		go func(i int, peer ids.NodeID) {
			defer wg.Done()
			responses[i] = t.queryOne(ctx, peer, vertexID, vertexBytes)
		}(i, peer)
	}
	wg.Wait()
	return responses
}

func (t *Transport) queryOne(ctx context.Context, peer ids.NodeID, vertexID ids.ID, vertexBytes []byte) Response {
	now := time.Now()
	if !t.breaker.Allow(peer, now) {
		return Response{Peer: peer, Err: ErrBreakerOpen}
	}

	requestID := t.allocRequestID()
	result := make(chan Response, 1)

	t.mu.Lock()
	t.inFlight[requestID] = &pending{peer: peer, result: result}
	t.mu.Unlock()

	start := time.Now()
	timeout := t.breaker.Timeout(peer)
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t.sender.SendPushQuery(peer, requestID, vertexID, vertexBytes)

	select {
	case resp := <-result:
		t.breaker.RecordSuccess(peer, time.Since(start))
		return resp
	case <-queryCtx.Done():
		t.mu.Lock()
		delete(t.inFlight, requestID)
		t.mu.Unlock()
		t.breaker.RecordFailure(peer, time.Now())
		return Response{Peer: peer, Err: queryCtx.Err()}
	}
}

// HandleChits resolves requestID's in-flight query with peer's
// reported preference. Called from the node's inbound message
// handler when a Chits message arrives. Returns false if requestID is
// unknown (already timed out, or a duplicate/unsolicited response).
func (t *Transport) HandleChits(requestID uint32, peer ids.NodeID, preferred ids.ID) bool {
	t.mu.Lock()
	p, ok := t.inFlight[requestID]
	if ok {
		delete(t.inFlight, requestID)
	}
	t.mu.Unlock()
	if !ok || p.peer != peer {
		return false
	}
	p.result <- Response{Peer: peer, Preferred: preferred}
	return true
}

// Respond answers an inbound push/pull query from peer with this
// node's current preference for vertexID.
func (t *Transport) Respond(peer ids.NodeID, requestID uint32, preferred ids.ID) {
	t.sender.SendChits(peer, requestID, preferred)
}

// InFlight returns the number of queries awaiting a response, for
// health reporting.
func (t *Transport) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}
