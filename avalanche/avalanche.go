// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package avalanche implements C6: the per-round QR-Avalanche loop
// that drives every non-finalized vertex in the frontier toward
// finality. Each round it samples a weighted peer set (C11's vote
// weights through C6's Sybil-capped sampler), excludes peers whose
// circuit breaker is open (C4), fans a query out over the network
// (C6's transport), tallies the weighted response against C12's
// current adaptive quorum threshold, and feeds the pass/fail outcome
// into C6's per-vertex confidence tracker. A vertex that earns beta
// consecutive passing rounds is marked finalized in the store (C2) and
// rewards every peer that agreed with it; a vertex that exhausts
// R_max rounds without finalizing is marked Stalled instead, for
// operator review rather than automatic rejection. Any equivocation
// evidence the store surfaces along the way is reported to C11 as a
// slashing event and a Byzantine strike, and to C12 as a Byzantine
// observation for that round.
package avalanche

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/qrdag/consensus/breaker"
	"github.com/qrdag/consensus/confidence"
	"github.com/qrdag/consensus/failuredetector"
	"github.com/qrdag/consensus/ids"
	"github.com/qrdag/consensus/metric"
	"github.com/qrdag/consensus/poll"
	"github.com/qrdag/consensus/quorum"
	"github.com/qrdag/consensus/reputation"
	"github.com/qrdag/consensus/sampler"
	"github.com/qrdag/consensus/store"
	"github.com/qrdag/consensus/transport"
)

// Params bounds a round's behavior. K is the sample size per round
// (spec's default is 30); Beta is the number of consecutive passing
// rounds a vertex needs to finalize; MaxRounds (R_max) caps how many
// rounds a vertex may run before it is marked Stalled rather than left
// to sample forever; MaxPerTick caps how many frontier vertices a
// single Tick drives forward, so one slow tick cannot starve the rest
// of the node.
type Params struct {
	K          int
	Beta       int
	MaxRounds  int
	MaxPerTick int
}

// DefaultParams matches spec.md's default QR-Avalanche parameters.
func DefaultParams() Params {
	return Params{K: 30, Beta: 20, MaxRounds: 100, MaxPerTick: 64}
}

// Engine runs the round loop over a Store, coordinating the sampler,
// transport, breaker, confidence tracker, adaptive quorum, and
// reputation manager built for this node.
type Engine struct {
	params Params

	store       *store.Store
	sampler     *sampler.Weighted
	transport   *transport.Transport
	breaker     *breaker.Breaker
	confidence  *confidence.Tracker
	quorum      *quorum.AdaptiveQuorum
	reputation  *reputation.Manager
	failureDet  *failuredetector.Detector

	log     log.Logger
	metrics *metric.Consensus

	roundsMu sync.Mutex
	rounds   map[ids.ID]int // per-vertex round count, reset once Forgotten
}

// New constructs an Engine wiring together every C6-adjacent
// component. Each dependency is owned by the caller (typically the
// node package) and shared across the engine's lifetime.
func New(
	params Params,
	st *store.Store,
	smp *sampler.Weighted,
	tr *transport.Transport,
	br *breaker.Breaker,
	quorumMgr *quorum.AdaptiveQuorum,
	repMgr *reputation.Manager,
	fd *failuredetector.Detector,
	logger log.Logger,
	metrics *metric.Consensus,
) *Engine {
	if params.K <= 0 {
		params = DefaultParams()
	}
	if params.MaxRounds <= 0 {
		params.MaxRounds = DefaultParams().MaxRounds
	}
	return &Engine{
		params:     params,
		store:      st,
		sampler:    smp,
		transport:  tr,
		breaker:    br,
		confidence: confidence.NewTracker(confidence.Threshold{Alpha: 1, Beta: params.Beta}),
		quorum:     quorumMgr,
		reputation: repMgr,
		failureDet: fd,
		log:        logger,
		metrics:    metrics,
		rounds:     make(map[ids.ID]int),
	}
}

// Tick drives up to Params.MaxPerTick non-finalized frontier vertices
// through one round each, refreshing the sampler from the current
// reputation weights and draining any equivocation evidence the store
// has observed since the last tick before running rounds, so a round's
// quorum threshold already reflects this tick's Byzantine signal.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	e.drainEquivocations(now)

	if err := e.sampler.Initialize(e.reputation.Weights()); err != nil {
		return err
	}

	frontier := e.store.Frontier()
	if len(frontier) > e.params.MaxPerTick {
		frontier = frontier[:e.params.MaxPerTick]
	}

	for _, vertexID := range frontier {
		if e.confidence.Finalized(vertexID) {
			continue
		}
		if err := e.RunRound(ctx, vertexID, now); err != nil {
			e.log.Debug("round failed", "vertex", vertexID, "err", err)
		}
	}
	return nil
}

// drainEquivocations reports every equivocation the store has
// observed since the last drain to the reputation manager (slashing
// the offending creator) and to the adaptive quorum as a Byzantine
// observation for the current round.
func (e *Engine) drainEquivocations(now time.Time) {
	evidence := e.store.DrainEquivocations()
	for _, ev := range evidence {
		e.reputation.Slash(ev.Creator)
		if e.reputation.RecordStrike(ev.Creator) {
			e.log.Warn("peer marked Byzantine", "creator", ev.Creator, "strikes", e.reputation.Strikes(ev.Creator))
		}
		e.log.Warn("equivocation detected", "creator", ev.Creator, "first", ev.First, "second", ev.Second)
	}
	e.quorum.RecordRound(len(evidence) > 0, now)
}

// RunRound executes a single sampling round for vertexID: it excludes
// peers whose circuit breaker is open, samples Params.K peers weighted
// by their current vote weight, fans a query out over the transport,
// and records whether the round's weighted agreement behind vertexID
// cleared the current adaptive quorum threshold.
func (e *Engine) RunRound(ctx context.Context, vertexID ids.ID, now time.Time) error {
	if e.metrics != nil {
		e.metrics.RoundsStarted.Inc()
	}
	start := time.Now()
	roundCount := e.incrementRound(vertexID)

	peers, err := e.sampler.Sample(e.params.K, e.peerExcluded)
	if err != nil {
		e.confidence.RecordUnsuccessfulPoll(vertexID)
		return err
	}

	var vertexBytes []byte
	if v, err := e.store.Get(vertexID); err == nil {
		vertexBytes = v.Payload
	}

	responses := e.transport.QueryPeers(ctx, peers, vertexID, vertexBytes)

	allWeights := e.reputation.Weights()
	weightOf := func(p ids.NodeID) float64 { return allWeights[p] }

	threshold := e.quorum.Threshold()
	round := poll.NewEarlyTermFactory(threshold).New(peers, weightOf)

	var totalWeight float64
	for _, p := range peers {
		totalWeight += weightOf(p)
	}

	var tally poll.Result
	for _, r := range responses {
		if r.Err == nil {
			e.failureDet.Heartbeat(r.Peer, now)
			tally, _ = round.Vote(r.Peer, r.Preferred)
		} else {
			tally, _ = round.Drop(r.Peer)
		}
	}

	agreeWeight := tally[vertexID]
	passed := totalWeight > 0 && agreeWeight/totalWeight >= threshold
	if passed {
		e.confidence.RecordPoll(vertexID, 1)
		for _, r := range responses {
			if r.Err == nil && r.Preferred == vertexID {
				e.reputation.Reward(r.Peer, reputation.RewardMin)
			}
		}
	} else {
		e.confidence.RecordPoll(vertexID, 0)
	}

	if e.metrics != nil {
		e.metrics.RoundsCompleted.Inc()
		e.metrics.RoundLatency.Observe(time.Since(start).Seconds())
		e.metrics.QuorumThreshold.Set(threshold)
	}

	if e.confidence.Finalized(vertexID) {
		if err := e.store.MarkFinalized(vertexID); err != nil {
			e.log.Debug("mark finalized failed", "vertex", vertexID, "err", err)
		}
		e.confidence.Forget(vertexID)
		e.forgetRound(vertexID)
		e.log.Info("vertex finalized", "vertex", vertexID)
		return nil
	}

	if roundCount == e.params.MaxRounds {
		if err := e.store.MarkStalled(vertexID); err != nil {
			e.log.Debug("mark stalled failed", "vertex", vertexID, "err", err)
		}
		e.log.Warn("vertex stalled", "vertex", vertexID, "rounds", roundCount)
	}
	return nil
}

// incrementRound records one more round attempted against vertexID and
// returns the vertex's new total, used to detect R_max exhaustion.
func (e *Engine) incrementRound(vertexID ids.ID) int {
	e.roundsMu.Lock()
	defer e.roundsMu.Unlock()
	e.rounds[vertexID]++
	return e.rounds[vertexID]
}

// forgetRound drops vertexID's round count, used once it finalizes and
// leaves the active frontier.
func (e *Engine) forgetRound(vertexID ids.ID) {
	e.roundsMu.Lock()
	defer e.roundsMu.Unlock()
	delete(e.rounds, vertexID)
}

func (e *Engine) peerExcluded(peer ids.NodeID) bool {
	return e.breaker.State(peer) == breaker.Open
}

// Confidence exposes the round loop's confidence tracker, used by
// degraded-mode health scoring and by tests that need to observe a
// vertex's streak without driving a full round.
func (e *Engine) Confidence() *confidence.Tracker {
	return e.confidence
}
