// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package poll tracks in-flight query rounds: which peers a round was
// sent to, which of them have responded, and the weighted tally of
// their votes, terminating early once either every sampled peer has
// responded or the weighted agreement behind a single vertex has
// already cleared C12's current alpha threshold.
package poll

import (
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qrdag/consensus/ids"
)

// Result is a round's outcome: for each vertex seen in any response,
// the total weight of peers that voted for it.
type Result map[ids.ID]float64

// TotalWeight returns the sum of weight across every choice in r,
// i.e. the total responding weight for the round.
func (r Result) TotalWeight() float64 {
	var total float64
	for _, w := range r {
		total += w
	}
	return total
}

// Poll is a single in-flight query round over a fixed peer set.
type Poll interface {
	// Vote records nodeID's vote for choice (nodeID's weight was fixed
	// when the Poll was created) and returns the round's result so far
	// and whether the round has just finished.
	Vote(nodeID ids.NodeID, choice ids.ID) (Result, bool)

	// Drop records that nodeID will never respond (e.g. its circuit
	// breaker tripped mid-round), which can still let the round finish
	// once all remaining sampled peers have responded or dropped.
	Drop(nodeID ids.NodeID) (Result, bool)

	Finished() bool
	Result() Result
}

// Factory builds new Poll instances against a sampled validator set.
type Factory interface {
	New(sampled []ids.NodeID, weight func(ids.NodeID) float64) Poll
}

// Set multiplexes many concurrent in-flight rounds keyed by request ID.
type Set interface {
	// Add registers a new round for requestID over sampled, returning
	// false if requestID is already in flight.
	Add(requestID uint32, sampled []ids.NodeID, weight func(ids.NodeID) float64) bool

	// Vote forwards nodeID's vote for choice to requestID's round.
	// Returns the round's result and true once the round has finished;
	// the round is then removed from the set.
	Vote(requestID uint32, nodeID ids.NodeID, choice ids.ID) (Result, bool)

	// Drop forwards a non-response for nodeID to requestID's round.
	Drop(requestID uint32, nodeID ids.NodeID) (Result, bool)

	Len() int
}

type set struct {
	log     log.Logger
	factory Factory
	polls   map[uint32]Poll
}

// NewSet constructs a Set backed by factory.
func NewSet(factory Factory, logger log.Logger, registerer prometheus.Registerer) (Set, error) {
	return &set{
		log:     logger,
		factory: factory,
		polls:   make(map[uint32]Poll),
	}, nil
}

func (s *set) Add(requestID uint32, sampled []ids.NodeID, weight func(ids.NodeID) float64) bool {
	if _, exists := s.polls[requestID]; exists {
		return false
	}
	s.polls[requestID] = s.factory.New(sampled, weight)
	return true
}

func (s *set) Vote(requestID uint32, nodeID ids.NodeID, choice ids.ID) (Result, bool) {
	p, exists := s.polls[requestID]
	if !exists {
		return nil, false
	}
	result, finished := p.Vote(nodeID, choice)
	if finished {
		delete(s.polls, requestID)
	}
	return result, finished
}

func (s *set) Drop(requestID uint32, nodeID ids.NodeID) (Result, bool) {
	p, exists := s.polls[requestID]
	if !exists {
		return nil, false
	}
	result, finished := p.Drop(nodeID)
	if finished {
		delete(s.polls, requestID)
	}
	return result, finished
}

func (s *set) Len() int {
	return len(s.polls)
}

// earlyTermFactory builds polls that terminate as soon as a single
// choice's weighted tally clears alphaConfidence, without waiting for
// every sampled peer to respond.
type earlyTermFactory struct {
	alphaConfidence float64
}

// NewEarlyTermFactory constructs a Factory whose polls terminate early
// once a choice's weighted agreement reaches alphaConfidence (a
// fraction of total sampled weight, e.g. 0.8 for spec.md's default
// alpha = 80%).
func NewEarlyTermFactory(alphaConfidence float64) Factory {
	return &earlyTermFactory{alphaConfidence: alphaConfidence}
}

func (f *earlyTermFactory) New(sampled []ids.NodeID, weight func(ids.NodeID) float64) Poll {
	totalWeight := 0.0
	weights := make(map[ids.NodeID]float64, len(sampled))
	for _, id := range sampled {
		w := weight(id)
		weights[id] = w
		totalWeight += w
	}
	return &earlyTermPoll{
		alphaConfidence: f.alphaConfidence,
		totalWeight:     totalWeight,
		weights:         weights,
		responded:       make(map[ids.NodeID]bool, len(sampled)),
		tally:           make(Result),
	}
}

type earlyTermPoll struct {
	alphaConfidence float64
	totalWeight     float64

	weights   map[ids.NodeID]float64
	responded map[ids.NodeID]bool
	tally     Result

	finished bool
}

func (p *earlyTermPoll) Vote(nodeID ids.NodeID, choice ids.ID) (Result, bool) {
	if p.finished {
		return p.tally, true
	}
	if p.responded[nodeID] {
		return p.tally, false
	}
	p.responded[nodeID] = true
	p.tally[choice] += p.weights[nodeID]

	for _, w := range p.tally {
		if p.totalWeight > 0 && w/p.totalWeight >= p.alphaConfidence {
			p.finished = true
			return p.tally, true
		}
	}

	if len(p.responded) >= len(p.weights) {
		p.finished = true
		return p.tally, true
	}
	return p.tally, false
}

func (p *earlyTermPoll) Drop(nodeID ids.NodeID) (Result, bool) {
	if p.finished {
		return p.tally, true
	}
	if !p.responded[nodeID] {
		p.responded[nodeID] = true
	}
	if len(p.responded) >= len(p.weights) {
		p.finished = true
	}
	return p.tally, p.finished
}

func (p *earlyTermPoll) Finished() bool {
	return p.finished
}

func (p *earlyTermPoll) Result() Result {
	return p.tally
}
