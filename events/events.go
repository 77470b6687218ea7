// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package events is the structured audit event stream spec.md §6
// names: every component that observes a state transition worth
// recording (a vertex appended, a round completed, a peer suspected)
// emits one Event here rather than logging ad hoc. A Bus fans each
// Event out to a bounded channel for external consumers (the audit
// column family persister, a telemetry exporter) and increments the
// matching metric.Consensus counter, the way the teacher threads its
// context.Metrics handle through construction rather than reaching for
// package-level state.
package events

import (
	"sync"
	"time"

	"github.com/qrdag/consensus/ids"
	"github.com/qrdag/consensus/metric"
)

// Kind identifies which of spec.md §6's audit record types an Event
// carries.
type Kind int

const (
	VertexAppended Kind = iota
	RoundCompleted
	Finalized
	Rejected
	Equivocation
	PeerSuspected
	PeerRecovered
	PeerReplaced
	ModeChange
	FatalSafetyEvent
	ForkResolved
)

func (k Kind) String() string {
	switch k {
	case VertexAppended:
		return "VertexAppended"
	case RoundCompleted:
		return "RoundCompleted"
	case Finalized:
		return "Finalized"
	case Rejected:
		return "Rejected"
	case Equivocation:
		return "Equivocation"
	case PeerSuspected:
		return "PeerSuspected"
	case PeerRecovered:
		return "PeerRecovered"
	case PeerReplaced:
		return "PeerReplaced"
	case ModeChange:
		return "ModeChange"
	case FatalSafetyEvent:
		return "FatalSafetyEvent"
	case ForkResolved:
		return "ForkResolved"
	default:
		return "Unknown"
	}
}

// Event is one monotonic-sequenced audit record. Fields not relevant to
// Kind are left zero; the payload is intentionally flat rather than a
// tagged union of per-kind structs, matching the `audit` column
// family's single-table layout from spec.md §6.
type Event struct {
	Seq       uint64
	Kind      Kind
	Timestamp time.Time

	Vertex     ids.ID
	Peer       ids.NodeID
	Reason     string
	Confidence float64
	Depth      int
}

// Bus delivers Events to a single bounded channel and mirrors the
// PeerSuspected/PeerRecovered/PeerReplaced/ForkResolved counts into
// metric.Consensus. Finalized and Equivocation are not counted here,
// since the store already counts them at the point of transition; the
// remaining kinds are only delivered on the channel. Nothing in this
// module persists events.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	ch      chan Event
	metrics *metric.Consensus
}

// DefaultBufferSize bounds Bus's channel; a slow consumer backs up
// emission rather than the Bus silently dropping events.
const DefaultBufferSize = 4096

// New constructs a Bus with DefaultBufferSize buffering. metrics may be
// nil to skip counter updates (used by tests that only care about the
// channel).
func New(metrics *metric.Consensus) *Bus {
	return &Bus{
		ch:      make(chan Event, DefaultBufferSize),
		metrics: metrics,
	}
}

// Events returns the channel Emit delivers to. Callers must drain it;
// a full buffer blocks Emit.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Emit assigns ev the next monotonic sequence number, updates the
// matching counter if one exists, and delivers it on the channel.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	b.mu.Unlock()

	if b.metrics != nil {
		switch ev.Kind {
		case Finalized:
			// VerticesFinalized is already incremented by the store at
			// the point of transition; avoid double-counting here.
		case Equivocation:
			// Likewise counted by the store's detector.
		case PeerSuspected:
			b.metrics.PeersSuspected.Inc()
		case PeerRecovered:
			b.metrics.PeersRecovered.Inc()
		case PeerReplaced:
			b.metrics.PeersReplaced.Inc()
		case ForkResolved:
			b.metrics.ForksResolved.Inc()
		}
	}

	b.ch <- ev
}
