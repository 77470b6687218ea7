// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package choices

// Status is the cached finality state of a vertex.
type Status uint32

const (
	// Pending vertices are still being sampled; they have not crossed the
	// quorum threshold for beta consecutive rounds.
	Pending Status = iota

	// Accepted means the current round crossed quorum for this vertex's
	// preference, but the beta streak required for Finalized has not yet
	// completed.
	Accepted

	// Finalized vertices are immutable: beta consecutive successful
	// rounds were observed with confidence >= c*.
	Finalized

	// Rejected vertices lost to a conflicting sibling that finalized, or
	// were dropped as invalid input / equivocation evidence.
	Rejected

	// Stalled vertices exhausted R_max rounds without reaching beta
	// consecutive successful rounds. Stalled is not a verdict: the
	// vertex is still sampled and can still finalize or be rejected
	// later, it is only surfaced for operator review in the meantime.
	Stalled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Accepted:
		return "Accepted"
	case Finalized:
		return "Finalized"
	case Rejected:
		return "Rejected"
	case Stalled:
		return "Stalled"
	default:
		return "Invalid status"
	}
}

// Valid returns true if the status is one of the five known states.
func (s Status) Valid() bool {
	switch s {
	case Pending, Accepted, Finalized, Rejected, Stalled:
		return true
	default:
		return false
	}
}

// Decided returns true if the status will never change again.
func (s Status) Decided() bool {
	switch s {
	case Finalized, Rejected:
		return true
	default:
		return false
	}
}