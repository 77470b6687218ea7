// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vertex defines the DAG's unit of content: a signed, content
// addressed Vertex and the canonical encoding used both to compute its
// identifier and to produce the bytes a creator signs.
package vertex

import (
	"encoding/binary"
	"errors"
	"sort"
	"time"

	"github.com/qrdag/consensus/choices"
	"github.com/qrdag/consensus/cryptopq"
	"github.com/qrdag/consensus/ids"
)

// MaxPayloadBytes bounds a vertex's opaque payload. Components that
// accept config.Parameters.MaxPayloadBytes instead should prefer that
// value; this constant is the hard ceiling the wire encoding assumes.
const MaxPayloadBytes = 1 << 20

// MaxParents is the largest parent set New accepts. The canonical
// encoding writes the parent count as a 4-byte field, so the limit
// comes from this constant, not the encoding; spec's K_MAX default is 8.
const MaxParents = 255

const signingVersion byte = 1

var (
	ErrTooManyParents = errors.New("vertex: parent set exceeds MaxParents")
	ErrPayloadTooLarge = errors.New("vertex: payload exceeds MaxPayloadBytes")
	ErrParentsNotSorted = errors.New("vertex: parent ids must be sorted ascending")
	ErrSignatureInvalid = errors.New("vertex: signature does not verify under creator key")
)

// Vertex is a single DAG node. ID, once computed, never changes; Status,
// Confidence, and Chits are the only fields a store mutates after
// insertion.
type Vertex struct {
	id ids.ID

	Creator   ids.NodeID
	Timestamp time.Time
	Parents   []ids.ID
	Payload   []byte
	Signature []byte

	Status     choices.Status
	Confidence float64
	Chits      int
}

// New builds and signs a Vertex, computing its content-addressed ID from
// the canonical payload. Parents must already be sorted ascending; New
// does not sort them itself so that callers who built the parent set
// from a deterministic frontier scan do not pay a redundant sort.
func New(creator ids.NodeID, ts time.Time, parents []ids.ID, payload []byte, signer *cryptopq.Signer) (*Vertex, error) {
	if len(parents) > MaxParents {
		return nil, ErrTooManyParents
	}
	if len(payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	if !sort.SliceIsSorted(parents, func(i, j int) bool {
		return lessID(parents[i], parents[j])
	}) {
		return nil, ErrParentsNotSorted
	}

	v := &Vertex{
		Creator:   creator,
		Timestamp: ts,
		Parents:   parents,
		Payload:   payload,
		Status:    choices.Pending,
	}

	digest := v.signingDigest()
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return nil, err
	}
	v.Signature = sig
	v.id = v.computeID()
	return v, nil
}

// ID returns the vertex's content-addressed identifier, BLAKE3 of the
// canonical body followed by the signature (see computeID).
func (v *Vertex) ID() ids.ID {
	return v.id
}

// canonicalBody encodes the deterministic body fed into BLAKE3 for both
// the signing digest and the identifier: little-endian integers,
// length-prefixed variable fields, parent ids sorted ascending.
func (v *Vertex) canonicalBody() []byte {
	buf := make([]byte, 0, 1+len(v.Creator)+8+4+len(v.Parents)*len(ids.Empty)+4+len(v.Payload))

	buf = append(buf, signingVersion)
	buf = append(buf, v.Creator[:]...)

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(v.Timestamp.UnixNano()))
	buf = append(buf, tsBuf[:]...)

	var nParents [4]byte
	binary.LittleEndian.PutUint32(nParents[:], uint32(len(v.Parents)))
	buf = append(buf, nParents[:]...)
	for _, p := range v.Parents {
		buf = append(buf, p[:]...)
	}

	payloadHash := cryptopq.Hash(v.Payload)
	buf = append(buf, payloadHash[:]...)

	return buf
}

// signingDigest is what the creator signs: BLAKE3 of the canonical body.
func (v *Vertex) signingDigest() [32]byte {
	return cryptopq.Hash(v.canonicalBody())
}

// computeID derives the vertex identifier as BLAKE3 of version byte ||
// creator_id || timestamp_le || parent count || sorted parent ids ||
// BLAKE3(payload) || signature: the canonical body with the signature
// appended, binding the signature into the content address.
func (v *Vertex) computeID() ids.ID {
	body := v.canonicalBody()
	body = append(body, v.Signature...)
	digest := cryptopq.Hash(body)
	var id ids.ID
	copy(id[:], digest[:])
	return id
}

// Verify checks the vertex's signature against the creator's registered
// public key. It does not check parent resolution, cycles, or
// timestamp skew; the store performs those checks at append time.
func (v *Vertex) Verify(creatorPublicKey []byte) error {
	digest := v.signingDigest()
	if !cryptopq.Verify(creatorPublicKey, digest[:], v.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// IsGenesis reports whether v has no parents.
func (v *Vertex) IsGenesis() bool {
	return len(v.Parents) == 0
}

func lessID(a, b ids.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
