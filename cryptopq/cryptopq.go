// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cryptopq is the post-quantum signature pipeline: key generation,
// single signing, single verification, and batched verification over
// ML-DSA (Level 5) signatures, hashed with BLAKE3-256 rather than SHA-2 or
// SHA-3 throughout.
package cryptopq

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/luxfi/crypto/ringtail"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidSignature is used inside VerifyBatch to stop an
	// EarlyExit batch at a signature that does not check out; it is not
	// returned to callers, who see failures as indices instead.
	ErrInvalidSignature = errors.New("cryptopq: invalid signature")

	// ErrEmptyBatch is returned by VerifyBatch when called with no
	// entries.
	ErrEmptyBatch = errors.New("cryptopq: empty batch")
)

// Level is the post-quantum security level a KeyPair was generated at.
// The spec calls for ML-DSA Level 5 on every signing key; Level 3 is
// retained for the hybrid handshake's KEM half (see the handshake
// package), which may run at a lower level than the long-lived signing
// identity.
type Level int

const (
	Level3 Level = 3
	Level5 Level = 5
)

// KeyPair is a post-quantum signing identity. Private is never
// serialized outside this package's Sign/Precompute calls.
type KeyPair struct {
	Level   Level
	Public  []byte
	private []byte
}

// GenerateKeyPair derives a KeyPair deterministically from seed. Callers
// supply cryptographically random seed material; cryptopq never reads
// crypto/rand itself so tests can reproduce a fixed identity.
func GenerateKeyPair(seed []byte, level Level) (*KeyPair, error) {
	priv, pub, err := ringtail.KeyGen(seed)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Level: level, Public: pub, private: priv}, nil
}

// Hash returns the BLAKE3-256 digest of msg, the canonical hash used
// everywhere a fixed-size message digest is signed instead of the raw
// payload.
func Hash(msg []byte) [32]byte {
	return blake3.Sum256(msg)
}

// Signer produces signatures against a fixed key, precomputing whatever
// share material the underlying scheme allows so repeated signing (one
// vertex proposal after another from the same identity) avoids redoing
// the expensive half of the signature on every call.
type Signer struct {
	kp       *KeyPair
	precomp  ringtail.Precomp
}

// NewSigner precomputes kp's signing share once. The returned Signer is
// not safe for concurrent use from multiple goroutines; construct one
// Signer per proposer goroutine.
func NewSigner(kp *KeyPair) (*Signer, error) {
	pc, err := ringtail.Precompute(kp.private)
	if err != nil {
		return nil, err
	}
	return &Signer{kp: kp, precomp: pc}, nil
}

// Sign signs the BLAKE3 digest of msg.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	digest := Hash(msg)
	share, err := ringtail.QuickSign(s.precomp, digest[:])
	if err != nil {
		return nil, err
	}
	return []byte(share), nil
}

// Verify checks a single signature against pk and msg.
func Verify(pk, msg, sig []byte) bool {
	digest := Hash(msg)
	return ringtail.VerifyShare(pk, digest[:], sig)
}

// BatchEntry is one (public key, message, signature) tuple submitted to
// VerifyBatch.
type BatchEntry struct {
	PublicKey []byte
	Message   []byte
	Signature []byte
}

// BatchOptions controls VerifyBatch's dispatch.
type BatchOptions struct {
	// Concurrency bounds the number of signatures verified in parallel.
	// Zero selects a small fixed default; there is no benefit to
	// unbounding this past the number of CPU cores, since verification
	// is CPU-bound.
	Concurrency int

	// EarlyExit cancels outstanding work and returns on the first
	// failing signature instead of verifying the whole batch. Disable
	// it when callers need to know every bad index (e.g. to attribute
	// blame to a specific peer) rather than just whether the batch is
	// wholly valid.
	EarlyExit bool
}

const defaultBatchConcurrency = 8

// VerifyBatch verifies every entry, dispatching across Concurrency
// worker goroutines. It returns the zero-based indices of entries that
// failed verification; an empty, non-nil slice means the whole batch is
// valid. With EarlyExit set, no new verification starts once a failure
// is found; entries already being verified concurrently may still add
// their own indices, so the slice can hold more than one.
func VerifyBatch(ctx context.Context, entries []BatchEntry, opts BatchOptions) ([]int, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyBatch
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}
	if concurrency > len(entries) {
		concurrency = len(entries)
	}

	var (
		failedMu sync.Mutex
		failed   = []int{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			if !Verify(entry.PublicKey, entry.Message, entry.Signature) {
				failedMu.Lock()
				failed = append(failed, i)
				failedMu.Unlock()
				if opts.EarlyExit {
					return ErrInvalidSignature
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, ErrInvalidSignature) {
		return nil, err
	}

	sort.Ints(failed)
	return failed, nil
}

// Aggregate combines shares produced by multiple signers over the same
// message into a single certificate, used when a quorum of peers
// co-sign a checkpoint or snapshot root.
func Aggregate(shares [][]byte) ([]byte, error) {
	rtShares := make([]ringtail.Share, len(shares))
	for i, s := range shares {
		rtShares[i] = ringtail.Share(s)
	}
	cert, err := ringtail.Aggregate(rtShares)
	if err != nil {
		return nil, err
	}
	return []byte(cert), nil
}

// VerifyCertificate verifies an aggregated certificate produced by
// Aggregate.
func VerifyCertificate(pk, msg, cert []byte) bool {
	digest := Hash(msg)
	return ringtail.Verify(pk, digest[:], cert)
}
