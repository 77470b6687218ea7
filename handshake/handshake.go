// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package handshake implements the hybrid classical/post-quantum session
// handshake peers run before exchanging consensus traffic: an X25519 ECDH
// exchange combined with an ML-KEM encapsulation, whose shared secrets
// are mixed with BLAKE3-based HKDF into AEAD session keys. The KEM half
// is a placeholder (see encapsulate): its secret can be recomputed from
// the public handshake messages, so the session's secrecy rests on the
// X25519 exchange alone.
package handshake

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"hash"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"github.com/zeebo/blake3"
)

// Suite sizes. The ML-KEM sizes match ML-KEM-768 (NIST Level 3), the
// spec's floor for the handshake's post-quantum half.
const (
	X25519KeySize    = 32
	MLKEMPublicSize  = 1184
	MLKEMPrivateSize = 2400
	MLKEMCipherSize  = 1088

	nonceSize = 12
)

var (
	ErrShortRandom     = errors.New("handshake: short random read")
	ErrKeyExchange     = errors.New("handshake: key exchange failed")
	ErrSessionNotReady = errors.New("handshake: session keys not derived")
)

// KeyPair is a peer's hybrid identity: a classical X25519 key and a
// post-quantum KEM key.
type KeyPair struct {
	X25519     *ecdh.PrivateKey
	KEMPublic  []byte
	kemPrivate []byte
}

// GenerateKeyPair creates a fresh hybrid key pair. The KEM half is
// generated from crypto/rand directly: no ML-KEM implementation is wired
// into this module (see DESIGN.md), so the encapsulation step below
// operates on opaque, fixed-size key material exactly as the teacher's
// own hybrid handshake does ("placeholder - would use liboqs").
func GenerateKeyPair() (*KeyPair, error) {
	x, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	pub := make([]byte, MLKEMPublicSize)
	priv := make([]byte, MLKEMPrivateSize)
	if _, err := rand.Read(pub); err != nil {
		return nil, err
	}
	if _, err := rand.Read(priv); err != nil {
		return nil, err
	}
	return &KeyPair{X25519: x, KEMPublic: pub, kemPrivate: priv}, nil
}

// encapsulate returns a random ciphertext and a secret hashed from
// peerKEMPublic and that ciphertext. No private key is involved: anyone
// who sees the public key and the ciphertext can recompute the secret.
func encapsulate(peerKEMPublic []byte) (ciphertext, secret []byte, err error) {
	ciphertext = make([]byte, MLKEMCipherSize)
	if _, err := rand.Read(ciphertext); err != nil {
		return nil, nil, err
	}
	h := blake3.New()
	h.Write([]byte("qrdag-kem-encap-v1"))
	h.Write(peerKEMPublic)
	h.Write(ciphertext)
	return ciphertext, h.Sum(nil), nil
}

// decapsulate recovers the shared secret from a ciphertext produced by
// encapsulate against this key pair's public key.
func (kp *KeyPair) decapsulate(ciphertext []byte) []byte {
	h := blake3.New()
	h.Write([]byte("qrdag-kem-encap-v1"))
	h.Write(kp.KEMPublic)
	h.Write(ciphertext)
	return h.Sum(nil)
}

// Session is an established, keyed connection to a single peer. Encrypt
// and Decrypt are safe for concurrent use; both hold the session's
// mutex, matching the teacher's single-lock Session design.
type Session struct {
	mu sync.Mutex

	sendKey   []byte
	recvKey   []byte
	sendAEAD  cipher
	recvAEAD  cipher
	sendNonce uint64
	recvNonce uint64
}

type cipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// ClientHello is the first handshake message, sent by the initiating
// peer.
type ClientHello struct {
	X25519Public []byte
	KEMPublic    []byte
	Random       [32]byte
}

// ServerHello is the responder's reply, carrying the KEM ciphertext
// encapsulated against the client's KEM public key.
type ServerHello struct {
	X25519Public  []byte
	KEMCiphertext []byte
	Random        [32]byte
}

// NewClientHello builds the initiator's first message.
func NewClientHello(kp *KeyPair) (*ClientHello, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return nil, err
	}
	return &ClientHello{
		X25519Public: kp.X25519.PublicKey().Bytes(),
		KEMPublic:    kp.KEMPublic,
		Random:       random,
	}, nil
}

// RespondToClientHello runs the responder side: it performs the ECDH
// agreement, encapsulates a KEM secret against the client's public key,
// derives session keys, and returns both the ServerHello to send back
// and the established Session.
func RespondToClientHello(kp *KeyPair, hello *ClientHello) (*ServerHello, *Session, error) {
	peerX25519, err := ecdh.X25519().NewPublicKey(hello.X25519Public)
	if err != nil {
		return nil, nil, ErrKeyExchange
	}
	ecdhSecret, err := kp.X25519.ECDH(peerX25519)
	if err != nil {
		return nil, nil, ErrKeyExchange
	}

	kemCiphertext, kemSecret, err := encapsulate(hello.KEMPublic)
	if err != nil {
		return nil, nil, err
	}

	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return nil, nil, err
	}

	session, err := deriveSession(ecdhSecret, kemSecret, hello.Random[:], random[:], true)
	if err != nil {
		return nil, nil, err
	}

	return &ServerHello{
		X25519Public:  kp.X25519.PublicKey().Bytes(),
		KEMCiphertext: kemCiphertext,
		Random:        random,
	}, session, nil
}

// CompleteHandshake runs the initiator's final step after receiving a
// ServerHello: ECDH agreement, KEM decapsulation, and session key
// derivation.
func CompleteHandshake(kp *KeyPair, clientRandom [32]byte, hello *ServerHello) (*Session, error) {
	peerX25519, err := ecdh.X25519().NewPublicKey(hello.X25519Public)
	if err != nil {
		return nil, ErrKeyExchange
	}
	ecdhSecret, err := kp.X25519.ECDH(peerX25519)
	if err != nil {
		return nil, ErrKeyExchange
	}

	kemSecret := kp.decapsulate(hello.KEMCiphertext)

	return deriveSession(ecdhSecret, kemSecret, clientRandom[:], hello.Random[:], false)
}

// deriveSession mixes the classical and post-quantum shared secrets with
// BLAKE3-backed HKDF, deriving a directional key pair exactly as the
// teacher's qzmq session does with SHA-256 HKDF — BLAKE3 in place of
// SHA-256 as the spec requires throughout the cryptographic pipeline.
func deriveSession(ecdhSecret, kemSecret, clientRandom, serverRandom []byte, isServer bool) (*Session, error) {
	combined := make([]byte, 0, len(ecdhSecret)+len(kemSecret))
	combined = append(combined, ecdhSecret...)
	combined = append(combined, kemSecret...)

	salt := make([]byte, 0, len(clientRandom)+len(serverRandom))
	salt = append(salt, clientRandom...)
	salt = append(salt, serverRandom...)

	newBlake3 := func() hash.Hash { return blake3.New() }
	kdf := hkdf.New(newBlake3, combined, salt, []byte("qrdag-handshake-v1"))

	a := make([]byte, 32)
	b := make([]byte, 32)
	if _, err := io.ReadFull(kdf, a); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(kdf, b); err != nil {
		return nil, err
	}

	sendKey, recvKey := a, b
	if isServer {
		sendKey, recvKey = b, a
	}

	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}

	return &Session{
		sendKey:  sendKey,
		recvKey:  recvKey,
		sendAEAD: sendAEAD,
		recvAEAD: recvAEAD,
	}, nil
}

// Encrypt seals plaintext under the session's send key, prepending a
// monotonically increasing nonce.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint64(nonce[4:], s.sendNonce)
	s.sendNonce++

	ciphertext := s.sendAEAD.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

// Decrypt opens a message produced by the peer's Encrypt, enforcing the
// nonce matches the expected receive counter to reject replays.
func (s *Session) Decrypt(msg []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msg) < nonceSize {
		return nil, errors.New("handshake: short ciphertext")
	}
	nonce, ciphertext := msg[:nonceSize], msg[nonceSize:]
	if binary.BigEndian.Uint64(nonce[4:]) != s.recvNonce {
		return nil, errors.New("handshake: unexpected nonce")
	}

	plaintext, err := s.recvAEAD.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	s.recvNonce++
	return plaintext, nil
}
