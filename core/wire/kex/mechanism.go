// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package kex

import (
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/schemes"
)

// DefaultMechanismName is the KEM used when none is configured.
const DefaultMechanismName = "xwing"

// ErrMechanismUnavailable is returned when no usable KEM is configured.
// There is no fallback: a session is never established without one.
var ErrMechanismUnavailable = errors.New("wire/kex: key encapsulation mechanism unavailable")

// Mechanism is a key encapsulation mechanism operating on serialized keys.
type Mechanism interface {
	// Name returns the mechanism name.
	Name() string

	// GenerateKeypair returns a fresh serialized key pair.
	GenerateKeypair() (publicKey, privateKey []byte, err error)

	// Encapsulate generates a shared secret for publicKey and returns it
	// along with its encapsulation.
	Encapsulate(publicKey []byte) (ciphertext, sharedSecret []byte, err error)

	// Decapsulate recovers the shared secret from ciphertext.
	Decapsulate(privateKey, ciphertext []byte) ([]byte, error)

	PublicKeySize() int
	CiphertextSize() int
}

type schemeMechanism struct {
	scheme kem.Scheme
}

// FromScheme adapts an hpqc KEM scheme.
func FromScheme(s kem.Scheme) (Mechanism, error) {
	if s == nil {
		return nil, ErrMechanismUnavailable
	}
	return &schemeMechanism{scheme: s}, nil
}

// ByName resolves a KEM scheme by its hpqc name, case insensitively.
func ByName(name string) (Mechanism, error) {
	s := schemes.ByName(name)
	if s == nil {
		return nil, fmt.Errorf("%w: unknown scheme '%s'", ErrMechanismUnavailable, name)
	}
	return FromScheme(s)
}

func (m *schemeMechanism) Name() string {
	return m.scheme.Name()
}

func (m *schemeMechanism) GenerateKeypair() ([]byte, []byte, error) {
	pk, sk, err := m.scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return pkBytes, skBytes, nil
}

func (m *schemeMechanism) Encapsulate(publicKey []byte) ([]byte, []byte, error) {
	pk, err := m.scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, nil, err
	}
	return m.scheme.Encapsulate(pk)
}

func (m *schemeMechanism) Decapsulate(privateKey, ciphertext []byte) ([]byte, error) {
	sk, err := m.scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return m.scheme.Decapsulate(sk, ciphertext)
}

func (m *schemeMechanism) PublicKeySize() int {
	return m.scheme.PublicKeySize()
}

func (m *schemeMechanism) CiphertextSize() int {
	return m.scheme.CiphertextSize()
}

// publicKey parses b for diagnostics, nil if the mechanism is not backed by
// an hpqc scheme or b does not parse.
func publicKey(m Mechanism, b []byte) kem.PublicKey {
	sm, ok := m.(*schemeMechanism)
	if !ok {
		return nil
	}
	pk, err := sm.scheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil
	}
	return pk
}
