// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package kex implements the per connection session key exchange.
//
// The initiator (client) sends a one byte protocol version followed by a
// fresh ephemeral KEM public key.  The responder (server) encapsulates to
// that key and answers with the ciphertext.  Both sides then derive the
// session key as
//
//	HKDF-SHA256(ikm = shared secret,
//	            salt = BLAKE2b-256(version || public key || ciphertext),
//	            info = "polyglot session key v1")
//
// No long term keys are involved, the peers are anonymous to each other.
package kex

import (
	"crypto/sha256"
	"errors"
	"io"
	"net"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/util"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/polyglot/core/wire"
)

var keyInfo = []byte("polyglot session key v1")

// Config is the configuration shared by both handshake roles.
type Config struct {
	// Mechanism is the key encapsulation mechanism, required.
	Mechanism Mechanism

	// Timeout bounds the whole exchange when non-zero.
	Timeout time.Duration
}

type handshake struct {
	mech        Mechanism
	timeout     time.Duration
	isInitiator bool
}

// Initiator runs the client side of the exchange.
type Initiator struct {
	handshake
}

// Responder runs the server side of the exchange.
type Responder struct {
	handshake
}

func newHandshake(cfg *Config, isInitiator bool) (handshake, error) {
	if cfg == nil || cfg.Mechanism == nil {
		return handshake{}, ErrMechanismUnavailable
	}
	if cfg.Timeout < 0 {
		return handshake{}, errors.New("wire/kex: negative Timeout")
	}
	return handshake{
		mech:        cfg.Mechanism,
		timeout:     cfg.Timeout,
		isInitiator: isInitiator,
	}, nil
}

// NewInitiator creates a new Initiator.
func NewInitiator(cfg *Config) (*Initiator, error) {
	h, err := newHandshake(cfg, true)
	if err != nil {
		return nil, err
	}
	return &Initiator{h}, nil
}

// NewResponder creates a new Responder.
func NewResponder(cfg *Config) (*Responder, error) {
	h, err := newHandshake(cfg, false)
	if err != nil {
		return nil, err
	}
	return &Responder{h}, nil
}

// Mechanism returns the configured mechanism.
func (h *handshake) Mechanism() Mechanism {
	return h.mech
}

func (h *handshake) setDeadline(conn net.Conn) {
	if h.timeout > 0 {
		conn.SetDeadline(time.Now().Add(h.timeout))
	}
}

func (h *handshake) clearDeadline(conn net.Conn) {
	if h.timeout > 0 {
		conn.SetDeadline(time.Time{})
	}
}

func (h *handshake) fail(conn net.Conn, state wire.HandshakeState, msg string, err error) error {
	connInfo := wire.ExtractConnectionInfo(conn)
	if err != nil && wire.IsTimeout(err) {
		return &wire.HandshakeTimeoutError{
			Timeout:    h.timeout,
			State:      state,
			Connection: connInfo,
		}
	}
	e := wire.NewHandshakeError(state, msg, err)
	e.IsInitiator = h.isInitiator
	e.KEMScheme = h.mech.Name()
	e.Connection = connInfo
	return e
}

// Handshake sends an ephemeral public key, receives the encapsulation and
// returns the derived session key.
func (i *Initiator) Handshake(conn net.Conn) ([]byte, error) {
	i.setDeadline(conn)
	defer i.clearDeadline(conn)

	pk, sk, err := i.mech.GenerateKeypair()
	if err != nil {
		return nil, i.fail(conn, wire.HandshakeStateInit, "failed to generate ephemeral keypair", err)
	}
	defer util.ExplicitBzero(sk)

	msg1 := make([]byte, 0, 1+len(pk))
	msg1 = append(msg1, wire.ProtocolVersion)
	msg1 = append(msg1, pk...)
	if _, err := conn.Write(msg1); err != nil {
		return nil, i.fail(conn, wire.HandshakeStateMsg1Send, "failed to send message 1", err)
	}

	ct := make([]byte, i.mech.CiphertextSize())
	if n, err := io.ReadFull(conn, ct); err != nil {
		e := i.fail(conn, wire.HandshakeStateMsg2Receive, "failed to receive message 2", err)
		if he, ok := e.(*wire.HandshakeError); ok {
			he.MessageNumber = 2
			he.MessageSize = n
			he.ExpectedSize = len(ct)
		}
		return nil, e
	}

	ss, err := i.mech.Decapsulate(sk, ct)
	if err != nil {
		return nil, i.fail(conn, wire.HandshakeStateMsg2Receive, "failed to decapsulate", err)
	}
	defer util.ExplicitBzero(ss)

	key, err := deriveKey(ss, msg1, ct)
	if err != nil {
		return nil, i.fail(conn, wire.HandshakeStateDerive, "failed to derive session key", err)
	}
	return key, nil
}

// Handshake receives the initiator's ephemeral public key, answers with an
// encapsulation and returns the derived session key.
func (r *Responder) Handshake(conn net.Conn) ([]byte, error) {
	r.setDeadline(conn)
	defer r.clearDeadline(conn)

	msg1 := make([]byte, 1+r.mech.PublicKeySize())
	if n, err := io.ReadFull(conn, msg1); err != nil {
		e := r.fail(conn, wire.HandshakeStateMsg1Receive, "failed to receive message 1", err)
		if he, ok := e.(*wire.HandshakeError); ok {
			he.MessageNumber = 1
			he.MessageSize = n
			he.ExpectedSize = len(msg1)
		}
		return nil, e
	}
	if msg1[0] != wire.ProtocolVersion {
		e := r.fail(conn, wire.HandshakeStateMsg1Receive, "unsupported protocol version", nil).(*wire.HandshakeError)
		e.MessageNumber = 1
		e.MessageSize = len(msg1)
		return nil, e
	}
	pk := msg1[1:]

	ct, ss, err := r.mech.Encapsulate(pk)
	if err != nil {
		e := r.fail(conn, wire.HandshakeStateMsg1Receive, "invalid ephemeral public key", err).(*wire.HandshakeError)
		e.MessageNumber = 1
		e.MessageSize = len(msg1)
		return nil, e
	}
	defer util.ExplicitBzero(ss)

	if _, err := conn.Write(ct); err != nil {
		e := r.fail(conn, wire.HandshakeStateMsg2Send, "failed to send message 2", err)
		if he, ok := e.(*wire.HandshakeError); ok {
			he.RemoteEphemeralKey = publicKey(r.mech, pk)
		}
		return nil, e
	}

	key, err := deriveKey(ss, msg1, ct)
	if err != nil {
		return nil, r.fail(conn, wire.HandshakeStateDerive, "failed to derive session key", err)
	}
	return key, nil
}

func deriveKey(sharedSecret, msg1, ct []byte) ([]byte, error) {
	transcript := make([]byte, 0, len(msg1)+len(ct))
	transcript = append(transcript, msg1...)
	transcript = append(transcript, ct...)
	salt := hash.Sum256(transcript)

	key := make([]byte, wire.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt[:], keyInfo), key); err != nil {
		return nil, err
	}
	return key, nil
}
