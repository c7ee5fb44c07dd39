// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package kex

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/polyglot/core/wire"
)

const testingSchemeName = "xwing"

type result struct {
	key []byte
	err error
}

func runHandshake(t *testing.T, mech Mechanism) (initiatorKey, responderKey []byte, initiatorErr, responderErr error) {
	i, err := NewInitiator(&Config{Mechanism: mech, Timeout: 5 * time.Second})
	require.NoError(t, err)
	r, err := NewResponder(&Config{Mechanism: mech, Timeout: 5 * time.Second})
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ch := make(chan result, 1)
	go func() {
		key, err := r.Handshake(serverConn)
		if err != nil {
			serverConn.Close()
		}
		ch <- result{key, err}
	}()
	initiatorKey, initiatorErr = i.Handshake(clientConn)
	if initiatorErr != nil {
		clientConn.Close()
	}
	res := <-ch
	return initiatorKey, res.key, initiatorErr, res.err
}

func TestHandshake(t *testing.T) {
	require := require.New(t)

	mech, err := ByName(testingSchemeName)
	require.NoError(err)

	ik, rk, ierr, rerr := runHandshake(t, mech)
	require.NoError(ierr)
	require.NoError(rerr)
	require.Len(ik, wire.KeySize)
	require.Equal(ik, rk)

	// Every exchange is ephemeral.
	ik2, rk2, ierr, rerr := runHandshake(t, mech)
	require.NoError(ierr)
	require.NoError(rerr)
	require.Equal(ik2, rk2)
	require.NotEqual(ik, ik2)
}

func TestHandshakeSchemes(t *testing.T) {
	for _, name := range []string{"MLKEM768", "MLKEM768-X25519"} {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			mech, err := ByName(name)
			require.NoError(err)
			ik, rk, ierr, rerr := runHandshake(t, mech)
			require.NoError(ierr)
			require.NoError(rerr)
			require.Equal(ik, rk)
		})
	}
}

func TestMechanismUnavailable(t *testing.T) {
	require := require.New(t)

	_, err := ByName("no-such-kem")
	require.ErrorIs(err, ErrMechanismUnavailable)

	_, err = FromScheme(nil)
	require.ErrorIs(err, ErrMechanismUnavailable)

	_, err = NewInitiator(&Config{})
	require.ErrorIs(err, ErrMechanismUnavailable)
	_, err = NewResponder(nil)
	require.ErrorIs(err, ErrMechanismUnavailable)
}

func TestResponderRejectsBadVersion(t *testing.T) {
	require := require.New(t)

	mech, err := ByName(testingSchemeName)
	require.NoError(err)
	r, err := NewResponder(&Config{Mechanism: mech})
	require.NoError(err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	pk, _, err := mech.GenerateKeypair()
	require.NoError(err)
	go func() {
		msg := append([]byte{0x02}, pk...)
		clientConn.Write(msg)
	}()

	key, err := r.Handshake(serverConn)
	require.Nil(key)
	require.True(wire.IsHandshakeError(err))

	var he *wire.HandshakeError
	require.True(errors.As(err, &he))
	require.Equal(wire.HandshakeStateMsg1Receive, he.State)
	require.False(he.IsInitiator)
	require.Equal(mech.Name(), he.KEMScheme)
	require.Equal("pipe", he.Connection.Protocol)
}

func TestResponderTruncatedMessage(t *testing.T) {
	require := require.New(t)

	mech, err := ByName(testingSchemeName)
	require.NoError(err)
	r, err := NewResponder(&Config{Mechanism: mech})
	require.NoError(err)

	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	go func() {
		clientConn.Write([]byte{wire.ProtocolVersion, 0xde, 0xad})
		clientConn.Close()
	}()

	_, err = r.Handshake(serverConn)
	var he *wire.HandshakeError
	require.True(errors.As(err, &he))
	require.Equal(1, he.MessageNumber)
	require.Equal(3, he.MessageSize)
	require.Equal(1+mech.PublicKeySize(), he.ExpectedSize)
	require.ErrorIs(err, io.ErrUnexpectedEOF)
}

func TestHandshakeTimeout(t *testing.T) {
	require := require.New(t)

	mech, err := ByName(testingSchemeName)
	require.NoError(err)
	r, err := NewResponder(&Config{Mechanism: mech, Timeout: 50 * time.Millisecond})
	require.NoError(err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	// The client never sends anything.
	_, err = r.Handshake(serverConn)
	require.True(wire.IsHandshakeTimeoutError(err), "%v", err)
}

type brokenMechanism struct {
	Mechanism
}

func (m *brokenMechanism) Decapsulate(_, _ []byte) ([]byte, error) {
	return nil, errors.New("decapsulation refused")
}

func TestInitiatorDecapsulationFailure(t *testing.T) {
	require := require.New(t)

	mech, err := ByName(testingSchemeName)
	require.NoError(err)

	i, err := NewInitiator(&Config{Mechanism: &brokenMechanism{mech}})
	require.NoError(err)
	r, err := NewResponder(&Config{Mechanism: mech})
	require.NoError(err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ch := make(chan result, 1)
	go func() {
		key, err := r.Handshake(serverConn)
		ch <- result{key, err}
	}()

	_, err = i.Handshake(clientConn)
	var he *wire.HandshakeError
	require.True(errors.As(err, &he))
	require.True(he.IsInitiator)
	require.Equal(wire.HandshakeStateMsg2Receive, he.State)

	// The responder completes on its side, but without a peer holding the
	// same key nothing it seals will ever open.
	res := <-ch
	require.NoError(res.err)
}
