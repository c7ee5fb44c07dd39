// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire holds the constants and error taxonomy shared by the
// polyglot wire protocol: the session handshake, the AEAD framing and the
// request/response exchange.
package wire

const (
	// ProtocolVersion is the single byte prologue of every handshake.
	ProtocolVersion byte = 0x01

	// KeySize is the size of a session key.
	KeySize = 32

	// NonceSize is the size of the per-frame nonce.
	NonceSize = 12

	// TagSize is the size of the AEAD authentication tag.
	TagSize = 16

	// HeaderSize is the size of the frame length prefix.
	HeaderSize = 4

	// MinFrameLength is the smallest legal value of the length prefix, an
	// empty plaintext.
	MinFrameLength = NonceSize + TagSize

	// DefaultMaxFrameSize bounds the length prefix, checked before any
	// allocation.
	DefaultMaxFrameSize = 1048576
)
