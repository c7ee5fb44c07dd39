// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package channel implements the authenticated framing used for every
// request and response after the session key exchange.
//
// A frame is laid out as:
//
//	uint32_t length;         // big endian, nonce + ciphertext + tag
//	uint8_t  nonce[12];
//	uint8_t  ciphertext[];   // includes the 16 byte tag
//
// The 4 byte header is passed to the AEAD as associated data, so a
// tampered length never opens.
package channel

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/polyglot/core/wire"
)

var (
	// ErrInvalidKey is returned when a key is not wire.KeySize bytes.
	ErrInvalidKey = errors.New("wire/channel: invalid key size")

	// ErrFrameTooLarge is returned when a plaintext would not fit in a
	// frame.
	ErrFrameTooLarge = errors.New("wire/channel: plaintext exceeds maximum frame size")
)

// Config is the configuration used to create a Channel.
type Config struct {
	// Suite is the AEAD suite name, SuiteChaCha20Poly1305 if empty.
	Suite string

	// MaxFrameSize bounds the length prefix, wire.DefaultMaxFrameSize if
	// zero.
	MaxFrameSize int

	// RandomReader supplies nonces, the hpqc entropy source if nil.
	RandomReader io.Reader
}

// Channel seals and opens frames.  It holds no key material, keys are
// borrowed per call, and is safe for concurrent use.
type Channel struct {
	suite        *Suite
	maxFrameSize int
	randReader   io.Reader
}

// New creates a new Channel.
func New(cfg *Config) (*Channel, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	name := cfg.Suite
	if name == "" {
		name = SuiteChaCha20Poly1305
	}
	suite, err := SuiteByName(name)
	if err != nil {
		return nil, err
	}
	maxFrameSize := cfg.MaxFrameSize
	switch {
	case maxFrameSize == 0:
		maxFrameSize = wire.DefaultMaxFrameSize
	case maxFrameSize < wire.MinFrameLength:
		return nil, errors.New("wire/channel: MaxFrameSize smaller than nonce and tag")
	case uint64(maxFrameSize) > uint64(^uint32(0)):
		return nil, errors.New("wire/channel: MaxFrameSize does not fit the length prefix")
	}
	randReader := cfg.RandomReader
	if randReader == nil {
		randReader = rand.Reader
	}
	return &Channel{
		suite:        suite,
		maxFrameSize: maxFrameSize,
		randReader:   randReader,
	}, nil
}

// Suite returns the name of the AEAD suite in use.
func (c *Channel) Suite() string {
	return c.suite.Name
}

// MaxFrameSize returns the largest accepted length prefix.
func (c *Channel) MaxFrameSize() int {
	return c.maxFrameSize
}

// MaxPlaintextSize returns the largest plaintext SealFrame accepts.
func (c *Channel) MaxPlaintextSize() int {
	return c.maxFrameSize - wire.MinFrameLength
}

func (c *Channel) aead(key []byte) (AEAD, error) {
	if len(key) != wire.KeySize {
		return nil, ErrInvalidKey
	}
	return c.suite.New(key)
}

// SealFrame encrypts plaintext under key and returns the complete frame,
// length prefix included.  A fresh nonce is drawn for every frame.
func (c *Channel) SealFrame(key, plaintext []byte) ([]byte, error) {
	if len(plaintext) > c.MaxPlaintextSize() {
		return nil, ErrFrameTooLarge
	}
	a, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	defer reset(a)

	length := wire.NonceSize + len(plaintext) + wire.TagSize
	frame := make([]byte, wire.HeaderSize+wire.NonceSize, wire.HeaderSize+length)
	binary.BigEndian.PutUint32(frame[:wire.HeaderSize], uint32(length))
	nonce := frame[wire.HeaderSize : wire.HeaderSize+wire.NonceSize]
	if _, err := io.ReadFull(c.randReader, nonce); err != nil {
		return nil, err
	}
	return a.Seal(frame, nonce, plaintext, frame[:wire.HeaderSize]), nil
}

// OpenFrame authenticates and decrypts a complete frame.  It returns a
// *wire.MalformedFrameError for layout violations and a
// *wire.AuthenticationError when the tag does not verify.
func (c *Channel) OpenFrame(key, frame []byte) ([]byte, error) {
	if len(frame) < wire.HeaderSize {
		return nil, &wire.MalformedFrameError{
			Reason:    "truncated length prefix",
			Available: len(frame),
			MaxSize:   c.maxFrameSize,
		}
	}
	declared := binary.BigEndian.Uint32(frame[:wire.HeaderSize])
	if err := c.checkLength(declared); err != nil {
		return nil, err
	}
	body := frame[wire.HeaderSize:]
	if int(declared) != len(body) {
		return nil, &wire.MalformedFrameError{
			Reason:    "length prefix does not match frame",
			Declared:  declared,
			Available: len(body),
			MaxSize:   c.maxFrameSize,
		}
	}

	a, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	defer reset(a)

	nonce := body[:wire.NonceSize]
	pt, err := a.Open(nil, nonce, body[wire.NonceSize:], frame[:wire.HeaderSize])
	if err != nil {
		return nil, &wire.AuthenticationError{
			UnderlyingError: err,
			FrameLength:     len(frame),
		}
	}
	return pt, nil
}

func (c *Channel) checkLength(declared uint32) error {
	var reason string
	switch {
	case declared == 0:
		reason = "zero length"
	case uint64(declared) > uint64(c.maxFrameSize):
		reason = "length exceeds maximum frame size"
	case declared < wire.MinFrameLength:
		reason = "length shorter than nonce and tag"
	default:
		return nil
	}
	return &wire.MalformedFrameError{
		Reason:   reason,
		Declared: declared,
		MaxSize:  c.maxFrameSize,
	}
}

// ReadFrame reads exactly one frame from r.  The length prefix is checked
// against the maximum before the body is allocated.  A stream that ends
// cleanly before any byte of the frame yields io.EOF, other read errors
// are returned unwrapped so callers can inspect deadlines.
func (c *Channel) ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [wire.HeaderSize]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, &wire.MalformedFrameError{
				Reason:    "truncated length prefix",
				Available: n,
				MaxSize:   c.maxFrameSize,
			}
		}
		return nil, err
	}
	declared := binary.BigEndian.Uint32(hdr[:])
	if err := c.checkLength(declared); err != nil {
		return nil, err
	}

	frame := make([]byte, wire.HeaderSize+int(declared))
	copy(frame, hdr[:])
	if n, err := io.ReadFull(r, frame[wire.HeaderSize:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &wire.MalformedFrameError{
				Reason:    "stream ended inside frame",
				Declared:  declared,
				Available: n,
				MaxSize:   c.maxFrameSize,
			}
		}
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes a sealed frame to w.
func (c *Channel) WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) < wire.HeaderSize+wire.MinFrameLength {
		return &wire.MalformedFrameError{
			Reason:    "frame shorter than header, nonce and tag",
			Available: len(frame),
			MaxSize:   c.maxFrameSize,
		}
	}
	_, err := w.Write(frame)
	return err
}
