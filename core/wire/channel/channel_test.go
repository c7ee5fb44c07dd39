// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/polyglot/core/wire"
)

func newKey(t *testing.T) []byte {
	key := make([]byte, wire.KeySize)
	_, err := io.ReadFull(rand.Reader, key)
	require.NoError(t, err)
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, suite := range SuiteNames() {
		t.Run(suite, func(t *testing.T) {
			require := require.New(t)

			ch, err := New(&Config{Suite: suite})
			require.NoError(err)
			require.Equal(suite, ch.Suite())

			key := newKey(t)
			for _, pt := range [][]byte{{}, []byte("Hej"), bytes.Repeat([]byte{0xa5}, 4096)} {
				frame, err := ch.SealFrame(key, pt)
				require.NoError(err)
				require.Len(frame, wire.HeaderSize+wire.NonceSize+len(pt)+wire.TagSize)
				require.Equal(uint32(len(frame)-wire.HeaderSize), binary.BigEndian.Uint32(frame))

				out, err := ch.OpenFrame(key, frame)
				require.NoError(err)
				require.Equal(len(pt), len(out))
				if len(pt) > 0 {
					require.Equal(pt, out)
				}
			}
		})
	}
}

func TestBitFlipFailsAuthentication(t *testing.T) {
	require := require.New(t)

	ch, err := New(nil)
	require.NoError(err)
	key := newKey(t)
	frame, err := ch.SealFrame(key, []byte("the quick brown fox"))
	require.NoError(err)

	// Every bit after the length prefix: nonce, ciphertext and tag.
	for i := wire.HeaderSize; i < len(frame); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := make([]byte, len(frame))
			copy(tampered, frame)
			tampered[i] ^= 1 << bit

			pt, err := ch.OpenFrame(key, tampered)
			require.Nil(pt)
			require.True(wire.IsAuthenticationError(err), "byte %d bit %d: %v", i, bit, err)
		}
	}
}

func TestLengthPrefixIsAuthenticated(t *testing.T) {
	require := require.New(t)

	ch, err := New(nil)
	require.NoError(err)
	key := newKey(t)
	frame, err := ch.SealFrame(key, []byte("abc"))
	require.NoError(err)

	// Dropping a byte and shrinking the prefix to match keeps the layout
	// valid, so only the AEAD can catch it.
	short := append([]byte{}, frame[:len(frame)-1]...)
	binary.BigEndian.PutUint32(short, uint32(len(short)-wire.HeaderSize))
	_, err = ch.OpenFrame(key, short)
	require.True(wire.IsAuthenticationError(err))
}

func TestWrongKey(t *testing.T) {
	require := require.New(t)

	ch, err := New(&Config{Suite: SuiteAES256GCM})
	require.NoError(err)
	frame, err := ch.SealFrame(newKey(t), []byte("secret"))
	require.NoError(err)

	_, err = ch.OpenFrame(newKey(t), frame)
	require.True(wire.IsAuthenticationError(err))

	_, err = ch.OpenFrame(make([]byte, 16), frame)
	require.ErrorIs(err, ErrInvalidKey)
}

func TestNoncesAreDistinct(t *testing.T) {
	require := require.New(t)

	ch, err := New(nil)
	require.NoError(err)
	key := newKey(t)

	seen := make(map[[wire.NonceSize]byte]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		frame, err := ch.SealFrame(key, []byte("x"))
		require.NoError(err)
		var nonce [wire.NonceSize]byte
		copy(nonce[:], frame[wire.HeaderSize:])
		_, dup := seen[nonce]
		require.False(dup, "nonce reused after %d frames", i)
		seen[nonce] = struct{}{}
	}
}

func TestOpenFrameMalformed(t *testing.T) {
	ch, err := New(&Config{MaxFrameSize: 1024})
	require.NoError(t, err)
	key := newKey(t)

	header := func(n uint32, body int) []byte {
		b := make([]byte, wire.HeaderSize+body)
		binary.BigEndian.PutUint32(b, n)
		return b
	}

	cases := map[string][]byte{
		"empty":     {},
		"truncated": {0x00, 0x00},
		"zero":      header(0, 0),
		"too short": header(wire.MinFrameLength-1, wire.MinFrameLength-1),
		"oversized": header(1025, 0),
		"mismatch":  header(40, 39),
		"trailing":  header(40, 41),
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ch.OpenFrame(key, frame)
			require.True(t, wire.IsMalformedFrameError(err), "%v", err)
		})
	}
}

// explodingReader fails the test if more than the length prefix is read.
type explodingReader struct {
	t   *testing.T
	hdr []byte
}

func (r *explodingReader) Read(p []byte) (int, error) {
	if len(r.hdr) == 0 {
		r.t.Fatal("body read after oversized length prefix")
	}
	n := copy(p, r.hdr)
	r.hdr = r.hdr[n:]
	return n, nil
}

func TestReadFrameRejectsOversizedBeforeReading(t *testing.T) {
	require := require.New(t)

	ch, err := New(nil)
	require.NoError(err)

	var hdr [wire.HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], 0xffffffff)
	_, err = ch.ReadFrame(&explodingReader{t: t, hdr: hdr[:]})
	require.True(wire.IsMalformedFrameError(err))

	var mfe *wire.MalformedFrameError
	require.True(errors.As(err, &mfe))
	require.Equal(uint32(0xffffffff), mfe.Declared)
	require.Equal(wire.DefaultMaxFrameSize, mfe.MaxSize)
}

func TestReadWriteFrame(t *testing.T) {
	require := require.New(t)

	ch, err := New(nil)
	require.NoError(err)
	key := newKey(t)

	var buf bytes.Buffer
	for _, msg := range []string{"first", "second"} {
		frame, err := ch.SealFrame(key, []byte(msg))
		require.NoError(err)
		require.NoError(ch.WriteFrame(&buf, frame))
	}

	for _, msg := range []string{"first", "second"} {
		frame, err := ch.ReadFrame(&buf)
		require.NoError(err)
		pt, err := ch.OpenFrame(key, frame)
		require.NoError(err)
		require.Equal(msg, string(pt))
	}

	_, err = ch.ReadFrame(&buf)
	require.ErrorIs(err, io.EOF)
}

func TestReadFrameTruncated(t *testing.T) {
	require := require.New(t)

	ch, err := New(nil)
	require.NoError(err)
	frame, err := ch.SealFrame(newKey(t), []byte("truncate me"))
	require.NoError(err)

	_, err = ch.ReadFrame(bytes.NewReader(frame[:len(frame)-3]))
	require.True(wire.IsMalformedFrameError(err))

	_, err = ch.ReadFrame(bytes.NewReader(frame[:2]))
	require.True(wire.IsMalformedFrameError(err))
}

func TestSealFrameLimits(t *testing.T) {
	require := require.New(t)

	ch, err := New(&Config{MaxFrameSize: 64})
	require.NoError(err)
	key := newKey(t)

	_, err = ch.SealFrame(key, make([]byte, ch.MaxPlaintextSize()))
	require.NoError(err)
	_, err = ch.SealFrame(key, make([]byte, ch.MaxPlaintextSize()+1))
	require.ErrorIs(err, ErrFrameTooLarge)

	_, err = New(&Config{MaxFrameSize: wire.MinFrameLength - 1})
	require.Error(err)
	_, err = New(&Config{Suite: "rot13"})
	require.Error(err)
}
