// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/polyglot/core/wire"
	"github.com/katzenpost/polyglot/core/wire/channel"
)

func newKey(t *testing.T) []byte {
	key := make([]byte, wire.KeySize)
	_, err := io.ReadFull(rand.Reader, key)
	require.NoError(t, err)
	return key
}

func newChannel(t *testing.T) *channel.Channel {
	ch, err := channel.New(nil)
	require.NoError(t, err)
	return ch
}

func TestRegisterLookupExpire(t *testing.T) {
	require := require.New(t)

	r := NewRegistry(nil)
	now := time.Now()
	id := NewID()

	s, err := r.Register(id, newKey(t), now)
	require.NoError(err)
	require.Equal(id, s.ID)
	require.Equal(now.Add(DefaultRotationInterval), s.RotateAt())

	_, err = r.Register(id, newKey(t), now)
	require.ErrorIs(err, ErrDuplicate)

	got, err := r.Lookup(id)
	require.NoError(err)
	require.Same(s, got)
	require.Equal(1, r.Len())

	r.Expire(id)
	require.True(s.Expired())
	_, err = r.Lookup(id)
	require.ErrorIs(err, ErrNotFound)
	require.Equal(0, r.Len())

	// Unknown IDs are ignored.
	r.Expire(id)

	_, err = r.Register(NewID(), []byte("short"), now)
	require.Error(err)
}

func TestSealOpenThroughRegistry(t *testing.T) {
	require := require.New(t)

	r := NewRegistry(nil)
	ch := newChannel(t)
	id := NewID()
	_, err := r.Register(id, newKey(t), time.Now())
	require.NoError(err)

	frame, err := r.Seal(id, ch, []byte("Hej"))
	require.NoError(err)
	pt, err := r.Open(id, ch, frame)
	require.NoError(err)
	require.Equal("Hej", string(pt))

	_, err = r.Seal(NewID(), ch, []byte("nobody"))
	require.ErrorIs(err, ErrNotFound)
}

func TestSessionLockIsPrivate(t *testing.T) {
	require := require.New(t)

	r := NewRegistry(nil)
	id := NewID()
	_, err := r.Register(id, newKey(t), time.Now())
	require.NoError(err)
	s, err := r.Lookup(id)
	require.NoError(err)

	// Holders of a *Session can not enter the per-session region.
	var v interface{} = s
	_, ok := v.(sync.Locker)
	require.False(ok)

	// Accessors do not block Seal.
	require.False(s.Expired())
	_, err = r.Seal(id, newChannel(t), []byte("Hej"))
	require.NoError(err)
}

func TestPastDeadlineIsExpired(t *testing.T) {
	require := require.New(t)

	r := NewRegistry(&Config{RotationInterval: time.Minute})
	ch := newChannel(t)

	// Established long enough ago that the deadline is in the past.
	id := NewID()
	s, err := r.Register(id, newKey(t), time.Now().Add(-2*time.Minute))
	require.NoError(err)

	_, err = r.Seal(id, ch, []byte("too late"))
	require.True(wire.IsSessionExpiredError(err), "%v", err)
	require.True(s.Expired())

	// The session is gone, later operations cannot resurrect it.
	_, err = r.Open(id, ch, make([]byte, 64))
	require.ErrorIs(err, ErrNotFound)

	// Open on a live session whose deadline passes mid flight.
	now := time.Now()
	clock := now
	r = NewRegistry(&Config{RotationInterval: time.Minute, Clock: func() time.Time { return clock }})
	id = NewID()
	_, err = r.Register(id, newKey(t), now)
	require.NoError(err)
	frame, err := r.Seal(id, ch, []byte("in time"))
	require.NoError(err)

	clock = now.Add(time.Minute)
	_, err = r.Open(id, ch, frame)
	require.True(wire.IsSessionExpiredError(err))
}

func TestRotateIsolation(t *testing.T) {
	require := require.New(t)

	r := NewRegistry(nil)
	ch := newChannel(t)
	now := time.Now()

	a, b := NewID(), NewID()
	_, err := r.Register(a, newKey(t), now)
	require.NoError(err)
	_, err = r.Register(b, newKey(t), now)
	require.NoError(err)

	frameA, err := r.Seal(a, ch, []byte("for a"))
	require.NoError(err)
	frameB, err := r.Seal(b, ch, []byte("for b"))
	require.NoError(err)

	later := now.Add(time.Minute)
	require.NoError(r.Rotate(a, newKey(t), later))
	s, err := r.Lookup(a)
	require.NoError(err)
	require.Equal(later.Add(DefaultRotationInterval), s.RotateAt())

	// The old key is gone for a, b is untouched.
	_, err = r.Open(a, ch, frameA)
	require.True(wire.IsAuthenticationError(err))
	pt, err := r.Open(b, ch, frameB)
	require.NoError(err)
	require.Equal("for b", string(pt))

	require.ErrorIs(r.Rotate(NewID(), newKey(t), later), ErrNotFound)
}

func TestConcurrentRegistration(t *testing.T) {
	require := require.New(t)

	r := NewRegistry(nil)
	ch := newChannel(t)

	const n = 64
	var wg sync.WaitGroup
	var failures atomic.Int32
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := NewID()
			ids[i] = id
			if _, err := r.Register(id, newKey(t), time.Now()); err != nil {
				failures.Add(1)
				return
			}
			frame, err := r.Seal(id, ch, []byte(id))
			if err != nil {
				failures.Add(1)
				return
			}
			if err := r.Rotate(id, newKey(t), time.Now()); err != nil {
				failures.Add(1)
				return
			}
			if _, err := r.Open(id, ch, frame); !wire.IsAuthenticationError(err) {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.Zero(failures.Load())
	require.Equal(n, r.Len())
	seen := make(map[string]bool)
	for _, id := range ids {
		require.False(seen[id])
		seen[id] = true
	}
}

func TestReap(t *testing.T) {
	require := require.New(t)

	r := NewRegistry(&Config{RotationInterval: time.Minute})
	now := time.Now()
	old, err := r.Register(NewID(), newKey(t), now.Add(-time.Hour))
	require.NoError(err)
	_, err = r.Register(NewID(), newKey(t), now)
	require.NoError(err)

	require.Equal(1, r.Reap(now))
	require.True(old.Expired())
	require.Equal(1, r.Len())
	require.Equal(1, r.Reap(now.Add(time.Minute)))
	require.Equal(0, r.Len())
}

func TestReaperWorker(t *testing.T) {
	require := require.New(t)

	r := NewRegistry(&Config{RotationInterval: time.Minute})
	_, err := r.Register(NewID(), newKey(t), time.Now().Add(-time.Hour))
	require.NoError(err)

	var reaped atomic.Int32
	rp := NewReaper(r, 5*time.Millisecond, logging.MustGetLogger("reaper_test"), func(n int) {
		reaped.Add(int32(n))
	})
	defer rp.Halt()

	require.Eventually(func() bool { return reaped.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(0, r.Len())
}
