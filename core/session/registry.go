// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session keeps the in-memory table of live session keys.  Keys
// never leave process memory and are wiped when replaced or expired.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/util"

	"github.com/katzenpost/polyglot/core/wire"
	"github.com/katzenpost/polyglot/core/wire/channel"
)

// DefaultRotationInterval is the key lifetime used when none is configured.
const DefaultRotationInterval = 5 * time.Minute

var (
	// ErrNotFound is returned for an unknown session ID.
	ErrNotFound = errors.New("session: not found")

	// ErrDuplicate is returned when registering an ID that is already live.
	ErrDuplicate = errors.New("session: duplicate session ID")

	errInvalidKey = fmt.Errorf("session: key must be %d bytes", wire.KeySize)
)

// NewID returns a fresh random session identifier.
func NewID() string {
	return uuid.NewString()
}

// Session is one registered session.  The key is only reachable through
// the Registry.
type Session struct {
	mu sync.Mutex

	ID            string
	EstablishedAt time.Time

	key      []byte
	rotateAt time.Time
	expired  bool
}

// RotateAt returns the deadline after which the current key is unusable.
func (s *Session) RotateAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateAt
}

// Expired reports whether the session has been expired.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

func (s *Session) wipeLocked() {
	if s.key != nil {
		util.ExplicitBzero(s.key)
		s.key = nil
	}
	s.expired = true
}

// Config is the Registry configuration.
type Config struct {
	// RotationInterval is the key lifetime, DefaultRotationInterval if
	// zero.
	RotationInterval time.Duration

	// Clock returns the current time, time.Now if nil.
	Clock func() time.Time
}

// Registry maps session IDs to sessions.  The map lock is only held for
// map access, key use and rotation happen under the per-session lock.
type Registry struct {
	sync.RWMutex

	sessions         map[string]*Session
	rotationInterval time.Duration
	clock            func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg *Config) *Registry {
	if cfg == nil {
		cfg = &Config{}
	}
	r := &Registry{
		sessions:         make(map[string]*Session),
		rotationInterval: cfg.RotationInterval,
		clock:            cfg.Clock,
	}
	if r.rotationInterval <= 0 {
		r.rotationInterval = DefaultRotationInterval
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	return r
}

// RotationInterval returns the configured key lifetime.
func (r *Registry) RotationInterval() time.Duration {
	return r.rotationInterval
}

// Register records a new session established at now.  The key is copied.
func (r *Registry) Register(id string, key []byte, now time.Time) (*Session, error) {
	if len(key) != wire.KeySize {
		return nil, errInvalidKey
	}
	s := &Session{
		ID:            id,
		EstablishedAt: now,
		key:           append([]byte{}, key...),
		rotateAt:      now.Add(r.rotationInterval),
	}

	r.Lock()
	defer r.Unlock()
	if _, ok := r.sessions[id]; ok {
		util.ExplicitBzero(s.key)
		return nil, ErrDuplicate
	}
	r.sessions[id] = s
	return s, nil
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.RLock()
	defer r.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Rotate replaces the session key and resets the deadline.  No frame
// operation on the session observes a partial update.
func (r *Registry) Rotate(id string, newKey []byte, now time.Time) error {
	if len(newKey) != wire.KeySize {
		return errInvalidKey
	}
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return &wire.SessionExpiredError{SessionID: id, RotateAt: s.rotateAt}
	}
	util.ExplicitBzero(s.key)
	s.key = append([]byte{}, newKey...)
	s.EstablishedAt = now
	s.rotateAt = now.Add(r.rotationInterval)
	return nil
}

// Expire removes the session and wipes its key.  Unknown IDs are ignored.
func (r *Registry) Expire(id string) {
	r.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.Unlock()

	if ok {
		s.mu.Lock()
		s.wipeLocked()
		s.mu.Unlock()
	}
}

func (r *Registry) remove(s *Session) {
	r.Lock()
	defer r.Unlock()
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}
}

// Reap expires every session whose deadline has passed and returns how
// many were removed.
func (r *Registry) Reap(now time.Time) int {
	var stale []*Session
	r.RLock()
	for _, s := range r.sessions {
		stale = append(stale, s)
	}
	r.RUnlock()

	n := 0
	for _, s := range stale {
		s.mu.Lock()
		due := s.expired || !now.Before(s.rotateAt)
		if due {
			s.wipeLocked()
		}
		s.mu.Unlock()
		if due {
			r.remove(s)
			n++
		}
	}
	return n
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions)
}

// withKey runs fn with the session key under the session lock.  A session
// past its deadline is expired instead.
func (r *Registry) withKey(id string, fn func(key []byte) ([]byte, error)) ([]byte, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.expired || !r.clock().Before(s.rotateAt) {
		rotateAt := s.rotateAt
		s.wipeLocked()
		s.mu.Unlock()
		r.remove(s)
		return nil, &wire.SessionExpiredError{SessionID: id, RotateAt: rotateAt}
	}
	defer s.mu.Unlock()
	return fn(s.key)
}

// Seal seals plaintext into a frame under the session key.
func (r *Registry) Seal(id string, ch *channel.Channel, plaintext []byte) ([]byte, error) {
	return r.withKey(id, func(key []byte) ([]byte, error) {
		return ch.SealFrame(key, plaintext)
	})
}

// Open opens a frame, already read off the wire, under the session key.
func (r *Registry) Open(id string, ch *channel.Channel, frame []byte) ([]byte, error) {
	return r.withKey(id, func(key []byte) ([]byte, error) {
		return ch.OpenFrame(key, frame)
	})
}
