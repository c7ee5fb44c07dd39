// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides exponential backoff for connection attempts.
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"syscall"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 250 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
	DefaultJitter      = 0.2
)

// Policy describes how often and how fast an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicy returns the Policy built from the default constants.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Delay calculates the delay before retry attempt, counted from zero.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}
	return time.Duration(delay)
}

// IsTransient returns true if err is a network failure that may succeed
// when tried again.  Context cancellation is never transient.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Do calls fn until it succeeds, returns a non transient error, the
// attempts are used up or ctx is done.  The last error is returned.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil || !IsTransient(err) {
			return err
		}
		if attempt+1 == p.MaxAttempts {
			break
		}
		t := time.NewTimer(Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
