// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package backend provides the text processing backends the server hands
// decrypted requests to.
package backend

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/katzenpost/polyglot/core/wire"
)

const (
	// KindStub selects the Stub backend.
	KindStub = "stub"

	// KindHTTP selects the HTTP backend.
	KindHTTP = "http"
)

// Backend processes text from one language into another.
type Backend interface {
	// ID names the backend in responses.
	ID() string

	// Process returns the result text and a confidence in [0, 1].
	Process(ctx context.Context, text, src, dst string) (string, float64, error)
}

// Func adapts a function to a Backend.
type Func struct {
	Name string
	Fn   func(ctx context.Context, text, src, dst string) (string, float64, error)
}

// ID implements Backend.
func (f *Func) ID() string {
	return f.Name
}

// Process implements Backend.
func (f *Func) Process(ctx context.Context, text, src, dst string) (string, float64, error) {
	return f.Fn(ctx, text, src, dst)
}

// Config selects and parameterizes a backend.
type Config struct {
	Kind     string
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// New creates the backend described by cfg.
func New(cfg *Config) (Backend, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", KindStub:
		return &Stub{}, nil
	case KindHTTP:
		return NewHTTP(cfg.Endpoint, cfg.Model, cfg.Timeout)
	default:
		return nil, fmt.Errorf("backend: unknown kind '%v'", cfg.Kind)
	}
}

// Process calls b, bounding it by timeout when non-zero.  Any failure,
// including an out of range confidence, is returned as a
// *wire.BackendError.
func Process(ctx context.Context, b Backend, timeout time.Duration, text, src, dst string) (string, float64, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, confidence, err := b.Process(ctx, text, src, dst)
	if err == nil && (math.IsNaN(confidence) || confidence < 0 || confidence > 1) {
		err = fmt.Errorf("confidence %v out of range", confidence)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return "", 0, &wire.BackendError{BackendID: b.ID(), UnderlyingError: err}
	}
	return result, confidence, nil
}
