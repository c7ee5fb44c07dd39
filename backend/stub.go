// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package backend

import (
	"context"
	"fmt"
	"strings"
)

// StubConfidence is the confidence the Stub backend reports.
const StubConfidence = 0.5

// Stub tags the input instead of processing it, for deployments without a
// model.
type Stub struct{}

// ID implements Backend.
func (s *Stub) ID() string {
	return KindStub
}

// Process implements Backend.
func (s *Stub) Process(ctx context.Context, text, src, dst string) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("[STUB %s->%s] %s", strings.ToUpper(src), strings.ToUpper(dst), text), StubConfidence, nil
}
