// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build noprometheus
// +build noprometheus

package instrument

import (
	"errors"
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// StartPrometheusListener fails, metrics are compiled out.
func StartPrometheusListener(address string, log *logging.Logger) (*http.Server, error) {
	return nil, errors.New("instrument: built without prometheus support")
}

// Connection does nothing.
func Connection() {}

// RateLimited does nothing.
func RateLimited() {}

// HandshakeFailed does nothing.
func HandshakeFailed(reason string) {}

// Request does nothing.
func Request(outcome string) {}

// FrameError does nothing.
func FrameError(kind string) {}

// Sessions does nothing.
func Sessions(n int) {}

// SessionsReaped does nothing.
func SessionsReaped(n int) {}

// BackendLatency does nothing.
func BackendLatency(backend string, d time.Duration) {}
