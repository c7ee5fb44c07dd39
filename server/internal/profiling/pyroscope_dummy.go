// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope
// +build !pyroscope

// Package profiling ships continuous profiles to a Pyroscope server when
// built with the pyroscope tag.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing, profiling is compiled out.
func Start(identifier string, log *logging.Logger) (func() error, error) {
	log.Debug("Pyroscope profiling is not compiled in.")
	return func() error { return nil }, nil
}
