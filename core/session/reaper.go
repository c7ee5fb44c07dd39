// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/polyglot/core/worker"
)

// Reaper periodically expires sessions whose deadline has passed.
type Reaper struct {
	worker.Worker

	registry *Registry
	log      *logging.Logger
	onReap   func(n int)
}

// NewReaper starts reaping r every interval.  onReap, if set, is called
// with the number of sessions removed by each pass that removed any.
func NewReaper(r *Registry, interval time.Duration, log *logging.Logger, onReap func(n int)) *Reaper {
	rp := &Reaper{
		registry: r,
		log:      log,
		onReap:   onReap,
	}
	rp.Every(interval, rp.reap)
	return rp
}

func (rp *Reaper) reap() {
	n := rp.registry.Reap(rp.registry.clock())
	if n == 0 {
		return
	}
	rp.log.Debugf("Reaped %d expired session(s), %d live.", n, rp.registry.Len())
	if rp.onReap != nil {
		rp.onReap(n)
	}
}
