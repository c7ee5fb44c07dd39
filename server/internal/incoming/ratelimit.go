// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// acceptLimiter is a per remote IP token bucket registry.
type acceptLimiter struct {
	sync.Mutex

	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newAcceptLimiter(perSecond float64, burst int) *acceptLimiter {
	return &acceptLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (a *acceptLimiter) get(key string) *rate.Limiter {
	a.Lock()
	defer a.Unlock()

	if lim, ok := a.limiters[key]; ok {
		return lim
	}
	lim := rate.NewLimiter(a.limit, a.burst)
	a.limiters[key] = lim
	return lim
}

// Allow reports whether a connection from addr may proceed, consuming a
// token if so.
func (a *acceptLimiter) Allow(addr net.Addr) bool {
	return a.get(remoteKey(addr)).Allow()
}

// Prune drops the buckets that have refilled completely, they carry no
// state a fresh bucket would not.
func (a *acceptLimiter) Prune() int {
	a.Lock()
	defer a.Unlock()

	n := 0
	for k, lim := range a.limiters {
		if lim.Tokens() >= float64(a.burst) {
			delete(a.limiters, k)
			n++
		}
	}
	return n
}

func (a *acceptLimiter) Len() int {
	a.Lock()
	defer a.Unlock()
	return len(a.limiters)
}

func remoteKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
