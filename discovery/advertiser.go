// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package discovery advertises and finds servers on the local network
// with multicast DNS service discovery.
package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// ErrAlreadyPublished is returned when a record is published twice.
var ErrAlreadyPublished = errors.New("discovery: record already published")

// Registration is a live advertisement.
type Registration interface {
	Shutdown()
}

// Registrar announces records on, and browses, a network segment.
type Registrar interface {
	Register(rec *ServiceRecord) (Registration, error)
	Browse(ctx context.Context, serviceType, domain string) ([]Entry, error)
}

// Advertiser tracks the records a process has published.
type Advertiser struct {
	sync.Mutex

	registrar Registrar
	log       *logging.Logger
	published map[string]Registration
}

// NewAdvertiser creates an Advertiser on registrar.
func NewAdvertiser(registrar Registrar, log *logging.Logger) *Advertiser {
	return &Advertiser{
		registrar: registrar,
		log:       log,
		published: make(map[string]Registration),
	}
}

// Publish announces rec.  Publishing an instance that is already
// published fails with ErrAlreadyPublished.
func (a *Advertiser) Publish(ctx context.Context, rec *ServiceRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.Lock()
	defer a.Unlock()
	key := rec.key()
	if _, ok := a.published[key]; ok {
		return ErrAlreadyPublished
	}
	reg, err := a.registrar.Register(rec)
	if err != nil {
		return err
	}
	a.published[key] = reg
	a.log.Noticef("Published %s on port %d.", key, rec.Port)
	return nil
}

// Unpublish withdraws rec.  Unknown records are ignored.
func (a *Advertiser) Unpublish(rec *ServiceRecord) error {
	a.Lock()
	defer a.Unlock()
	key := rec.key()
	reg, ok := a.published[key]
	if !ok {
		return nil
	}
	delete(a.published, key)
	reg.Shutdown()
	a.log.Noticef("Unpublished %s.", key)
	return nil
}

// Published returns the keys of the live advertisements.
func (a *Advertiser) Published() []string {
	a.Lock()
	defer a.Unlock()
	keys := make([]string, 0, len(a.published))
	for k := range a.published {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close withdraws every advertisement.
func (a *Advertiser) Close() {
	a.Lock()
	defer a.Unlock()
	for key, reg := range a.published {
		reg.Shutdown()
		delete(a.published, key)
	}
}

// Browse returns the instances of serviceType found on registrar within
// timeout.
func Browse(ctx context.Context, registrar Registrar, serviceType, domain string, timeout time.Duration) ([]Entry, error) {
	if err := ValidateServiceType(serviceType); err != nil {
		return nil, err
	}
	if domain == "" {
		domain = DefaultDomain
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return registrar.Browse(ctx, serviceType, domain)
}
