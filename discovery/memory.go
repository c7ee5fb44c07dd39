// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package discovery

import (
	"context"
	"sort"
	"sync"
)

// Memory is a Registrar confined to the process, a stand-in for a network
// segment in tests and single host deployments.
type Memory struct {
	sync.Mutex

	records map[string]*ServiceRecord
}

// NewMemory creates an empty Memory registrar.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*ServiceRecord)}
}

type memoryRegistration struct {
	m   *Memory
	key string
}

func (r *memoryRegistration) Shutdown() {
	r.m.Lock()
	defer r.m.Unlock()
	delete(r.m.records, r.key)
}

// Register implements Registrar.
func (m *Memory) Register(rec *ServiceRecord) (Registration, error) {
	m.Lock()
	defer m.Unlock()
	key := rec.key()
	if _, ok := m.records[key]; ok {
		return nil, ErrAlreadyPublished
	}
	cp := *rec
	cp.Properties = make(map[string]string, len(rec.Properties))
	for k, v := range rec.Properties {
		cp.Properties[k] = v
	}
	cp.Addresses = append([]string{}, rec.Addresses...)
	m.records[key] = &cp
	return &memoryRegistration{m: m, key: key}, nil
}

// Browse implements Registrar.  It answers immediately.
func (m *Memory) Browse(ctx context.Context, serviceType, domain string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.Lock()
	defer m.Unlock()
	var entries []Entry
	for _, rec := range m.records {
		if rec.ServiceType != serviceType || rec.domain() != domain {
			continue
		}
		entries = append(entries, Entry{
			Instance:   rec.InstanceName,
			Service:    rec.ServiceType,
			Domain:     rec.domain(),
			HostName:   rec.Host,
			Port:       rec.Port,
			Addresses:  append([]string{}, rec.Addresses...),
			Properties: ParseText(rec.Text()),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Instance < entries[j].Instance })
	return entries, nil
}
