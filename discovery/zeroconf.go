// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package discovery

import (
	"context"
	"net"

	"github.com/libp2p/zeroconf/v2"
)

// Zeroconf is the multicast DNS Registrar.
type Zeroconf struct {
	// Interfaces restricts announcements and queries, all multicast
	// interfaces if empty.
	Interfaces []net.Interface
}

// Register implements Registrar.
func (z *Zeroconf) Register(rec *ServiceRecord) (Registration, error) {
	if len(rec.Addresses) > 0 {
		return zeroconf.RegisterProxy(rec.InstanceName, rec.ServiceType, rec.domain(), rec.Port,
			rec.Host, rec.Addresses, rec.Text(), z.Interfaces)
	}
	return zeroconf.Register(rec.InstanceName, rec.ServiceType, rec.domain(), rec.Port, rec.Text(), z.Interfaces)
}

// Browse implements Registrar.  It collects entries until ctx is done.
func (z *Zeroconf) Browse(ctx context.Context, serviceType, domain string) ([]Entry, error) {
	entriesCh := make(chan *zeroconf.ServiceEntry, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- zeroconf.Browse(ctx, serviceType, domain, entriesCh, zeroconf.SelectIfaces(z.Interfaces))
	}()

	seen := make(map[string]bool)
	var entries []Entry
	collect := func(se *zeroconf.ServiceEntry) {
		if se == nil || seen[se.Instance] {
			return
		}
		seen[se.Instance] = true
		entries = append(entries, fromServiceEntry(se))
	}

	for {
		select {
		case se, ok := <-entriesCh:
			if !ok {
				return entries, nil
			}
			collect(se)
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return nil, err
			}
			for {
				select {
				case se, ok := <-entriesCh:
					if !ok {
						return entries, nil
					}
					collect(se)
				default:
					return entries, nil
				}
			}
		case <-ctx.Done():
			// Keep Browse from blocking on a full channel until it
			// notices the cancellation.
			go func() {
				for {
					select {
					case _, ok := <-entriesCh:
						if !ok {
							return
						}
					case <-errCh:
						return
					}
				}
			}()
			return entries, nil
		}
	}
}

func fromServiceEntry(se *zeroconf.ServiceEntry) Entry {
	e := Entry{
		Instance:   se.Instance,
		Service:    se.Service,
		Domain:     se.Domain,
		HostName:   se.HostName,
		Port:       se.Port,
		Properties: ParseText(se.Text),
	}
	for _, ip := range se.AddrIPv4 {
		e.Addresses = append(e.Addresses, ip.String())
	}
	for _, ip := range se.AddrIPv6 {
		e.Addresses = append(e.Addresses, ip.String())
	}
	return e
}
