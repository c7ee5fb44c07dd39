// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport opens listeners and dials peers from address URLs of
// the form tcp://host:port (also tcp4, tcp6) and quic://host:port.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
)

const keepAlivePeriod = 3 * time.Minute

// ParseAddress validates an address URL and returns its scheme and host.
func ParseAddress(addr string) (scheme, host string, err error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("transport: invalid address '%v': %v", addr, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6", "quic":
	default:
		return "", "", fmt.Errorf("transport: unsupported scheme in '%v'", addr)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return "", "", fmt.Errorf("transport: invalid address '%v': %v", addr, err)
	}
	return u.Scheme, u.Host, nil
}

// Port returns the numeric port of a listener address.
func Port(a net.Addr) (int, error) {
	_, p, err := net.SplitHostPort(a.String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}

// Listen opens a listener for an address URL.
func Listen(addr string) (net.Listener, error) {
	scheme, host, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if scheme == "quic" {
		tlsConf, err := GenerateTLSConfig()
		if err != nil {
			return nil, err
		}
		ql, err := quic.ListenAddr(host, tlsConf, nil)
		if err != nil {
			return nil, err
		}
		return NewQuicListener(ql), nil
	}
	lc := net.ListenConfig{KeepAlive: keepAlivePeriod}
	return lc.Listen(context.Background(), scheme, host)
}

// Dial connects to an address URL.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	scheme, host, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if scheme == "quic" {
		return dialQuic(ctx, host)
	}
	d := net.Dialer{KeepAlive: keepAlivePeriod}
	return d.DialContext(ctx, scheme, host)
}

// URL formats a listener address as an address URL.
func URL(scheme string, a net.Addr) string {
	return (&url.URL{Scheme: scheme, Host: a.String()}).String()
}
