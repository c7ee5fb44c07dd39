// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package discovery

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

const (
	// DefaultServiceType is the DNS-SD service type of the protocol.
	DefaultServiceType = "_polyglot._tcp"

	// DefaultDomain is the multicast DNS domain.
	DefaultDomain = "local."

	// maxInstanceLen is the DNS label limit.
	maxInstanceLen = 63
)

// Property keys advertised in the TXT record.
const (
	PropVersion    = "version"
	PropEncryption = "encryption"
	PropKEM        = "kem"
	PropLanguages  = "languages"
)

// ServiceRecord is one advertisement.
type ServiceRecord struct {
	ServiceType  string
	InstanceName string
	Domain       string

	// Host and Addresses pin the advertised addresses.  When Addresses is
	// empty every interface address is advertised.
	Host      string
	Addresses []string

	Port       int
	Properties map[string]string
}

// Validate checks the record.
func (r *ServiceRecord) Validate() error {
	if r.InstanceName == "" {
		return errors.New("discovery: missing InstanceName")
	}
	if err := ValidateServiceType(r.ServiceType); err != nil {
		return err
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("discovery: invalid port %d", r.Port)
	}
	for _, a := range r.Addresses {
		if net.ParseIP(a) == nil {
			return fmt.Errorf("discovery: invalid address '%v'", a)
		}
	}
	if len(r.Addresses) > 0 && r.Host == "" {
		return errors.New("discovery: Addresses require Host")
	}
	return nil
}

func (r *ServiceRecord) domain() string {
	if r.Domain == "" {
		return DefaultDomain
	}
	return r.Domain
}

func (r *ServiceRecord) key() string {
	return r.InstanceName + "." + r.ServiceType + "." + r.domain()
}

// Text returns the properties as sorted key=value TXT strings.
func (r *ServiceRecord) Text() []string {
	txt := make([]string, 0, len(r.Properties))
	for k, v := range r.Properties {
		txt = append(txt, k+"="+v)
	}
	sort.Strings(txt)
	return txt
}

// ParseText is the inverse of Text.
func ParseText(txt []string) map[string]string {
	props := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, _ := strings.Cut(kv, "=")
		if k != "" {
			props[k] = v
		}
	}
	return props
}

// ValidateServiceType checks for the _name._tcp or _name._udp form.
func ValidateServiceType(s string) error {
	name, proto, ok := strings.Cut(s, ".")
	if !ok || len(name) < 2 || name[0] != '_' || (proto != "_tcp" && proto != "_udp") {
		return fmt.Errorf("discovery: invalid service type '%v'", s)
	}
	return nil
}

// InstanceName derives the advertised instance name from the host
// identity.  The result depends only on its arguments, so a restarted
// server advertises the same name.  The name is "<prefix>-<host label>",
// where a non-empty prefix replaces the service name taken from
// serviceType.  serviceType is validated either way.
func InstanceName(prefix, serviceType, hostname string) (string, error) {
	if err := ValidateServiceType(serviceType); err != nil {
		return "", err
	}
	if prefix == "" {
		name, _, _ := strings.Cut(serviceType, ".")
		prefix = strings.TrimPrefix(name, "_")
	}

	label, _, _ := strings.Cut(strings.TrimSuffix(hostname, "."), ".")
	if label == "" {
		return "", errors.New("discovery: empty hostname")
	}
	label, err := idna.Display.ToUnicode(strings.ToLower(label))
	if err != nil {
		return "", fmt.Errorf("discovery: invalid hostname '%v': %v", hostname, err)
	}

	name := prefix + "-" + label
	for len(name) > maxInstanceLen {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	return name, nil
}

// Entry is a service instance found by browsing.
type Entry struct {
	Instance   string
	Service    string
	Domain     string
	HostName   string
	Port       int
	Addresses  []string
	Properties map[string]string
}

// URL returns an address URL for the entry's first address.
func (e *Entry) URL(scheme string) (string, error) {
	if len(e.Addresses) == 0 {
		return "", fmt.Errorf("discovery: %s advertises no addresses", e.Instance)
	}
	return scheme + "://" + net.JoinHostPort(e.Addresses[0], strconv.Itoa(e.Port)), nil
}
