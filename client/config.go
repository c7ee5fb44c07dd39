// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/polyglot/core/retry"
	"github.com/katzenpost/polyglot/core/transport"
	"github.com/katzenpost/polyglot/core/wire"
	"github.com/katzenpost/polyglot/core/wire/channel"
	"github.com/katzenpost/polyglot/core/wire/kex"
	"github.com/katzenpost/polyglot/discovery"
)

const (
	defaultHandshakeTimeout = 5 * 1000  // 5 sec.
	defaultRequestTimeout   = 30 * 1000 // 30 sec.
	defaultBrowseTimeout    = 3 * 1000  // 3 sec.
	defaultLogLevel         = "NOTICE"
)

// Config is the client configuration.
type Config struct {
	// Server is the address URL of the server, tcp://host:port or
	// quic://host:port.  It may be omitted when Discovery is enabled.
	Server string

	// KEM and Cipher must match the server's.
	KEM    string
	Cipher string

	// MaxFrameSize bounds the response frame in bytes.
	MaxFrameSize int

	// HandshakeTimeout bounds the key exchange in milliseconds.
	HandshakeTimeout int

	// RequestTimeout bounds a request, from dialing to the response, in
	// milliseconds.
	RequestTimeout int

	// DialAttempts bounds the connection attempts per request.  Refused
	// or reset connections are retried with exponential backoff.
	DialAttempts int

	Discovery *Discovery
	Cache     *Cache
	Logging   *Logging
}

// Discovery is the server discovery configuration.
type Discovery struct {
	// Enable browses the local network when Server is not set.
	Enable bool

	ServiceType string
	Domain      string

	// Timeout bounds browsing in milliseconds.
	Timeout int
}

// Cache is the result cache configuration.
type Cache struct {
	// Disable disables the result cache.
	Disable bool

	// Path is the cache database file.
	Path string

	// MaxAge bounds the age of cached results in seconds, unbounded if
	// zero.
	MaxAge int
}

// Logging is the client logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stderr will be used.
	File string

	// Level specifies the log level.
	Level string
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Discovery == nil {
		cfg.Discovery = &Discovery{}
	}
	if cfg.Cache == nil {
		cfg.Cache = &Cache{Disable: true}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}

	if cfg.KEM == "" {
		cfg.KEM = kex.DefaultMechanismName
	}
	if cfg.Cipher == "" {
		cfg.Cipher = channel.SuiteChaCha20Poly1305
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = retry.DefaultMaxAttempts
	}
	if cfg.Discovery.ServiceType == "" {
		cfg.Discovery.ServiceType = discovery.DefaultServiceType
	}
	if cfg.Discovery.Domain == "" {
		cfg.Discovery.Domain = discovery.DefaultDomain
	}
	if cfg.Discovery.Timeout <= 0 {
		cfg.Discovery.Timeout = defaultBrowseTimeout
	}

	switch {
	case cfg.Server != "":
		if _, _, err := transport.ParseAddress(cfg.Server); err != nil {
			return fmt.Errorf("config: Server '%v' is invalid: %v", cfg.Server, err)
		}
	case !cfg.Discovery.Enable:
		return errors.New("config: Server is not set and Discovery is disabled")
	}
	if _, err := kex.ByName(cfg.KEM); err != nil {
		return fmt.Errorf("config: KEM '%v' is invalid: %v", cfg.KEM, err)
	}
	if _, err := channel.SuiteByName(cfg.Cipher); err != nil {
		return fmt.Errorf("config: Cipher '%v' is invalid, expected one of %v", cfg.Cipher, channel.SuiteNames())
	}
	if cfg.MaxFrameSize < wire.MinFrameLength {
		return fmt.Errorf("config: MaxFrameSize %d is smaller than %d", cfg.MaxFrameSize, wire.MinFrameLength)
	}
	if cfg.Discovery.Enable {
		if err := discovery.ValidateServiceType(cfg.Discovery.ServiceType); err != nil {
			return fmt.Errorf("config: Discovery: %v", err)
		}
	}
	if !cfg.Cache.Disable && cfg.Cache.Path == "" {
		return errors.New("config: Cache: Path is not set")
	}

	lvl := strings.ToUpper(cfg.Logging.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", cfg.Logging.Level)
	}
	cfg.Logging.Level = lvl
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
