// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the polyglot server configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"
	"golang.org/x/text/language"

	"github.com/katzenpost/polyglot/backend"
	"github.com/katzenpost/polyglot/core/proto"
	"github.com/katzenpost/polyglot/core/transport"
	"github.com/katzenpost/polyglot/core/wire"
	"github.com/katzenpost/polyglot/core/wire/channel"
	"github.com/katzenpost/polyglot/core/wire/kex"
	"github.com/katzenpost/polyglot/discovery"
)

const (
	defaultAddress             = "tcp://0.0.0.0:8888"
	defaultLogLevel            = "NOTICE"
	defaultRotationInterval    = 5 * 60 * 1000 // 5 min.
	defaultReapInterval        = 30 * 1000     // 30 sec.
	defaultBackendTimeout      = 30 * 1000     // 30 sec.
	defaultHandshakeTimeout    = 5 * 1000      // 5 sec.
	defaultFrameTimeout        = 10 * 1000     // 10 sec.
	defaultAcceptRatePerSecond = 10
	defaultAcceptBurst         = 20
	defaultInstancePrefix      = "Polyglot"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the polyglot server configuration.
type Server struct {
	// Identifier is the human readable identifier for the node (eg: FQDN).
	Identifier string

	// Addresses are the listener addresses, URLs of the form
	// tcp://host:port or quic://host:port.
	Addresses []string

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// KEM is the hpqc name of the session key encapsulation mechanism.
	KEM string

	// Cipher is the AEAD suite used for frames.
	Cipher string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to, disabled if empty.
	MetricsAddress string
}

func (sCfg *Server) applyDefaults() {
	if len(sCfg.Addresses) == 0 {
		sCfg.Addresses = []string{defaultAddress}
	}
	if sCfg.KEM == "" {
		sCfg.KEM = kex.DefaultMechanismName
	}
	if sCfg.Cipher == "" {
		sCfg.Cipher = channel.SuiteChaCha20Poly1305
	}
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	for _, v := range sCfg.Addresses {
		if _, _, err := transport.ParseAddress(v); err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if _, err := kex.ByName(sCfg.KEM); err != nil {
		return fmt.Errorf("config: Server: KEM '%v' is invalid: %v", sCfg.KEM, err)
	}
	if _, err := channel.SuiteByName(sCfg.Cipher); err != nil {
		return fmt.Errorf("config: Server: Cipher '%v' is invalid, expected one of %v", sCfg.Cipher, channel.SuiteNames())
	}
	if sCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Session is the session key lifetime configuration.
type Session struct {
	// RotationInterval is the session key lifetime in milliseconds.
	RotationInterval int

	// ReapInterval is the interval between sweeps for expired sessions in
	// milliseconds.
	ReapInterval int
}

func (sCfg *Session) applyDefaults() {
	if sCfg.RotationInterval <= 0 {
		sCfg.RotationInterval = defaultRotationInterval
	}
	if sCfg.ReapInterval <= 0 {
		sCfg.ReapInterval = defaultReapInterval
	}
}

// Protocol is the request/response protocol configuration.
type Protocol struct {
	// MaxFrameSize bounds the frame length prefix in bytes.
	MaxFrameSize int

	// DefaultSourceLanguage is used for requests without source_lang.
	DefaultSourceLanguage string

	// DefaultTargetLanguage is used for requests without target_lang.
	DefaultTargetLanguage string

	// SupportedLanguagePairs restricts requests to the listed "src:dst"
	// pairs, any pair is accepted if empty.
	SupportedLanguagePairs []string
}

func (pCfg *Protocol) applyDefaults() {
	if pCfg.MaxFrameSize <= 0 {
		pCfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if pCfg.DefaultSourceLanguage == "" {
		pCfg.DefaultSourceLanguage = proto.DefaultSourceLanguage
	}
	if pCfg.DefaultTargetLanguage == "" {
		pCfg.DefaultTargetLanguage = proto.DefaultTargetLanguage
	}
}

func (pCfg *Protocol) validate() error {
	if pCfg.MaxFrameSize < wire.MinFrameLength {
		return fmt.Errorf("config: Protocol: MaxFrameSize %d is smaller than %d", pCfg.MaxFrameSize, wire.MinFrameLength)
	}
	for _, l := range []*string{&pCfg.DefaultSourceLanguage, &pCfg.DefaultTargetLanguage} {
		tag, err := language.Parse(*l)
		if err != nil {
			return fmt.Errorf("config: Protocol: language '%v' is invalid: %v", *l, err)
		}
		*l = tag.String()
	}
	for i, v := range pCfg.SupportedLanguagePairs {
		pair, err := proto.ParseLanguagePair(v)
		if err != nil {
			return fmt.Errorf("config: Protocol: %v", err)
		}
		pCfg.SupportedLanguagePairs[i] = pair.String()
	}
	return nil
}

// Pairs returns the parsed SupportedLanguagePairs.  It must only be called
// on a validated configuration.
func (pCfg *Protocol) Pairs() []proto.LanguagePair {
	pairs := make([]proto.LanguagePair, 0, len(pCfg.SupportedLanguagePairs))
	for _, v := range pCfg.SupportedLanguagePairs {
		pair, _ := proto.ParseLanguagePair(v)
		pairs = append(pairs, pair)
	}
	return pairs
}

// Backend is the processing backend configuration.
type Backend struct {
	// Kind selects the backend, "stub" or "http".
	Kind string

	// Endpoint is the URL the http backend posts requests to.
	Endpoint string

	// Model is passed to the http backend and names it in responses.
	Model string

	// Timeout bounds each backend call in milliseconds.
	Timeout int
}

func (bCfg *Backend) applyDefaults() {
	if bCfg.Kind == "" {
		bCfg.Kind = backend.KindStub
	}
	bCfg.Kind = strings.ToLower(bCfg.Kind)
	if bCfg.Timeout <= 0 {
		bCfg.Timeout = defaultBackendTimeout
	}
}

func (bCfg *Backend) validate() error {
	switch bCfg.Kind {
	case backend.KindStub:
	case backend.KindHTTP:
		if bCfg.Endpoint == "" {
			return errors.New("config: Backend: Endpoint is required for the http backend")
		}
	default:
		return fmt.Errorf("config: Backend: Kind '%v' is invalid", bCfg.Kind)
	}
	return nil
}

// Discovery is the local network advertisement configuration.
type Discovery struct {
	// Disable disables advertising the server.
	Disable bool

	// ServiceType is the DNS-SD service type.
	ServiceType string

	// InstancePrefix is prepended to the host name to form the instance
	// name.
	InstancePrefix string

	// Domain is the multicast DNS domain.
	Domain string
}

func (dCfg *Discovery) applyDefaults() {
	if dCfg.ServiceType == "" {
		dCfg.ServiceType = discovery.DefaultServiceType
	}
	if dCfg.InstancePrefix == "" {
		dCfg.InstancePrefix = defaultInstancePrefix
	}
	if dCfg.Domain == "" {
		dCfg.Domain = discovery.DefaultDomain
	}
}

func (dCfg *Discovery) validate() error {
	if dCfg.Disable {
		return nil
	}
	if err := discovery.ValidateServiceType(dCfg.ServiceType); err != nil {
		return fmt.Errorf("config: Discovery: %v", err)
	}
	return nil
}

// Logging is the polyglot server logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Debug is the polyglot server debug configuration.
type Debug struct {
	// HandshakeTimeout specifies the maximum time a connection can take for
	// the session key exchange in milliseconds.
	HandshakeTimeout int

	// FrameTimeout specifies the maximum time to receive a complete request
	// frame in milliseconds.
	FrameTimeout int

	// AcceptRatePerSecond is the sustained rate of connections accepted
	// from a single remote IP.
	AcceptRatePerSecond float64

	// AcceptBurst is the number of connections a single remote IP may open
	// in a burst.
	AcceptBurst int

	// DisableRateLimit disables the per-IP accept rate limiter.  This
	// option should only be used for testing.
	DisableRateLimit bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.HandshakeTimeout <= 0 {
		dCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if dCfg.FrameTimeout <= 0 {
		dCfg.FrameTimeout = defaultFrameTimeout
	}
	if dCfg.AcceptRatePerSecond <= 0 {
		dCfg.AcceptRatePerSecond = defaultAcceptRatePerSecond
	}
	if dCfg.AcceptBurst <= 0 {
		dCfg.AcceptBurst = defaultAcceptBurst
	}
}

// Config is the top level polyglot server configuration.
type Config struct {
	Server    *Server
	Session   *Session
	Protocol  *Protocol
	Backend   *Backend
	Discovery *Discovery
	Logging   *Logging

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Session == nil {
		cfg.Session = &Session{}
	}
	if cfg.Protocol == nil {
		cfg.Protocol = &Protocol{}
	}
	if cfg.Backend == nil {
		cfg.Backend = &Backend{}
	}
	if cfg.Discovery == nil {
		cfg.Discovery = &Discovery{}
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Server.applyDefaults()
	cfg.Session.applyDefaults()
	cfg.Protocol.applyDefaults()
	cfg.Backend.applyDefaults()
	cfg.Discovery.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Protocol.validate(); err != nil {
		return err
	}
	if err := cfg.Backend.validate(); err != nil {
		return err
	}
	if err := cfg.Discovery.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}

	var err error
	cfg.Server.Identifier, err = idna.Lookup.ToASCII(cfg.Server.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}
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
