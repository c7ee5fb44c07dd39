// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package server provides the polyglot server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/polyglot/backend"
	"github.com/katzenpost/polyglot/core/log"
	"github.com/katzenpost/polyglot/core/session"
	"github.com/katzenpost/polyglot/core/transport"
	"github.com/katzenpost/polyglot/core/wire"
	"github.com/katzenpost/polyglot/core/wire/channel"
	"github.com/katzenpost/polyglot/core/wire/kex"
	"github.com/katzenpost/polyglot/discovery"
	"github.com/katzenpost/polyglot/server/config"
	"github.com/katzenpost/polyglot/server/internal/glue"
	"github.com/katzenpost/polyglot/server/internal/incoming"
	"github.com/katzenpost/polyglot/server/internal/instrument"
	"github.com/katzenpost/polyglot/server/internal/profiling"
)

const publishTimeout = 5 * time.Second

// Server is a polyglot server instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	mech     kex.Mechanism
	channel  *channel.Channel
	registry *session.Registry
	reaper   *session.Reaper
	backend  backend.Backend

	listeners []glue.Listener

	registrar  discovery.Registrar
	advertiser *discovery.Advertiser
	records    []*discovery.ServiceRecord

	metrics       *http.Server
	stopProfiling func() error

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) Mechanism() kex.Mechanism {
	return g.s.mech
}

func (g *serverGlue) Channel() *channel.Channel {
	return g.s.channel
}

func (g *serverGlue) Registry() *session.Registry {
	return g.s.registry
}

func (g *serverGlue) Backend() backend.Backend {
	return g.s.backend
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// Listeners returns the address URLs the server is listening on.
func (s *Server) Listeners() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		if l != nil {
			addrs = append(addrs, l.Addr())
		}
	}
	return addrs
}

// RotateLog reopens the log file.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
	s.log.Notice("Log rotated.")
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	// Withdraw the advertisements first so clients stop finding us.
	if s.advertiser != nil {
		for _, rec := range s.records {
			s.advertiser.Unpublish(rec)
		}
		s.advertiser.Close()
		s.advertiser = nil
	}

	// Stop the listener(s), close all incoming connections.
	for i, l := range s.listeners {
		if l != nil {
			l.Halt() // Closes all connections.
			s.listeners[i] = nil
		}
	}

	if s.reaper != nil {
		s.reaper.Halt()
		s.reaper = nil
	}
	if s.registry != nil {
		n := s.registry.Reap(time.Now().Add(s.registry.RotationInterval()))
		s.log.Debugf("Expired %d session(s) on shutdown.", n)
		instrument.Sessions(s.registry.Len())
	}

	if s.metrics != nil {
		s.metrics.Close()
		s.metrics = nil
	}
	if s.stopProfiling != nil {
		if err := s.stopProfiling(); err != nil {
			s.log.Warningf("Failed to stop profiling: %v", err)
		}
		s.stopProfiling = nil
	}

	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

func (s *Server) advertise() {
	dCfg := s.cfg.Discovery
	if dCfg.Disable {
		return
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = s.cfg.Server.Identifier
	}
	instance, err := discovery.InstanceName(dCfg.InstancePrefix, dCfg.ServiceType, hostname)
	if err != nil {
		s.log.Warningf("Not advertising: %v", err)
		return
	}

	if s.registrar == nil {
		s.registrar = &discovery.Zeroconf{}
	}
	s.advertiser = discovery.NewAdvertiser(s.registrar, s.logBackend.GetLogger("discovery"))

	for _, addr := range s.Listeners() {
		rec, err := s.serviceRecord(instance, addr)
		if err != nil {
			s.log.Debugf("Not advertising %v: %v", addr, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = s.advertiser.Publish(ctx, rec)
		cancel()
		if err != nil {
			// Discovery is best effort, clients can still be pointed at
			// the listener directly.
			s.log.Warningf("Failed to advertise %v: %v", addr, err)
			continue
		}
		s.records = append(s.records, rec)

		// One record per instance name.
		break
	}
}

func (s *Server) serviceRecord(instance, addr string) (*discovery.ServiceRecord, error) {
	scheme, hostport, err := transport.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	_, proto, _ := strings.Cut(s.cfg.Discovery.ServiceType, ".")
	switch {
	case proto == "_tcp" && strings.HasPrefix(scheme, "tcp"):
	case proto == "_udp" && scheme == "quic":
	default:
		return nil, fmt.Errorf("scheme %v does not match service type %v", scheme, s.cfg.Discovery.ServiceType)
	}
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return nil, err
	}

	rec := &discovery.ServiceRecord{
		ServiceType:  s.cfg.Discovery.ServiceType,
		InstanceName: instance,
		Domain:       s.cfg.Discovery.Domain,
		Port:         port,
		Properties:   s.properties(),
	}
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		rec.Host = s.cfg.Server.Identifier
		rec.Addresses = []string{ip.String()}
	}
	return rec, nil
}

func (s *Server) properties() map[string]string {
	pCfg := s.cfg.Protocol
	languages := pCfg.SupportedLanguagePairs
	if len(languages) == 0 {
		languages = []string{pCfg.DefaultSourceLanguage + ":" + pCfg.DefaultTargetLanguage}
	}
	return map[string]string{
		discovery.PropVersion:    strconv.Itoa(int(wire.ProtocolVersion)),
		discovery.PropEncryption: s.channel.Suite(),
		discovery.PropKEM:        s.mech.Name(),
		discovery.PropLanguages:  strings.Join(languages, ","),
	}
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	return newServer(cfg, nil, nil)
}

func newServer(cfg *config.Config, registrar discovery.Registrar, b backend.Backend) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: nil config")
	}
	s := &Server{
		cfg:        cfg,
		registrar:  registrar,
		backend:    b,
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if s.cfg.Debug.DisableRateLimit {
		s.log.Warning("Unsafe Debug configuration options are set.")
	}
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)

	var err error
	if s.mech, err = kex.ByName(s.cfg.Server.KEM); err != nil {
		s.log.Errorf("Failed to initialize KEM: %v", err)
		return nil, err
	}
	s.channel, err = channel.New(&channel.Config{
		Suite:        s.cfg.Server.Cipher,
		MaxFrameSize: s.cfg.Protocol.MaxFrameSize,
	})
	if err != nil {
		s.log.Errorf("Failed to initialize channel: %v", err)
		return nil, err
	}
	s.log.Noticef("Session key exchange: %v, frame cipher: %v.", s.mech.Name(), s.channel.Suite())

	if s.backend == nil {
		s.backend, err = backend.New(&backend.Config{
			Kind:     s.cfg.Backend.Kind,
			Endpoint: s.cfg.Backend.Endpoint,
			Model:    s.cfg.Backend.Model,
			Timeout:  time.Duration(s.cfg.Backend.Timeout) * time.Millisecond,
		})
		if err != nil {
			s.log.Errorf("Failed to initialize backend: %v", err)
			return nil, err
		}
	}
	if s.backend.ID() == backend.KindStub {
		s.log.Warning("Using the stub backend, responses are not real translations.")
	}
	s.log.Noticef("Processing backend is: '%v'", s.backend.ID())

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		// Something failed in bringing the server up, past the point where
		// files are open etc, clean up the partially constructed instance.
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			// Graceful termination.
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	if s.cfg.Server.MetricsAddress != "" {
		if s.metrics, err = instrument.StartPrometheusListener(s.cfg.Server.MetricsAddress, s.logBackend.GetLogger("metrics")); err != nil {
			s.log.Errorf("Failed to start metrics listener: %v", err)
			return nil, err
		}
	}
	if s.stopProfiling, err = profiling.Start(s.cfg.Server.Identifier, s.log); err != nil {
		s.log.Warningf("Profiling disabled: %v", err)
	}

	s.registry = session.NewRegistry(&session.Config{
		RotationInterval: time.Duration(s.cfg.Session.RotationInterval) * time.Millisecond,
	})
	s.reaper = session.NewReaper(s.registry,
		time.Duration(s.cfg.Session.ReapInterval)*time.Millisecond,
		s.logBackend.GetLogger("reaper"),
		func(n int) {
			instrument.SessionsReaped(n)
			instrument.Sessions(s.registry.Len())
		})

	// Bring the listener(s) online.
	goo := &serverGlue{s}
	s.listeners = make([]glue.Listener, 0, len(s.cfg.Server.Addresses))
	for i, addr := range s.cfg.Server.Addresses {
		l, err := incoming.New(goo, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	s.advertise()

	isOk = true
	return s, nil
}
