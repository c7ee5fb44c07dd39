// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the polyglot client.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/util"

	"github.com/katzenpost/polyglot/client/cache"
	"github.com/katzenpost/polyglot/core/log"
	"github.com/katzenpost/polyglot/core/proto"
	"github.com/katzenpost/polyglot/core/retry"
	"github.com/katzenpost/polyglot/core/transport"
	"github.com/katzenpost/polyglot/core/wire"
	"github.com/katzenpost/polyglot/core/wire/channel"
	"github.com/katzenpost/polyglot/core/wire/kex"
	"github.com/katzenpost/polyglot/discovery"
)

// ErrNoServer is returned when no server is configured or discovered.
var ErrNoServer = errors.New("client: no server found")

// Client sends requests to a server, one connection per request.
type Client struct {
	cfg *Config
	log *logging.Logger

	mech    kex.Mechanism
	channel *channel.Channel
	cache   *cache.Cache

	registrar discovery.Registrar
}

// Conn is an established session with a server.  It carries exactly one
// request and response.
type Conn struct {
	c       net.Conn
	ch      *channel.Channel
	key     []byte
	timeout time.Duration
}

// New creates a new Client.  logBackend may be nil, in which case nothing
// is logged.
func New(cfg *Config, logBackend *log.Backend) (*Client, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	if logBackend == nil {
		var err error
		if logBackend, err = log.New("", cfg.Logging.Level, true); err != nil {
			return nil, err
		}
	}

	c := &Client{
		cfg: cfg,
		log: logBackend.GetLogger("client"),
	}
	var err error
	if c.mech, err = kex.ByName(cfg.KEM); err != nil {
		return nil, err
	}
	c.channel, err = channel.New(&channel.Config{
		Suite:        cfg.Cipher,
		MaxFrameSize: cfg.MaxFrameSize,
	})
	if err != nil {
		return nil, err
	}
	if !cfg.Cache.Disable {
		c.cache, err = cache.Open(&cache.Config{
			Path:   cfg.Cache.Path,
			MaxAge: time.Duration(cfg.Cache.MaxAge) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("client: failed to open cache: %v", err)
		}
	}
	return c, nil
}

// Close releases the cache.
func (c *Client) Close() error {
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}

// Dial connects to addr and runs the key exchange.
func (c *Client) Dial(ctx context.Context, addr string) (*Conn, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	i, err := kex.NewInitiator(&kex.Config{
		Mechanism: c.mech,
		Timeout:   time.Duration(c.cfg.HandshakeTimeout) * time.Millisecond,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Abort the handshake if ctx goes away first.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	key, err := i.Handshake(conn)
	stop()
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.log.Debugf("Session established with %v.", addr)
	return &Conn{
		c:       conn,
		ch:      c.channel,
		key:     key,
		timeout: time.Duration(c.cfg.RequestTimeout) * time.Millisecond,
	}, nil
}

// RoundTrip seals req, sends it and returns the opened response.  The
// connection is closed on return.  An error response is returned along
// with an error wrapping proto.ErrServerError.
func (cn *Conn) RoundTrip(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	defer cn.Close()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	b, err := req.Marshal()
	if err != nil {
		return nil, err
	}
	frame, err := cn.ch.SealFrame(cn.key, b)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(cn.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	cn.c.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { cn.c.SetDeadline(time.Now()) })
	defer stop()

	if err = cn.ch.WriteFrame(cn.c, frame); err != nil {
		return nil, err
	}
	frame, err = cn.ch.ReadFrame(cn.c)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if wire.IsTimeout(err) {
			return nil, &wire.FrameTimeoutError{Timeout: cn.timeout, UnderlyingError: err}
		}
		return nil, err
	}
	pt, err := cn.ch.OpenFrame(cn.key, frame)
	if err != nil {
		return nil, err
	}
	resp, err := proto.DecodeResponse(pt)
	if err != nil {
		return nil, err
	}
	return resp, resp.Err()
}

// Close closes the connection and wipes the session key.
func (cn *Conn) Close() error {
	util.ExplicitBzero(cn.key)
	return cn.c.Close()
}

// Translate sends req to the configured, or discovered, server.  Results
// are served from and stored in the cache when it is enabled.
func (c *Client) Translate(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if c.cache != nil && req.SourceLanguage != "" && req.TargetLanguage != "" {
		resp, err := c.cache.Get(req)
		if err != nil {
			c.log.Warningf("Cache lookup failed: %v", err)
		} else if resp != nil {
			c.log.Debugf("Cache hit.")
			return resp, nil
		}
	}

	addr, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.RequestTimeout)*time.Millisecond)
	defer cancel()
	var conn *Conn
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = c.cfg.DialAttempts
	err = retry.Do(ctx, policy, func(attempt int) error {
		if attempt > 0 {
			c.log.Debugf("Retrying %v, attempt %d.", addr, attempt+1)
		}
		var err error
		conn, err = c.Dial(ctx, addr)
		return err
	})
	if err != nil {
		return nil, err
	}
	resp, err := conn.RoundTrip(ctx, req)
	if err != nil {
		return resp, err
	}

	if c.cache != nil && req.SourceLanguage != "" && req.TargetLanguage != "" {
		if err := c.cache.Put(req, resp); err != nil {
			c.log.Warningf("Cache store failed: %v", err)
		}
	}
	return resp, nil
}

// Discover browses the local network for servers.
func (c *Client) Discover(ctx context.Context) ([]discovery.Entry, error) {
	if c.registrar == nil {
		c.registrar = &discovery.Zeroconf{}
	}
	dCfg := c.cfg.Discovery
	return discovery.Browse(ctx, c.registrar, dCfg.ServiceType, dCfg.Domain, time.Duration(dCfg.Timeout)*time.Millisecond)
}

func (c *Client) resolve(ctx context.Context) (string, error) {
	if c.cfg.Server != "" {
		return c.cfg.Server, nil
	}
	entries, err := c.Discover(ctx)
	if err != nil {
		return "", err
	}
	scheme := "tcp"
	if strings.HasSuffix(c.cfg.Discovery.ServiceType, "._udp") {
		scheme = "quic"
	}
	for _, e := range entries {
		if v := e.Properties[discovery.PropKEM]; v != "" && v != c.mech.Name() {
			c.log.Debugf("Skipping %v: KEM %v", e.Instance, v)
			continue
		}
		if v := e.Properties[discovery.PropEncryption]; v != "" && v != c.channel.Suite() {
			c.log.Debugf("Skipping %v: cipher %v", e.Instance, v)
			continue
		}
		addr, err := e.URL(scheme)
		if err != nil {
			continue
		}
		c.log.Noticef("Discovered %v at %v.", e.Instance, addr)
		return addr, nil
	}
	return "", ErrNoServer
}
