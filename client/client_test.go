// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/polyglot/core/proto"
	"github.com/katzenpost/polyglot/core/retry"
	"github.com/katzenpost/polyglot/core/transport"
	"github.com/katzenpost/polyglot/core/wire/channel"
	"github.com/katzenpost/polyglot/discovery"
	"github.com/katzenpost/polyglot/server"
	"github.com/katzenpost/polyglot/server/config"
)

func startServer(t *testing.T) string {
	cfg := &config.Config{
		Server: &config.Server{
			Identifier: "polyglot.test",
			Addresses:  []string{"tcp://127.0.0.1:0"},
			DataDir:    filepath.Join(t.TempDir(), "data"),
		},
		Discovery: &config.Discovery{Disable: true},
		Logging:   &config.Logging{Disable: true},
		Debug:     &config.Debug{DisableRateLimit: true},
	}
	require.NoError(t, cfg.FixupAndValidate())
	s, err := server.New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s.Listeners()[0]
}

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`Server = "tcp://127.0.0.1:8888"`))
	require.NoError(err)
	require.Equal("xwing", cfg.KEM)
	require.Equal(channel.SuiteChaCha20Poly1305, cfg.Cipher)
	require.Equal(defaultRequestTimeout, cfg.RequestTimeout)
	require.Equal(retry.DefaultMaxAttempts, cfg.DialAttempts)
	require.True(cfg.Cache.Disable)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal(discovery.DefaultServiceType, cfg.Discovery.ServiceType)
}

func TestConfigInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"no server":     ``,
		"bad server":    `Server = "http://example.org"`,
		"bad kem":       "Server = \"tcp://127.0.0.1:1\"\nKEM = \"nope\"",
		"bad cipher":    "Server = \"tcp://127.0.0.1:1\"\nCipher = \"rot13\"",
		"unknown key":   "Server = \"tcp://127.0.0.1:1\"\nBogus = 1",
		"cache no path": "Server = \"tcp://127.0.0.1:1\"\n[Cache]\nDisable = false",
		"bad service":   "[Discovery]\nEnable = true\nServiceType = \"polyglot\"",
		"bad level":     "Server = \"tcp://127.0.0.1:1\"\n[Logging]\nLevel = \"LOUD\"",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(body))
			require.Error(t, err)
		})
	}

	_, err := Load(nil)
	require.Error(t, err)
}

func TestConfigDiscoveryWithoutServer(t *testing.T) {
	cfg, err := Load([]byte("[Discovery]\nEnable = true"))
	require.NoError(t, err)
	require.Empty(t, cfg.Server)
}

func TestTranslate(t *testing.T) {
	require := require.New(t)

	c, err := New(&Config{Server: startServer(t)}, nil)
	require.NoError(err)
	defer c.Close()

	resp, err := c.Translate(context.Background(), &proto.Request{Text: "Hej", SourceLanguage: "da", TargetLanguage: "en"})
	require.NoError(err)
	require.Equal("[STUB DA->EN] Hej", resp.ResultText)

	// Rejected locally, never sent.
	_, err = c.Translate(context.Background(), &proto.Request{})
	require.Error(err)
}

func TestDialAndRoundTrip(t *testing.T) {
	require := require.New(t)

	c, err := New(&Config{Server: startServer(t)}, nil)
	require.NoError(err)
	defer c.Close()

	conn, err := c.Dial(context.Background(), c.cfg.Server)
	require.NoError(err)
	resp, err := conn.RoundTrip(context.Background(), &proto.Request{Text: "Hej", SourceLanguage: "sv", TargetLanguage: "de"})
	require.NoError(err)
	require.Equal("[STUB SV->DE] Hej", resp.ResultText)

	// One request per connection.
	_, err = conn.RoundTrip(context.Background(), &proto.Request{Text: "Hej"})
	require.Error(err)
}

func TestDialCanceled(t *testing.T) {
	require := require.New(t)

	// A listener that accepts and never answers.
	l, err := transport.Listen("tcp://127.0.0.1:0")
	require.NoError(err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c, err := New(&Config{Server: transport.URL("tcp", l.Addr())}, nil)
	require.NoError(err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.Dial(ctx, c.cfg.Server)
	require.Error(err)
	require.Less(time.Since(start), 4*time.Second)
}

func TestCache(t *testing.T) {
	require := require.New(t)

	addr := startServer(t)
	c, err := New(&Config{
		Server: addr,
		Cache:  &Cache{Path: filepath.Join(t.TempDir(), "cache.db")},
	}, nil)
	require.NoError(err)
	defer c.Close()

	req := &proto.Request{Text: "Hej", SourceLanguage: "da", TargetLanguage: "en"}
	want, err := c.Translate(context.Background(), req)
	require.NoError(err)
	require.Equal(1, c.cache.Len())

	// Served from the cache even with the server unreachable.
	c.cfg.Server = "tcp://127.0.0.1:1"
	c.cfg.DialAttempts = 1
	resp, err := c.Translate(context.Background(), req)
	require.NoError(err)
	require.Equal(want, resp)
}

type countingRegistrar struct {
	*discovery.Memory
	browses int32
}

func (r *countingRegistrar) Browse(ctx context.Context, serviceType, domain string) ([]discovery.Entry, error) {
	atomic.AddInt32(&r.browses, 1)
	return r.Memory.Browse(ctx, serviceType, domain)
}

func TestDiscover(t *testing.T) {
	require := require.New(t)

	addr := startServer(t)
	_, hostport, err := transport.ParseAddress(addr)
	require.NoError(err)
	_, portStr, err := net.SplitHostPort(hostport)
	require.NoError(err)
	port, err := strconv.Atoi(portStr)
	require.NoError(err)

	reg := &countingRegistrar{Memory: discovery.NewMemory()}
	// A server speaking another KEM is skipped.
	_, err = reg.Register(&discovery.ServiceRecord{
		ServiceType:  discovery.DefaultServiceType,
		InstanceName: "Polyglot-aaa",
		Host:         "other.test",
		Addresses:    []string{"127.0.0.1"},
		Port:         1,
		Properties:   map[string]string{discovery.PropKEM: "MLKEM768"},
	})
	require.NoError(err)
	_, err = reg.Register(&discovery.ServiceRecord{
		ServiceType:  discovery.DefaultServiceType,
		InstanceName: "Polyglot-bbb",
		Host:         "polyglot.test",
		Addresses:    []string{"127.0.0.1"},
		Port:         port,
	})
	require.NoError(err)

	c, err := New(&Config{Discovery: &Discovery{Enable: true}}, nil)
	require.NoError(err)
	defer c.Close()
	c.registrar = reg

	resp, err := c.Translate(context.Background(), &proto.Request{Text: "Hej"})
	require.NoError(err)
	require.Equal("[STUB DA->EN] Hej", resp.ResultText)
	require.Equal(int32(1), atomic.LoadInt32(&reg.browses))
}

func TestDiscoverNothing(t *testing.T) {
	c, err := New(&Config{Discovery: &Discovery{Enable: true}}, nil)
	require.NoError(t, err)
	defer c.Close()
	c.registrar = discovery.NewMemory()

	_, err = c.Translate(context.Background(), &proto.Request{Text: "Hej"})
	require.ErrorIs(t, err, ErrNoServer)
}

func TestUnreachableServer(t *testing.T) {
	require := require.New(t)

	c, err := New(&Config{Server: "tcp://127.0.0.1:1", DialAttempts: 2}, nil)
	require.NoError(err)
	defer c.Close()

	_, err = c.Translate(context.Background(), &proto.Request{Text: "Hej"})
	require.Error(err)
	require.True(retry.IsTransient(err))
}
