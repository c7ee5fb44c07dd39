// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "no Load() with nil config")
	require.EqualError(err, "No nil buffer as config file")

	basicConfig := `# A basic configuration example.
[Server]
Identifier = "translate.example.com"
Addresses = [ "tcp://127.0.0.1:8888", "quic://[::1]:8888" ]
DataDir = "%s"
KEM = "MLKEM768"
Cipher = "AES-256-GCM"
MetricsAddress = "127.0.0.1:6543"

[Session]
RotationInterval = 60000

[Protocol]
SupportedLanguagePairs = [ "da:en", "pt-br:EN" ]

[Backend]
Kind = "HTTP"
Endpoint = "http://127.0.0.1:5000/translate"
Model = "nllb-200"

[Discovery]
InstancePrefix = "EMMA-Translate"

[Logging]
Level = "debug"
`

	cfg, err := Load([]byte(fmt.Sprintf(basicConfig, os.TempDir())))
	require.NoError(err, "Load() with basic config")

	require.Equal("MLKEM768", cfg.Server.KEM)
	require.Equal(60000, cfg.Session.RotationInterval)
	require.Equal(defaultReapInterval, cfg.Session.ReapInterval)
	require.Equal([]string{"da:en", "pt-BR:en"}, cfg.Protocol.SupportedLanguagePairs)
	require.Len(cfg.Protocol.Pairs(), 2)
	require.Equal("da", cfg.Protocol.DefaultSourceLanguage)
	require.Equal("en", cfg.Protocol.DefaultTargetLanguage)
	require.Equal("http", cfg.Backend.Kind)
	require.Equal(defaultBackendTimeout, cfg.Backend.Timeout)
	require.Equal("_polyglot._tcp", cfg.Discovery.ServiceType)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(defaultHandshakeTimeout, cfg.Debug.HandshakeTimeout)
	require.Equal(float64(defaultAcceptRatePerSecond), cfg.Debug.AcceptRatePerSecond)
}

func TestMinimalConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
[Server]
Identifier = "bücher.example"
DataDir = "/var/lib/polyglot"
`))
	require.NoError(err)
	require.Equal("xn--bcher-kva.example", cfg.Server.Identifier)
	require.Equal([]string{defaultAddress}, cfg.Server.Addresses)
	require.Equal("xwing", cfg.Server.KEM)
	require.Equal("chacha20poly1305", cfg.Server.Cipher)
	require.Equal("stub", cfg.Backend.Kind)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Empty(cfg.Protocol.SupportedLanguagePairs)
}

func TestIncompleteConfig(t *testing.T) {
	const noServer = `
[Logging]
Level = "DEBUG"
`
	_, err := Load([]byte(noServer))
	require.EqualError(t, err, "config: No Server block was present")
}

func TestInvalidConfigs(t *testing.T) {
	const server = `
[Server]
Identifier = "translate.example.com"
DataDir = "/var/lib/polyglot"
`
	cases := map[string]string{
		"relative datadir": `
[Server]
Identifier = "translate.example.com"
DataDir = "polyglot"
`,
		"no identifier": `
[Server]
DataDir = "/var/lib/polyglot"
`,
		"bad address": `
[Server]
Identifier = "translate.example.com"
DataDir = "/var/lib/polyglot"
Addresses = [ "udp://127.0.0.1:1" ]
`,
		"unknown kem": `
[Server]
Identifier = "translate.example.com"
DataDir = "/var/lib/polyglot"
KEM = "rot13"
`,
		"unknown cipher": `
[Server]
Identifier = "translate.example.com"
DataDir = "/var/lib/polyglot"
Cipher = "des"
`,
		"bad metrics": `
[Server]
Identifier = "translate.example.com"
DataDir = "/var/lib/polyglot"
MetricsAddress = "localhost"
`,
		"tiny frames":     server + "[Protocol]\nMaxFrameSize = 8\n",
		"bad pair":        server + "[Protocol]\nSupportedLanguagePairs = [ \"da-en\" ]\n",
		"bad language":    server + "[Protocol]\nDefaultSourceLanguage = \"not a tag\"\n",
		"http endpoint":   server + "[Backend]\nKind = \"http\"\n",
		"unknown backend": server + "[Backend]\nKind = \"oracle\"\n",
		"service type":    server + "[Discovery]\nServiceType = \"polyglot\"\n",
		"log level":       server + "[Logging]\nLevel = \"LOUD\"\n",
		"unknown key":     server + "Colour = \"blue\"\n",
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(c))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "polyglot.toml")
	require.NoError(os.WriteFile(f, []byte(`
[Server]
Identifier = "translate.example.com"
DataDir = "/var/lib/polyglot"
[Discovery]
Disable = true
`), 0600))
	cfg, err := LoadFile(f)
	require.NoError(err)
	require.True(cfg.Discovery.Disable)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(err)
}
