// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/polyglot/client"
	"github.com/katzenpost/polyglot/common"
	"github.com/katzenpost/polyglot/core/log"
	"github.com/katzenpost/polyglot/core/proto"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile     string
	Server         string
	Discover       bool
	SourceLanguage string
	TargetLanguage string
	Timeout        int
	LogLevel       string
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "polyglot-client [text]",
		Short: "Send a translation request to a polyglot server",
		Long: `Send one translation request to a polyglot server and print the result.

The text is taken from the arguments, or from standard input when none
are given.  The server is taken from the configuration file, the --server
flag, or found on the local network with --discover.`,
		Example: `  # Translate with an explicit server
  polyglot-client -s tcp://192.0.2.10:8888 Hej verden

  # Find a server on the local network
  echo "Hej verden" | polyglot-client --discover --to en

  # Use a configuration file with a result cache
  polyglot-client -c client.toml --from da --to en "Godmorgen"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, cfg, args)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "c", "", "client configuration file")
	cmd.Flags().StringVarP(&cfg.Server, "server", "s", "", "server address URL, tcp://host:port or quic://host:port")
	cmd.Flags().BoolVarP(&cfg.Discover, "discover", "d", false, "find a server on the local network")
	cmd.Flags().StringVar(&cfg.SourceLanguage, "from", "", "source language, the server default if empty")
	cmd.Flags().StringVar(&cfg.TargetLanguage, "to", "", "target language, the server default if empty")
	cmd.Flags().IntVarP(&cfg.Timeout, "timeout", "t", 0, "request timeout in seconds, 30 if unset")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "", "logging level (DEBUG, INFO, NOTICE, WARNING, ERROR)")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func loadConfig(cfg Config) (*client.Config, error) {
	clientCfg := &client.Config{}
	if cfg.ConfigFile != "" {
		var err error
		if clientCfg, err = client.LoadFile(cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
		}
	}
	if cfg.Server != "" {
		clientCfg.Server = cfg.Server
	}
	if cfg.Discover {
		if clientCfg.Discovery == nil {
			clientCfg.Discovery = &client.Discovery{}
		}
		clientCfg.Discovery.Enable = true
	}
	if cfg.Timeout > 0 {
		clientCfg.RequestTimeout = cfg.Timeout * 1000
	}
	if clientCfg.Server == "" && (clientCfg.Discovery == nil || !clientCfg.Discovery.Enable) {
		return nil, errors.New("required flag \"server\" not set, or use --discover")
	}
	if cfg.LogLevel != "" {
		if clientCfg.Logging == nil {
			clientCfg.Logging = &client.Logging{}
		}
		clientCfg.Logging.Level = cfg.LogLevel
	}
	return clientCfg, nil
}

func runClient(cmd *cobra.Command, cfg Config, args []string) error {
	clientCfg, err := loadConfig(cfg)
	if err != nil {
		return err
	}

	text := strings.Join(args, " ")
	if text == "" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		text = strings.TrimSpace(string(b))
	}
	if text == "" {
		return errors.New("nothing to translate")
	}

	var logBackend *log.Backend
	if clientCfg.Logging != nil && clientCfg.Logging.Level != "" {
		if logBackend, err = log.New(clientCfg.Logging.File, clientCfg.Logging.Level, clientCfg.Logging.Disable); err != nil {
			return err
		}
	}
	c, err := client.New(clientCfg, logBackend)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(clientCfg.RequestTimeout)*time.Millisecond)
	defer cancel()
	resp, err := c.Translate(ctx, &proto.Request{
		Text:           text,
		SourceLanguage: cfg.SourceLanguage,
		TargetLanguage: cfg.TargetLanguage,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, resp.ResultText)
	if resp.BackendID == proto.FallbackBackendID {
		fmt.Fprintln(os.Stderr, "warning: the server could not process the text, it was returned unchanged")
	}
	return nil
}
