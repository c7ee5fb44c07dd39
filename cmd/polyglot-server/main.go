// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/polyglot/common"
	"github.com/katzenpost/polyglot/server"
	"github.com/katzenpost/polyglot/server/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile   string
	ValidateOnly bool
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "polyglot-server",
		Short: "KEM secured translation server",
		Long: `The polyglot server answers translation requests over an encrypted
channel.  Every connection runs an ephemeral post quantum key exchange,
carries one sealed request and one sealed response, and is then closed.

The server advertises itself on the local network with multicast DNS
service discovery unless disabled in the configuration.`,
		Example: `  # Start the server
  polyglot-server -f /etc/polyglot/server.toml

  # Check a configuration file and exit
  polyglot-server -f /etc/polyglot/server.toml --validate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "polyglot.toml",
		"path to the server configuration file (TOML format)")
	cmd.Flags().BoolVar(&cfg.ValidateOnly, "validate-only", false,
		"validate the configuration file and exit")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func runServer(cfg Config) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.ValidateOnly {
		return nil
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the server.
	svr, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}
