// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build pyroscope
// +build pyroscope

// Package profiling ships continuous profiles to a Pyroscope server when
// built with the pyroscope tag.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start initializes Pyroscope profiling from PYROSCOPE_SERVER_ADDRESS,
// tagging profiles with the server identifier.
func Start(identifier string, log *logging.Logger) (func() error, error) {
	serverAddress := os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	if serverAddress == "" {
		return nil, errors.New("profiling: PYROSCOPE_SERVER_ADDRESS is not set")
	}
	appName := os.Getenv("PYROSCOPE_APP_NAME")
	if appName == "" {
		appName = "polyglot-server"
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"identifier": identifier,
		},
	})
	if err != nil {
		return nil, err
	}
	log.Noticef("Pyroscope profiling to %s as %s.", serverAddress, appName)
	return p.Stop, nil
}
