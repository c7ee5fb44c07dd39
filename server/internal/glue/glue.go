// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"github.com/katzenpost/polyglot/backend"
	"github.com/katzenpost/polyglot/core/log"
	"github.com/katzenpost/polyglot/core/session"
	"github.com/katzenpost/polyglot/core/wire/channel"
	"github.com/katzenpost/polyglot/core/wire/kex"
	"github.com/katzenpost/polyglot/server/config"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend

	Mechanism() kex.Mechanism
	Channel() *channel.Channel
	Registry() *session.Registry
	Backend() backend.Backend
}

// Listener is a running listener.
type Listener interface {
	Halt()
	Addr() string
	ConnCount() int
}
