// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package incoming implements the incoming connection support.
package incoming

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/polyglot/core/transport"
	"github.com/katzenpost/polyglot/core/worker"
	"github.com/katzenpost/polyglot/server/internal/glue"
	"github.com/katzenpost/polyglot/server/internal/instrument"
)

const limiterPruneInterval = time.Minute

type listener struct {
	sync.Mutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	l       net.Listener
	addr    string
	conns   *list.List
	limiter *acceptLimiter

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

func (l *listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.l.Close()
	l.Worker.Halt()

	// Close all connections belonging to the listener.
	//
	// Note: Worst case this takes up to the handshake or frame timeout,
	// whichever a connection is currently blocked on.
	close(l.closeAllCh)
	l.closeAllWg.Wait()
}

// Addr returns the listener address as an address URL.
func (l *listener) Addr() string {
	return l.addr
}

// ConnCount returns the number of connections currently being served.
func (l *listener) ConnCount() int {
	l.Lock()
	defer l.Unlock()
	return l.conns.Len()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		select {
		case <-l.closeAllCh:
			return
		default:
		}
		conn, err := l.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if e, ok := err.(net.Error); ok && !e.Timeout() {
				l.log.Errorf("accept failure: %v", err)
				return
			}
			continue
		}

		if l.limiter != nil && !l.limiter.Allow(conn.RemoteAddr()) {
			l.log.Debugf("Rate limited connection: %v", conn.RemoteAddr())
			instrument.RateLimited()
			conn.Close()
			continue
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		instrument.Connection()

		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *listener) pruneLimiter() {
	if n := l.limiter.Prune(); n > 0 {
		l.log.Debugf("Pruned %d idle rate limiter bucket(s).", n)
	}
}

func (l *listener) onNewConn(conn net.Conn) {
	c := newIncomingConn(l, conn)

	l.closeAllWg.Add(1)
	l.Lock()
	defer func() {
		l.Unlock()
		go c.worker()
	}()
	c.e = l.conns.PushFront(c)
}

func (l *listener) onClosedConn(c *incomingConn) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(c.e)
}

// New creates a new listener.
func New(glue glue.Glue, id int, addr string) (glue.Listener, error) {
	l := &listener{
		glue:       glue,
		log:        glue.LogBackend().GetLogger(fmt.Sprintf("listener:%d", id)),
		conns:      list.New(),
		closeAllCh: make(chan interface{}),
	}

	scheme, _, err := transport.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if l.l, err = transport.Listen(addr); err != nil {
		l.log.Errorf("Failed to start listener '%v': %v", addr, err)
		return nil, err
	}
	l.addr = transport.URL(scheme, l.l.Addr())

	dCfg := glue.Config().Debug
	if !dCfg.DisableRateLimit {
		l.limiter = newAcceptLimiter(dCfg.AcceptRatePerSecond, dCfg.AcceptBurst)
		l.Every(limiterPruneInterval, l.pruneLimiter)
	}

	l.Go(l.worker)
	return l, nil
}
