// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/util"

	"github.com/katzenpost/polyglot/backend"
	"github.com/katzenpost/polyglot/core/proto"
	"github.com/katzenpost/polyglot/core/session"
	"github.com/katzenpost/polyglot/core/wire"
	"github.com/katzenpost/polyglot/core/wire/channel"
	"github.com/katzenpost/polyglot/core/wire/kex"
	"github.com/katzenpost/polyglot/server/internal/instrument"
)

var incomingConnID uint64

// errResponseTooLarge answers requests whose result does not fit in a frame.
var errResponseTooLarge = &wire.InvalidRequestError{
	Field:   "text",
	Message: "response exceeds maximum frame size",
}

type incomingConn struct {
	l   *listener
	log *logging.Logger

	c  net.Conn
	e  *list.Element
	id uint64

	sessionID string
}

func (c *incomingConn) worker() {
	doneCh := make(chan struct{})
	defer func() {
		close(doneCh)
		c.log.Debugf("Closing.")
		c.c.Close()
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	// Unblock whatever I/O is in flight when the listener goes away.
	go func() {
		select {
		case <-c.l.closeAllCh:
			c.c.Close()
		case <-doneCh:
		}
	}()

	cfg := c.l.glue.Config()
	handshakeTimeout := time.Duration(cfg.Debug.HandshakeTimeout) * time.Millisecond
	r, err := kex.NewResponder(&kex.Config{
		Mechanism: c.l.glue.Mechanism(),
		Timeout:   handshakeTimeout,
	})
	if err != nil {
		c.log.Errorf("Failed to allocate handshake: %v", err)
		return
	}
	key, err := r.Handshake(c.c)
	if err != nil {
		c.log.Errorf("Handshake failed: %v", err)
		c.log.Debugf("%s", wire.GetVerboseError(err))
		instrument.HandshakeFailed(handshakeFailureReason(err))
		return
	}

	registry := c.l.glue.Registry()
	c.sessionID = session.NewID()
	_, err = registry.Register(c.sessionID, key, time.Now())
	util.ExplicitBzero(key)
	if err != nil {
		c.log.Errorf("Failed to register session: %v", err)
		return
	}
	defer func() {
		registry.Expire(c.sessionID)
		instrument.Sessions(registry.Len())
	}()
	instrument.Sessions(registry.Len())
	c.log.Debugf("Handshake completed, session %v.", c.sessionID)

	if err = c.serveRequest(); err != nil {
		c.log.Debugf("Request failed: %v", err)
	}
}

// serveRequest reads one request frame, processes it and writes exactly one
// response frame.  Failures that mean the peer does not hold the session key
// or is not speaking the protocol are returned without writing anything.
func (c *incomingConn) serveRequest() error {
	cfg := c.l.glue.Config()
	ch := c.l.glue.Channel()
	registry := c.l.glue.Registry()

	frameTimeout := time.Duration(cfg.Debug.FrameTimeout) * time.Millisecond
	c.c.SetReadDeadline(time.Now().Add(frameTimeout))
	frame, err := ch.ReadFrame(c.c)
	c.c.SetReadDeadline(time.Time{})
	if err != nil {
		if wire.IsTimeout(err) {
			err = &wire.FrameTimeoutError{Timeout: frameTimeout, UnderlyingError: err}
		}
		instrument.FrameError(frameErrorKind(err))
		return err
	}

	pt, err := registry.Open(c.sessionID, ch, frame)
	if err != nil {
		instrument.FrameError(frameErrorKind(err))
		return err
	}

	out, err := c.sealResponse(c.process(pt))
	if errors.Is(err, channel.ErrFrameTooLarge) {
		c.log.Debugf("Response does not fit in a frame, sending an error response.")
		instrument.Request("oversize")
		out, err = c.sealResponse(proto.ErrorResponse(errResponseTooLarge))
	}
	if err != nil {
		return err
	}
	return ch.WriteFrame(c.c, out)
}

func (c *incomingConn) sealResponse(resp *proto.Response) ([]byte, error) {
	b, err := resp.Marshal()
	if err != nil {
		return nil, err
	}
	return c.l.glue.Registry().Seal(c.sessionID, c.l.glue.Channel(), b)
}

func (c *incomingConn) process(pt []byte) *proto.Response {
	cfg := c.l.glue.Config()

	req, err := proto.DecodeRequest(pt)
	if err == nil {
		req.ApplyDefaults(cfg.Protocol.DefaultSourceLanguage, cfg.Protocol.DefaultTargetLanguage)
		err = c.checkPair(req)
	}
	if err != nil {
		c.log.Debugf("Invalid request: %v", err)
		instrument.Request("invalid")
		return proto.ErrorResponse(err)
	}

	b := c.l.glue.Backend()
	timeout := time.Duration(cfg.Backend.Timeout) * time.Millisecond
	ctx, cancel := c.l.HaltContext(context.Background())
	defer cancel()

	start := time.Now()
	result, confidence, err := backend.Process(ctx, b, timeout, req.Text, req.SourceLanguage, req.TargetLanguage)
	instrument.BackendLatency(b.ID(), time.Since(start))
	if err != nil {
		c.log.Warningf("Backend failed, falling back: %v", err)
		instrument.Request("fallback")
		return proto.FallbackResponse(req)
	}
	instrument.Request("ok")
	return &proto.Response{
		ResultText: result,
		Confidence: confidence,
		BackendID:  b.ID(),
	}
}

func (c *incomingConn) checkPair(req *proto.Request) error {
	pairs := c.l.glue.Config().Protocol.Pairs()
	if len(pairs) == 0 {
		return nil
	}
	want := req.Pair().Canonical()
	for _, p := range pairs {
		if p == want {
			return nil
		}
	}
	return &wire.InvalidRequestError{
		Field:   "target_lang",
		Message: fmt.Sprintf("unsupported language pair %v", want),
	}
}

func handshakeFailureReason(err error) string {
	switch {
	case wire.IsHandshakeTimeoutError(err):
		return "timeout"
	case errors.Is(err, kex.ErrMechanismUnavailable):
		return "mechanism"
	default:
		return "protocol"
	}
}

func frameErrorKind(err error) string {
	switch {
	case wire.IsFrameTimeoutError(err):
		return "timeout"
	case wire.IsMalformedFrameError(err):
		return "malformed"
	case wire.IsAuthenticationError(err):
		return "authentication"
	case wire.IsSessionExpiredError(err):
		return "expired"
	default:
		return "io"
	}
}

func newIncomingConn(l *listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:  l,
		c:  conn,
		id: atomic.AddUint64(&incomingConnID, 1), // Diagnostic only, wrapping is fine.
	}
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))

	c.log.Debugf("New incoming connection: %v", conn.RemoteAddr())

	// Note: This does not spawn the worker here, because the worker needs
	// to be spawned after the struct is added to the connection list.

	return c
}
