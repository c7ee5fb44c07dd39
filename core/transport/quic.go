// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/katzenpost/polyglot/core/worker"
)

const (
	// streamAcceptTimeout bounds the wait for a new connection's first
	// stream.
	streamAcceptTimeout = 10 * time.Second

	// lingerTimeout bounds how long a closed QUIC connection waits for the
	// peer to drain the stream before it is torn down.
	lingerTimeout = 10 * time.Second
)

var errListenerClosed = fmt.Errorf("transport: %w", net.ErrClosed)

// QuicConn is a single QUIC stream presented as a net.Conn.
type QuicConn struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
}

// NewQuicConn wraps a stream of conn.  Both must be non-nil.
func NewQuicConn(conn *quic.Conn, stream *quic.Stream) *QuicConn {
	if conn == nil {
		panic("transport: nil QUIC connection")
	}
	if stream == nil {
		panic("transport: nil QUIC stream")
	}
	return &QuicConn{conn: conn, stream: stream}
}

// Read implements net.Conn.
func (q *QuicConn) Read(b []byte) (int, error) {
	return q.stream.Read(b)
}

// Write implements net.Conn.
func (q *QuicConn) Write(b []byte) (int, error) {
	return q.stream.Write(b)
}

// Close closes the stream and tears the connection down once the peer has
// gone away or lingerTimeout passes.
func (q *QuicConn) Close() error {
	var err error
	q.closeOnce.Do(func() {
		err = q.stream.Close()
		go func() {
			select {
			case <-q.conn.Context().Done():
			case <-time.After(lingerTimeout):
			}
			q.conn.CloseWithError(0, "")
		}()
	})
	return err
}

// LocalAddr implements net.Conn.
func (q *QuicConn) LocalAddr() net.Addr {
	return q.conn.LocalAddr()
}

// RemoteAddr implements net.Conn.
func (q *QuicConn) RemoteAddr() net.Addr {
	return q.conn.RemoteAddr()
}

// SetDeadline implements net.Conn.
func (q *QuicConn) SetDeadline(t time.Time) error {
	return q.stream.SetDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (q *QuicConn) SetReadDeadline(t time.Time) error {
	return q.stream.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.
func (q *QuicConn) SetWriteDeadline(t time.Time) error {
	return q.stream.SetWriteDeadline(t)
}

// QuicListener is a net.Listener yielding the first stream of every
// accepted QUIC connection.
type QuicListener struct {
	worker.Worker

	l       *quic.Listener
	connCh  chan *QuicConn
	closeMu sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewQuicListener starts accepting on l.
func NewQuicListener(l *quic.Listener) *QuicListener {
	ql := &QuicListener{
		l:      l,
		connCh: make(chan *QuicConn),
	}
	ql.ctx, ql.cancel = ql.HaltContext(context.Background())
	ql.Go(ql.acceptWorker)
	return ql
}

func (ql *QuicListener) acceptWorker() {
	for {
		conn, err := ql.l.Accept(ql.ctx)
		if err != nil {
			return
		}
		ql.Go(func() {
			ctx, cancel := context.WithTimeout(ql.ctx, streamAcceptTimeout)
			defer cancel()
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				conn.CloseWithError(0, "")
				return
			}
			c := NewQuicConn(conn, stream)
			select {
			case ql.connCh <- c:
			case <-ql.HaltCh():
				c.Close()
			}
		})
	}
}

// Accept implements net.Listener.
func (ql *QuicListener) Accept() (net.Conn, error) {
	select {
	case c := <-ql.connCh:
		return c, nil
	case <-ql.HaltCh():
		return nil, errListenerClosed
	}
}

// Addr implements net.Listener.
func (ql *QuicListener) Addr() net.Addr {
	return ql.l.Addr()
}

// Close implements net.Listener.
func (ql *QuicListener) Close() error {
	var err error
	ql.closeMu.Do(func() {
		err = ql.l.Close()
		ql.cancel()
		ql.Halt()
	})
	return err
}

// GenerateTLSConfig returns a server TLS configuration with a fresh self
// signed certificate.  QUIC only carries the stream, confidentiality of
// payloads comes from the session key.
func GenerateTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	// A common ALPN keeps the hello from standing out.
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{http3.NextProtoH3}}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{http3.NextProtoH3},
	}
}

func dialQuic(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return NewQuicConn(conn, stream), nil
}
