// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/kem"
	kempem "github.com/katzenpost/hpqc/kem/pem"
)

// HandshakeState represents the current state of the handshake
type HandshakeState string

const (
	HandshakeStateInit        HandshakeState = "initialization"
	HandshakeStateMsg1Send    HandshakeState = "message_1_send"
	HandshakeStateMsg1Receive HandshakeState = "message_1_receive"
	HandshakeStateMsg2Send    HandshakeState = "message_2_send"
	HandshakeStateMsg2Receive HandshakeState = "message_2_receive"
	HandshakeStateDerive      HandshakeState = "key_derivation"
)

// ConnectionInfo provides detailed network connection information
type ConnectionInfo struct {
	Protocol   string // "tcp", "tcp4", "tcp6", "quic", "pipe", etc.
	LocalAddr  string
	RemoteAddr string
	LocalIP    string
	RemoteIP   string
	LocalPort  string
	RemotePort string
}

// HandshakeError is returned when the session key exchange fails.  No
// session exists when this error is returned.
type HandshakeError struct {
	State           HandshakeState
	Message         string
	UnderlyingError error
	IsInitiator     bool

	KEMScheme string

	// RemoteEphemeralKey is the peer's ephemeral KEM public key, if one
	// was successfully parsed before the failure.
	RemoteEphemeralKey kem.PublicKey

	MessageNumber int
	MessageSize   int
	ExpectedSize  int

	Connection *ConnectionInfo
}

func (e *HandshakeError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "wire/kex: handshake failed at %s", e.State)
	if e.IsInitiator {
		b.WriteString(" (initiator)")
	} else {
		b.WriteString(" (responder)")
	}

	if e.Connection != nil && e.Connection.RemoteAddr != "" {
		fmt.Fprintf(&b, " with peer %s (%s)", e.Connection.RemoteAddr, e.Connection.Protocol)
	}

	fmt.Fprintf(&b, ": %s", e.Message)

	if e.UnderlyingError != nil {
		fmt.Fprintf(&b, " (underlying error: %v)", e.UnderlyingError)
	}

	return b.String()
}

func (e *HandshakeError) Unwrap() error {
	return e.UnderlyingError
}

// Verbose returns a detailed error message with all available information
func (e *HandshakeError) Verbose() string {
	var b strings.Builder

	b.WriteString("=== SESSION HANDSHAKE FAILURE ===\n")
	fmt.Fprintf(&b, "State: %s\n", e.State)
	if e.IsInitiator {
		b.WriteString("Role: initiator (client)\n")
	} else {
		b.WriteString("Role: responder (server)\n")
	}
	writeConnectionInfo(&b, e.Connection)

	fmt.Fprintf(&b, "Error Message: %s\n", e.Message)
	if e.UnderlyingError != nil {
		fmt.Fprintf(&b, "Underlying Error: %v\n", e.UnderlyingError)
	}
	fmt.Fprintf(&b, "KEM Scheme: %s\n", e.KEMScheme)

	if e.MessageNumber > 0 {
		b.WriteString("\n--- MESSAGE INFORMATION ---\n")
		fmt.Fprintf(&b, "Message Number: %d\n", e.MessageNumber)
		if e.MessageSize > 0 {
			fmt.Fprintf(&b, "Message Size: %d bytes\n", e.MessageSize)
		}
		if e.ExpectedSize > 0 {
			fmt.Fprintf(&b, "Expected Size: %d bytes\n", e.ExpectedSize)
		}
	}

	if e.RemoteEphemeralKey != nil {
		b.WriteString("\n--- KEY MATERIAL ---\n")
		fmt.Fprintf(&b, "Remote Ephemeral Key: %s\n", strings.TrimSpace(kempem.ToPublicPEMString(e.RemoteEphemeralKey)))
	}

	b.WriteString("=== END HANDSHAKE FAILURE ===")
	return b.String()
}

// NewHandshakeError creates a new HandshakeError with the given parameters
func NewHandshakeError(state HandshakeState, message string, err error) *HandshakeError {
	return &HandshakeError{
		State:           state,
		Message:         message,
		UnderlyingError: err,
	}
}

// HandshakeTimeoutError is returned when the peer fails to complete the
// handshake within the configured window.
type HandshakeTimeoutError struct {
	Timeout    time.Duration
	State      HandshakeState
	Connection *ConnectionInfo
}

func (e *HandshakeTimeoutError) Error() string {
	if e.Connection != nil {
		return fmt.Sprintf("wire/kex: handshake with %s timed out after %v at %s",
			e.Connection.RemoteAddr, e.Timeout, e.State)
	}
	return fmt.Sprintf("wire/kex: handshake timed out after %v at %s", e.Timeout, e.State)
}

// AuthenticationError is returned when an AEAD tag fails to verify.  It is
// never retried.
type AuthenticationError struct {
	UnderlyingError error
	FrameLength     int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("wire/channel: frame authentication failed (%d bytes)", e.FrameLength)
}

func (e *AuthenticationError) Unwrap() error {
	return e.UnderlyingError
}

// MalformedFrameError is returned when a frame violates the length or
// layout rules.
type MalformedFrameError struct {
	Reason    string
	Declared  uint32
	Available int
	MaxSize   int
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("wire/channel: malformed frame: %s (declared %d, available %d)",
		e.Reason, e.Declared, e.Available)
}

// Verbose returns a detailed error message with all available information
func (e *MalformedFrameError) Verbose() string {
	var b strings.Builder
	b.WriteString("=== MALFORMED FRAME ===\n")
	fmt.Fprintf(&b, "Reason: %s\n", e.Reason)
	fmt.Fprintf(&b, "Declared Length: %d bytes\n", e.Declared)
	fmt.Fprintf(&b, "Available: %d bytes\n", e.Available)
	if e.MaxSize > 0 {
		fmt.Fprintf(&b, "Maximum Allowed: %d bytes\n", e.MaxSize)
	}
	b.WriteString("=== END MALFORMED FRAME ===")
	return b.String()
}

// FrameTimeoutError is returned when a complete frame does not arrive in
// time.
type FrameTimeoutError struct {
	Timeout         time.Duration
	UnderlyingError error
}

func (e *FrameTimeoutError) Error() string {
	return fmt.Sprintf("wire/channel: frame not received within %v", e.Timeout)
}

func (e *FrameTimeoutError) Unwrap() error {
	return e.UnderlyingError
}

// SessionExpiredError is returned for any frame operation against a
// session whose rotation deadline has passed.
type SessionExpiredError struct {
	SessionID string
	RotateAt  time.Time
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session: session %s expired at %s", e.SessionID, e.RotateAt.UTC().Format(time.RFC3339))
}

// InvalidRequestError is returned when a decrypted request violates the
// request schema.  The server answers it with a sealed error response.
type InvalidRequestError struct {
	Field           string
	Message         string
	UnderlyingError error
}

func (e *InvalidRequestError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("proto: invalid request: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("proto: invalid request: %s", e.Message)
}

func (e *InvalidRequestError) Unwrap() error {
	return e.UnderlyingError
}

// BackendError wraps a processing backend failure.  It is absorbed into the
// fallback response and never closes a connection.
type BackendError struct {
	BackendID       string
	UnderlyingError error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend: %s failed: %v", e.BackendID, e.UnderlyingError)
}

func (e *BackendError) Unwrap() error {
	return e.UnderlyingError
}

// VerboseError interface for errors that can provide detailed information
type VerboseError interface {
	error
	Verbose() string
}

// IsHandshakeError checks if an error is a HandshakeError
func IsHandshakeError(err error) bool {
	var e *HandshakeError
	return errors.As(err, &e)
}

// IsHandshakeTimeoutError checks if an error is a HandshakeTimeoutError
func IsHandshakeTimeoutError(err error) bool {
	var e *HandshakeTimeoutError
	return errors.As(err, &e)
}

// IsAuthenticationError checks if an error is an AuthenticationError
func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

// IsMalformedFrameError checks if an error is a MalformedFrameError
func IsMalformedFrameError(err error) bool {
	var e *MalformedFrameError
	return errors.As(err, &e)
}

// IsFrameTimeoutError checks if an error is a FrameTimeoutError
func IsFrameTimeoutError(err error) bool {
	var e *FrameTimeoutError
	return errors.As(err, &e)
}

// IsSessionExpiredError checks if an error is a SessionExpiredError
func IsSessionExpiredError(err error) bool {
	var e *SessionExpiredError
	return errors.As(err, &e)
}

// IsInvalidRequestError checks if an error is an InvalidRequestError
func IsInvalidRequestError(err error) bool {
	var e *InvalidRequestError
	return errors.As(err, &e)
}

// IsBackendError checks if an error is a BackendError
func IsBackendError(err error) bool {
	var e *BackendError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a network deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// GetVerboseError returns verbose error information if available
func GetVerboseError(err error) string {
	var ve VerboseError
	if errors.As(err, &ve) {
		return ve.Verbose()
	}
	return err.Error()
}

// ExtractConnectionInfo extracts detailed connection information from a
// net.Conn.
func ExtractConnectionInfo(conn net.Conn) *ConnectionInfo {
	if conn == nil {
		return nil
	}
	localAddr := conn.LocalAddr()
	remoteAddr := conn.RemoteAddr()
	if localAddr == nil || remoteAddr == nil {
		return nil
	}
	return buildConnectionInfo(localAddr.Network(), localAddr.String(), remoteAddr.String())
}

func buildConnectionInfo(protocol, localAddrStr, remoteAddrStr string) *ConnectionInfo {
	if protocol == "pipe" {
		return &ConnectionInfo{
			Protocol:   "pipe",
			LocalAddr:  "pipe",
			RemoteAddr: "pipe",
			LocalIP:    "pipe",
			RemoteIP:   "pipe",
		}
	}

	info := &ConnectionInfo{
		Protocol:   protocol,
		LocalAddr:  localAddrStr,
		RemoteAddr: remoteAddrStr,
	}
	if host, port, err := net.SplitHostPort(info.LocalAddr); err == nil {
		info.LocalIP = host
		info.LocalPort = port
	}
	if host, port, err := net.SplitHostPort(info.RemoteAddr); err == nil {
		info.RemoteIP = host
		info.RemotePort = port
	}
	return info
}

func writeConnectionInfo(b *strings.Builder, c *ConnectionInfo) {
	if c == nil {
		return
	}
	b.WriteString("\n--- CONNECTION INFORMATION ---\n")
	fmt.Fprintf(b, "Protocol: %s\n", c.Protocol)
	fmt.Fprintf(b, "Local Address: %s (%s:%s)\n", c.LocalAddr, c.LocalIP, c.LocalPort)
	fmt.Fprintf(b, "Remote Address: %s (%s:%s)\n", c.RemoteAddr, c.RemoteIP, c.RemotePort)
}
