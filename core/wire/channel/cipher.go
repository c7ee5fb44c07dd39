// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sort"
	"strings"

	"github.com/katzenpost/chacha20poly1305"
)

const (
	// SuiteChaCha20Poly1305 is the default AEAD suite.
	SuiteChaCha20Poly1305 = "chacha20poly1305"

	// SuiteAES256GCM is AES-256 in Galois/Counter Mode.
	SuiteAES256GCM = "aes-256-gcm"
)

// AEAD is the capability the channel needs from a cipher.  Both
// chacha20poly1305.ChaCha20Poly1305 and crypto/cipher.AEAD satisfy it.
type AEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// Suite is a named AEAD constructor.
type Suite struct {
	Name string
	New  func(key []byte) (AEAD, error)
}

var suites = map[string]*Suite{
	SuiteChaCha20Poly1305: {
		Name: SuiteChaCha20Poly1305,
		New: func(key []byte) (AEAD, error) {
			return chacha20poly1305.New(key)
		},
	},
	SuiteAES256GCM: {
		Name: SuiteAES256GCM,
		New: func(key []byte) (AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		},
	},
}

// SuiteByName returns the AEAD suite with the given name.
func SuiteByName(name string) (*Suite, error) {
	s, ok := suites[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("wire/channel: unknown AEAD suite '%v'", name)
	}
	return s, nil
}

// SuiteNames returns the names of all supported suites.
func SuiteNames() []string {
	names := make([]string, 0, len(suites))
	for n := range suites {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// reset clears key material held by the AEAD instance when it supports it.
func reset(a AEAD) {
	if r, ok := a.(interface{ Reset() }); ok {
		r.Reset()
	}
}
