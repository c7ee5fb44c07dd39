// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package cache implements the client's persistent result cache.  Results
// are stored in a bolt database, sealed under a per install key kept in a
// file beside it.
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/util"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"

	"github.com/katzenpost/polyglot/core/proto"
	"github.com/katzenpost/polyglot/core/wire"
	"github.com/katzenpost/polyglot/core/wire/channel"
)

const (
	metadataBucket = "metadata"
	resultsBucket  = "results"
	versionKey     = "version"

	keyFileSuffix = ".key"
)

// ErrClosed is returned by operations on a closed Cache.
var ErrClosed = errors.New("cache: closed")

// entry is sealed as a whole.  Key ties it to the slot it was stored under.
type entry struct {
	Key      []byte          `cbor:"key"`
	Response *proto.Response `cbor:"response"`
	Stored   int64           `cbor:"stored"`
}

// Cache maps requests to previously received responses.
type Cache struct {
	db     *bolt.DB
	ch     *channel.Channel
	key    []byte
	maxAge time.Duration
	clock  func() time.Time
}

// Key returns the lookup key of a request, a BLAKE2b-256 digest over the
// language pair and text.
func Key(req *proto.Request) [32]byte {
	h, _ := blake2b.New256(nil)
	pair := req.Pair().Canonical()
	for _, s := range []string{pair.Source, pair.Target, req.Text} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	var k [32]byte
	h.Sum(k[:0])
	return k
}

// Get returns the cached response for req, nil if there is none.  Entries
// that fail to open or are older than the maximum age are dropped.
func (c *Cache) Get(req *proto.Request) (*proto.Response, error) {
	if c.db == nil {
		return nil, ErrClosed
	}
	k := Key(req)
	var sealed []byte
	if err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(resultsBucket)).Get(k[:]); v != nil {
			sealed = append([]byte{}, v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, nil
	}

	var e entry
	pt, err := c.ch.OpenFrame(c.key, sealed)
	if err == nil {
		err = cbor.Unmarshal(pt, &e)
	}
	if err == nil && !bytes.Equal(e.Key, k[:]) {
		err = errors.New("cache: entry stored under another key")
	}
	if err == nil && e.Response == nil {
		err = errors.New("cache: empty entry")
	}
	if err == nil && c.maxAge > 0 && c.clock().Sub(time.Unix(e.Stored, 0)) > c.maxAge {
		err = errors.New("cache: stale entry")
	}
	if err != nil {
		c.delete(k)
		return nil, nil
	}
	return e.Response, nil
}

// Put stores resp for req.  Error and fallback responses are not cached.
func (c *Cache) Put(req *proto.Request, resp *proto.Response) error {
	if c.db == nil {
		return ErrClosed
	}
	if resp.IsError() || resp.BackendID == proto.FallbackBackendID {
		return nil
	}
	k := Key(req)
	b, err := cbor.Marshal(&entry{Key: k[:], Response: resp, Stored: c.clock().Unix()})
	if err != nil {
		return err
	}
	sealed, err := c.ch.SealFrame(c.key, b)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(resultsBucket)).Put(k[:], sealed)
	})
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	if c.db == nil {
		return 0
	}
	n := 0
	c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(resultsBucket)).Stats().KeyN
		return nil
	})
	return n
}

func (c *Cache) delete(k [32]byte) {
	c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(resultsBucket)).Delete(k[:])
	})
}

// Close closes the database and wipes the key.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	util.ExplicitBzero(c.key)
	c.db.Sync()
	err := c.db.Close()
	c.db = nil
	return err
}

// Config is the cache configuration.
type Config struct {
	// Path is the database file.  The key is kept at Path + ".key".
	Path string

	// MaxAge bounds the age of returned entries, unbounded if zero.
	MaxAge time.Duration

	// Clock returns the current time, time.Now if nil.
	Clock func() time.Time
}

// Open opens or creates the cache at cfg.Path.
func Open(cfg *Config) (*Cache, error) {
	ch, err := channel.New(nil)
	if err != nil {
		return nil, err
	}
	key, err := loadOrCreateKey(cfg.Path + keyFileSuffix)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		ch:     ch,
		key:    key,
		maxAge: cfg.MaxAge,
		clock:  cfg.Clock,
	}
	if c.clock == nil {
		c.clock = time.Now
	}

	c.db, err = bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		util.ExplicitBzero(key)
		return nil, err
	}
	if err = c.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(resultsBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("cache: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		c.db.Close()
		util.ExplicitBzero(key)
		return nil, err
	}
	return c, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(b) != wire.KeySize {
			return nil, fmt.Errorf("cache: key file '%v' is corrupt", path)
		}
		return b, nil
	case !os.IsNotExist(err):
		return nil, err
	}

	key := make([]byte, wire.KeySize)
	if _, err = io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	if err = os.WriteFile(path, key, 0600); err != nil {
		return nil, err
	}
	return key, nil
}
