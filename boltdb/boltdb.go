// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package boltdb contains the boltdb implementation of the table catalog.
package boltdb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/featurebasedb/qsession/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	ErrFmtBucketNotFound = "boltdb: bucket '%s' not found"
)

type Bucket []byte

// DB is a bolt file holding a fixed set of top-level buckets.
type DB struct {
	db   *bolt.DB
	path string

	// Now stamps transactions. Defaults to time.Now.
	Now func() time.Time
}

// Open opens, creating it if necessary, the file <dir>/<name>.boltdb and
// makes sure every bucket exists. dir may carry a "file:" prefix.
func Open(dir, name string, buckets ...Bucket) (*DB, error) {
	dir = strings.TrimPrefix(dir, "file:")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", dir)
	}

	path := filepath.Join(dir, name+".boltdb")
	bdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	db := &DB{db: bdb, path: path, Now: time.Now}

	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "creating bucket: %s", b)
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the file. Closing a nil DB is a no-op.
func (db *DB) Close() error {
	if db == nil || db.db == nil {
		return nil
	}
	return db.db.Close()
}

// Path returns the location of the bolt file.
func (db *DB) Path() string { return db.path }

// BeginTx starts a transaction stamped with the current time, to the second.
func (db *DB) BeginTx(ctx context.Context, writable bool) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := db.db.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, now: db.Now().UTC().Truncate(time.Second)}, nil
}

type Tx struct {
	*bolt.Tx
	now time.Time
}

// Now returns the time the transaction started.
func (tx *Tx) Now() time.Time { return tx.now }
