// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kvstore persists ledger change-sets in a bbolt database through
// walletdb. Each change-set is stored under an increasing sequence number
// and the full state is the merge of all of them in order.
package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register the driver.
	"github.com/btcsuite/descwallet/ledger"
)

const (
	// dbDriver is the walletdb driver the store uses.
	dbDriver = "bdb"

	// DefaultTimeout is how long opening waits for the file lock.
	DefaultTimeout = 10 * time.Second
)

var (
	// rootBucketKey is the top-level bucket of the store.
	rootBucketKey = []byte("descwallet")

	// magicKey holds the file format marker.
	magicKey = []byte("magic")

	// changeSetsBucketKey is the nested bucket of encoded change-sets keyed
	// by sequence number.
	changeSetsBucketKey = []byte("changesets")

	// magic identifies a descwallet store, version 1.
	magic = []byte("descwallet\x00\x01")
)

var (
	// ErrBadMagic is returned when the database was not written by this
	// store.
	ErrBadMagic = errors.New("database magic mismatch")

	// ErrNotInitialized is returned when the database lacks the store's
	// buckets.
	ErrNotInitialized = errors.New("database not initialized")
)

// Store is a ledger.Persister backed by walletdb.
type Store struct {
	db walletdb.DB
}

// A compile-time assertion to ensure Store implements ledger.Persister.
var _ ledger.Persister = (*Store)(nil)

// Open opens the database at path, creating and initializing it when the
// file does not exist yet.
func Open(path string, timeout time.Duration) (*Store, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	var (
		db  walletdb.DB
		err error
	)
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		db, err = walletdb.Create(dbDriver, path, true, timeout, false)
	} else {
		db, err = walletdb.Open(dbDriver, path, true, timeout, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debugf("Opened change-set store %s", path)

	return s, nil
}

// init creates the buckets of a fresh database and checks the magic of an
// existing one.
func (s *Store) init() error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(rootBucketKey)
		if root != nil {
			if !bytes.Equal(root.Get(magicKey), magic) {
				return ErrBadMagic
			}

			return nil
		}

		root, err := tx.CreateTopLevelBucket(rootBucketKey)
		if err != nil {
			return err
		}
		if err := root.Put(magicKey, magic); err != nil {
			return err
		}

		_, err = root.CreateBucket(changeSetsBucketKey)

		return err
	})
}

// changeSets returns the change-set bucket of a read transaction.
func changeSets(tx walletdb.ReadTx) (walletdb.ReadBucket, error) {
	root := tx.ReadBucket(rootBucketKey)
	if root == nil {
		return nil, ErrNotInitialized
	}

	bucket := root.NestedReadBucket(changeSetsBucketKey)
	if bucket == nil {
		return nil, ErrNotInitialized
	}

	return bucket, nil
}

// Load returns the merge of every stored change-set.
func (s *Store) Load(ctx context.Context) (*ledger.ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var merged *ledger.ChangeSet
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		merged = ledger.NewChangeSet()

		bucket, err := changeSets(tx)
		if err != nil {
			return err
		}

		return bucket.ForEach(func(k, v []byte) error {
			cs, err := ledger.DecodeChangeSet(v)
			if err != nil {
				return fmt.Errorf("change-set %d: %w",
					binary.BigEndian.Uint64(k), err)
			}
			merged.Merge(cs)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return merged, nil
}

// Append stores cs under the next sequence number. Empty change-sets are
// skipped.
func (s *Store) Append(ctx context.Context, cs *ledger.ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if cs.IsEmpty() {
		return nil
	}

	encoded, err := cs.EncodeBytes()
	if err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return putChangeSet(tx, encoded)
	})
}

func putChangeSet(tx walletdb.ReadWriteTx, encoded []byte) error {
	root := tx.ReadWriteBucket(rootBucketKey)
	if root == nil {
		return ErrNotInitialized
	}

	bucket := root.NestedReadWriteBucket(changeSetsBucketKey)
	if bucket == nil {
		return ErrNotInitialized
	}

	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}

	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)

	return bucket.Put(key[:], encoded)
}

// Flush is a no-op. Every Append commits a database transaction.
func (s *Store) Flush(_ context.Context) error {
	return nil
}

// Compact replaces the stored change-sets with their merge.
func (s *Store) Compact(ctx context.Context) error {
	merged, err := s.Load(ctx)
	if err != nil {
		return err
	}

	encoded, err := merged.EncodeBytes()
	if err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(rootBucketKey)
		if root == nil {
			return ErrNotInitialized
		}

		err := root.DeleteNestedBucket(changeSetsBucketKey)
		if err != nil {
			return err
		}
		if _, err := root.CreateBucket(changeSetsBucketKey); err != nil {
			return err
		}

		if merged.IsEmpty() {
			return nil
		}

		return putChangeSet(tx, encoded)
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
