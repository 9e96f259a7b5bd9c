// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sqlstore persists ledger change-sets in SQLite or PostgreSQL.
// Change-sets are rows of an append-only table and the full state is the
// merge of all of them in insertion order.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/btcsuite/descwallet/ledger"
	_ "github.com/jackc/pgx/v5/stdlib" // Register the pgx driver.
	_ "modernc.org/sqlite"             // Register the sqlite driver.
)

// Dialect is a supported SQL database.
type Dialect string

const (
	// DialectSQLite is an embedded SQLite database.
	DialectSQLite Dialect = "sqlite"

	// DialectPostgres is a PostgreSQL server.
	DialectPostgres Dialect = "postgres"
)

var (
	// ErrUnknownDialect is returned for an unsupported dialect.
	ErrUnknownDialect = errors.New("unknown sql dialect")

	// ErrNilDB is returned when a nil database handle is given.
	ErrNilDB = errors.New("nil database")
)

// queries holds the statements of a dialect.
type queries struct {
	insert string
	load   string
	clear  string
}

var dialectQueries = map[Dialect]queries{
	DialectSQLite: {
		insert: "INSERT INTO change_sets (data) VALUES (?)",
		load:   "SELECT id, data FROM change_sets ORDER BY id",
		clear:  "DELETE FROM change_sets",
	},
	DialectPostgres: {
		insert: "INSERT INTO change_sets (data) VALUES ($1)",
		load:   "SELECT id, data FROM change_sets ORDER BY id",
		clear:  "DELETE FROM change_sets",
	},
}

// driverName returns the database/sql driver of a dialect.
func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}

	return "sqlite"
}

// SQLiteDSN returns the connection string of a SQLite file with the pragmas
// the store relies on.
func SQLiteDSN(path string) string {
	// Foreign keys, WAL journaling and a busy timeout so concurrent
	// writers wait instead of failing with SQLITE_BUSY.
	return path + "?_pragma=foreign_keys=on" +
		"&_pragma=journal_mode=WAL" +
		"&_txlock=immediate" +
		"&_pragma=busy_timeout=5000"
}

// Store is a ledger.Persister backed by a SQL database.
type Store struct {
	db      *sql.DB
	queries queries
}

// A compile-time assertion to ensure Store implements ledger.Persister.
var _ ledger.Persister = (*Store)(nil)

// Open connects to the database described by dsn and migrates its schema.
func Open(d Dialect, dsn string) (*Store, error) {
	if _, ok := dialectQueries[d]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, d)
	}

	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}

	store, err := New(db, d)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// New wraps an open database handle, migrating its schema.
func New(db *sql.DB, d Dialect) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	q, ok := dialectQueries[d]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, d)
	}

	if err := migrateUp(db, d); err != nil {
		return nil, err
	}

	log.Debugf("Opened %s change-set store", d)

	return &Store{db: db, queries: q}, nil
}

// execInTx runs f within a database transaction, committing on success and
// rolling back on error.
func (s *Store) execInTx(ctx context.Context, f func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Errorf("Rollback failed: %v", rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// Load returns the merge of every stored change-set.
func (s *Store) Load(ctx context.Context) (*ledger.ChangeSet, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.load)
	if err != nil {
		return nil, fmt.Errorf("load change-sets: %w", err)
	}
	defer rows.Close()

	merged := ledger.NewChangeSet()
	for rows.Next() {
		var (
			id   int64
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}

		cs, err := ledger.DecodeChangeSet(data)
		if err != nil {
			return nil, fmt.Errorf("change-set %d: %w", id, err)
		}
		merged.Merge(cs)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return merged, nil
}

// Append inserts cs as a new row. Empty change-sets are skipped.
func (s *Store) Append(ctx context.Context, cs *ledger.ChangeSet) error {
	if cs.IsEmpty() {
		return nil
	}

	encoded, err := cs.EncodeBytes()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.queries.insert, encoded)
	if err != nil {
		return fmt.Errorf("append change-set: %w", err)
	}

	return nil
}

// Flush is a no-op. Every Append is a committed statement.
func (s *Store) Flush(_ context.Context) error {
	return nil
}

// Compact replaces the stored change-sets with their merge in a single
// transaction.
func (s *Store) Compact(ctx context.Context) error {
	merged, err := s.Load(ctx)
	if err != nil {
		return err
	}

	encoded, err := merged.EncodeBytes()
	if err != nil {
		return err
	}

	return s.execInTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.queries.clear); err != nil {
			return err
		}

		if merged.IsEmpty() {
			return nil
		}

		_, err := tx.ExecContext(ctx, s.queries.insert, encoded)

		return err
	})
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
