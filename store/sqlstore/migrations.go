// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqlstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

type driverFactory func(*sql.DB) (database.Driver, error)

// applyMigrations applies every migration found in migrationFS at path to
// db using the driver newDriver creates.
func applyMigrations(db *sql.DB, migrationFS fs.FS, path string,
	dbName string, newDriver driverFactory) error {

	sourceDriver, err := iofs.New(migrationFS, path)
	if err != nil {
		return fmt.Errorf("create source driver: %w", err)
	}

	driver, err := newDriver(db)
	if err != nil {
		return fmt.Errorf("create %s driver: %w", dbName, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// migrateUp brings the schema of db up to date for the given dialect.
func migrateUp(db *sql.DB, d Dialect) error {
	switch d {
	case DialectSQLite:
		return applyMigrations(db, sqliteFS, "migrations/sqlite",
			"sqlite", func(db *sql.DB) (database.Driver, error) {
				return sqlite.WithInstance(db, &sqlite.Config{})
			},
		)

	case DialectPostgres:
		return applyMigrations(db, postgresFS, "migrations/postgres",
			"postgres", func(db *sql.DB) (database.Driver, error) {
				return postgres.WithInstance(
					db, &postgres.Config{},
				)
			},
		)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownDialect, d)
	}
}
