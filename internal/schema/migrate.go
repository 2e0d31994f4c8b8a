// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package schema creates the demo relations in a PostgreSQL database so the
// dashboard can run without a Trino cluster.
package schema

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationsTable = "gomigrate_segdash"

// Version is the migration state of a database.
type Version struct {
	Current  uint `json:"current" yaml:"current"`
	Expected uint `json:"expected" yaml:"expected"`
	Dirty    bool `json:"dirty" yaml:"dirty"`
}

// newMigrate wires the embedded files to db. The instance is never closed
// because closing it closes db, which the caller owns.
func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create iofs driver: %w", err)
	}

	dbDriver, err := pgx.WithInstance(db, &pgx.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrationsUp applies all up migrations using embedded migration files.
func RunMigrationsUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	_, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if dirty {
		return errors.New("migration is dirty, please fix it before proceeding")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, _, _ := m.Version()
	slog.Info("Schema migrations applied", slog.Uint64("version", uint64(v)))
	return nil
}

// CurrentVersion reports where db stands relative to the embedded migrations.
func CurrentVersion(db *sql.DB) (Version, error) {
	expected, err := latestMigrationVersion(migrationFiles)
	if err != nil {
		return Version{}, err
	}
	m, err := newMigrate(db)
	if err != nil {
		return Version{}, err
	}
	current, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Version{}, fmt.Errorf("failed to get current version: %w", err)
	}
	return Version{Current: current, Expected: expected, Dirty: dirty}, nil
}

// latestMigrationVersion extracts the highest version from files named like
// "1760000000_initial.up.sql".
func latestMigrationVersion(files embed.FS) (uint, error) {
	entries, err := files.ReadDir("migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var maxVersion uint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		version, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		maxVersion = max(maxVersion, uint(version))
	}

	if maxVersion == 0 {
		return 0, errors.New("no valid migration files found")
	}
	return maxVersion, nil
}
