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

package duckdbx

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
)

// DB owns a single DuckDB database and the *sql.DB pool opened on it.
// All connections share the same in-process database instance.
type DB struct {
	dbPath         string
	cleanupOnClose bool

	poolSize int
	dsn      string

	once    sync.Once
	sqlDB   *sql.DB
	openErr error

	metricsPeriod time.Duration
	metricsCtx    context.Context
	metricsCancel context.CancelFunc
}

// Settings holds DuckDB-specific settings for DSN construction.
type Settings struct {
	MemoryLimitMB int64  // 0 = unlimited
	TempDirectory string // spill directory
	PoolSize      int    // 0 = derived from GOMAXPROCS
	Threads       int    // 0 = GOMAXPROCS
}

type dbConfig struct {
	dbPath        *string
	metricsPeriod time.Duration
	metricsCtx    context.Context
	settings      *Settings
}

// DBOption is a functional option for configuring DB
type DBOption func(*dbConfig)

// WithDatabasePath sets the database file. Empty paths are ignored and a
// temporary database is used instead.
func WithDatabasePath(path string) DBOption {
	return func(cfg *dbConfig) {
		if path == "" {
			return
		}
		cfg.dbPath = &path
	}
}

// WithMetrics enables periodic polling of DuckDB memory metrics.
// If period is 0, uses default of 30 seconds.
func WithMetrics(ctx context.Context, period time.Duration) DBOption {
	return func(cfg *dbConfig) {
		if period == 0 {
			period = 30 * time.Second
		}
		cfg.metricsPeriod = period
		cfg.metricsCtx = ctx
	}
}

// WithSettings sets DuckDB-specific configuration for DSN construction.
func WithSettings(settings Settings) DBOption {
	return func(cfg *dbConfig) {
		cfg.settings = &settings
	}
}

// NewDB prepares a DuckDB database. Without WithDatabasePath a temp file is
// created and removed again on Close. The database is opened lazily by SQL.
func NewDB(opts ...DBOption) (*DB, error) {
	cfg := &dbConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	var dbPath string
	var cleanupOnClose bool
	if cfg.dbPath != nil {
		dbPath = *cfg.dbPath
	} else {
		dbDir, err := os.MkdirTemp("", "segdash-duckdb-")
		if err != nil {
			return nil, fmt.Errorf("create temp dir for DB: %w", err)
		}
		dbPath = filepath.Join(dbDir, "dashboard.ddb")
		cleanupOnClose = true
	}

	settings := cfg.settings
	if settings == nil {
		settings = &Settings{}
	}

	poolSize := settings.PoolSize
	if poolSize <= 0 {
		poolSize = min(8, max(2, runtime.GOMAXPROCS(0)/2))
	}
	threads := settings.Threads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}

	dsn := buildDSN(dbPath, settings, threads)

	slog.Info("duckdbx: opening database",
		slog.String("dbPath", dbPath),
		slog.Int("poolSize", poolSize),
		slog.Int("threads", threads),
		slog.Bool("temporary", cleanupOnClose),
	)

	d := &DB{
		dbPath:         dbPath,
		cleanupOnClose: cleanupOnClose,
		poolSize:       poolSize,
		dsn:            dsn,
		metricsPeriod:  cfg.metricsPeriod,
	}

	if cfg.metricsPeriod > 0 {
		ctx := cfg.metricsCtx
		if ctx == nil {
			ctx = context.Background()
		}
		d.metricsCtx, d.metricsCancel = context.WithCancel(ctx)
		go d.pollMemoryMetrics(d.metricsCtx)
	}

	return d, nil
}

// SQL returns the shared *sql.DB, opening it on first use.
func (d *DB) SQL(ctx context.Context) (*sql.DB, error) {
	d.once.Do(func() {
		connector, err := duckdb.NewConnector(d.dsn, nil)
		if err != nil {
			d.openErr = fmt.Errorf("create connector: %w", err)
			return
		}

		db := sql.OpenDB(connector)
		db.SetMaxOpenConns(d.poolSize)
		db.SetMaxIdleConns(d.poolSize)

		if err := d.applyPostConnectSettings(ctx, db); err != nil {
			_ = db.Close()
			d.openErr = err
			return
		}
		d.sqlDB = db
	})
	return d.sqlDB, d.openErr
}

// GetConnection returns a dedicated connection and its release func.
func (d *DB) GetConnection(ctx context.Context) (*sql.Conn, func(), error) {
	db, err := d.SQL(ctx)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, func() { _ = conn.Close() }, nil
}

// GetDatabasePath returns the path to the database file.
func (d *DB) GetDatabasePath() string {
	return d.dbPath
}

func (d *DB) Close() error {
	if d.metricsCancel != nil {
		d.metricsCancel()
	}

	var err error
	if d.sqlDB != nil {
		err = d.sqlDB.Close()
	}

	// Never remove user-provided paths.
	if d.cleanupOnClose && d.dbPath != "" {
		_ = os.RemoveAll(filepath.Dir(d.dbPath))
	}
	return err
}

// buildDSN constructs a DuckDB DSN with the provided settings.
// See https://duckdb.org/docs/api/go.html for supported parameters.
func buildDSN(dbPath string, settings *Settings, threads int) string {
	params := []string{fmt.Sprintf("threads=%d", threads)}
	if settings.MemoryLimitMB > 0 {
		params = append(params, fmt.Sprintf("memory_limit=%dMB", settings.MemoryLimitMB))
	}
	if settings.TempDirectory != "" {
		params = append(params, "temp_directory="+settings.TempDirectory)
	}
	return dbPath + "?" + strings.Join(params, "&")
}

// applyPostConnectSettings applies settings that cannot be set via DSN.
func (d *DB) applyPostConnectSettings(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn for setup: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET home_directory='%s';", escapeSingle(filepath.Dir(d.dbPath)))); err != nil {
		slog.Warn("Failed to set home_directory", slog.Any("error", err))
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA enable_object_cache;"); err != nil {
		return fmt.Errorf("enable_object_cache: %w", err)
	}
	return nil
}

func escapeSingle(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
