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

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/trinodb/trino-go-client/trino"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/segdash/config"
	"github.com/cardinalhq/segdash/internal/dbopen"
	"github.com/cardinalhq/segdash/internal/duckdbx"
)

var ErrUnknownKind = errors.New("unknown engine kind")

// ErrQueryFailed wraps every error returned by Query.
var ErrQueryFailed = errors.New("engine query failed")

var (
	meter  = otel.Meter("github.com/cardinalhq/segdash/engine")
	tracer = otel.Tracer("github.com/cardinalhq/segdash/engine")

	queryDuration metric.Float64Histogram
)

func init() {
	h, err := meter.Float64Histogram(
		"segdash.engine.query.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of aggregate queries issued to the query engine"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create engine.query.duration histogram: %w", err))
	}
	queryDuration = h
}

// Engine runs aggregate queries against one query engine.
type Engine struct {
	kind         string
	db           *sql.DB
	dialect      Dialect
	queryTimeout time.Duration
	closers      []io.Closer

	skipPoolClose bool
}

type Option func(*Engine)

// WithQueryTimeout bounds every Query call. Zero disables the bound.
func WithQueryTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.queryTimeout = d
	}
}

// WithCloser registers a resource released by Close after the pool.
func WithCloser(c io.Closer) Option {
	return func(e *Engine) {
		e.closers = append(e.closers, c)
	}
}

func withoutPoolClose() Option {
	return func(e *Engine) {
		e.skipPoolClose = true
	}
}

// New wraps an already opened pool.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Engine {
	e := &Engine{
		kind:    dialect.Name(),
		db:      db,
		dialect: dialect,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open connects to the engine selected by cfg.Kind.
func Open(ctx context.Context, cfg config.EngineConfig) (*Engine, error) {
	dialect, err := DialectFor(cfg.Kind)
	if err != nil {
		return nil, err
	}
	opts := []Option{WithQueryTimeout(cfg.QueryTimeout)}

	var db *sql.DB
	switch cfg.Kind {
	case config.EngineTrino:
		dsn, err := TrinoDSN(cfg.Trino)
		if err != nil {
			return nil, err
		}
		db, err = sql.Open("trino", dsn)
		if err != nil {
			return nil, fmt.Errorf("open trino: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}

	case config.EngineDuckDB:
		ddb, err := duckdbx.NewDB(
			duckdbx.WithDatabasePath(cfg.DuckDB.Path),
			duckdbx.WithSettings(duckdbx.Settings{
				MemoryLimitMB: cfg.DuckDB.MemoryLimitMB,
				Threads:       cfg.DuckDB.Threads,
				PoolSize:      cfg.MaxOpenConns,
			}),
			duckdbx.WithMetrics(ctx, 0),
		)
		if err != nil {
			return nil, err
		}
		db, err = ddb.SQL(ctx)
		if err != nil {
			_ = ddb.Close()
			return nil, fmt.Errorf("open duckdb: %w", err)
		}
		// ddb owns db; closing it closes the pool.
		return New(db, dialect, append(opts, WithCloser(ddb), withoutPoolClose())...), nil

	case config.EnginePostgres:
		dsn, err := dbopen.PostgresURL(cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		db, err = dbopen.OpenPostgres(ctx, dsn, cfg.MaxOpenConns)
		if err != nil {
			return nil, err
		}
	}

	slog.Info("Query engine configured", slog.String("engine", cfg.Kind))
	return New(db, dialect, opts...), nil
}

// TrinoDSN renders the trino-go-client DSN for cfg.
func TrinoDSN(cfg config.TrinoConfig) (string, error) {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}
	server := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		User:   url.User(cfg.User),
	}
	tc := &trino.Config{
		ServerURI: server.String(),
		Source:    cfg.Source,
		Catalog:   cfg.Catalog,
		Schema:    cfg.Schema,
	}
	dsn, err := tc.FormatDSN()
	if err != nil {
		return "", fmt.Errorf("format trino dsn: %w", err)
	}
	return dsn, nil
}

func (e *Engine) Kind() string { return e.kind }

func (e *Engine) Dialect() Dialect { return e.dialect }

// DB exposes the pool for bulk loading demo data.
func (e *Engine) DB() *sql.DB { return e.db }

// Query runs query and calls scan once per result row. name identifies the
// query in spans, metrics and errors.
func (e *Engine) Query(ctx context.Context, name, query string, scan func(*sql.Rows) error) (err error) {
	if e.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.queryTimeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "engine.query", trace.WithAttributes(
		attribute.String("query.name", name),
		attribute.String("engine", e.kind),
	))
	start := time.Now()
	rowCount := 0
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "query failed")
		}
		span.SetAttributes(attribute.Int("rows", rowCount))
		span.End()
		queryDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("query.name", name),
			attribute.String("engine", e.kind),
			attribute.String("outcome", outcome),
		))
		slog.Debug("Engine query finished",
			slog.String("query", name),
			slog.Int("rows", rowCount),
			slog.Duration("duration", time.Since(start)),
			slog.String("outcome", outcome))
	}()

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: query %s: %w", ErrQueryFailed, name, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("%w: scan %s: %w", ErrQueryFailed, name, err)
		}
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrQueryFailed, name, err)
	}
	return nil
}

// Ping issues a trivial query. database/sql's Ping is not enough for Trino,
// whose driver only talks to the coordinator when a statement runs.
func (e *Engine) Ping(ctx context.Context) error {
	var one int
	if err := e.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping %s: %w", e.kind, err)
	}
	return nil
}

func (e *Engine) Close() error {
	var result *multierror.Error
	if !e.skipPoolClose {
		if err := e.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close pool: %w", err))
		}
	}
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
