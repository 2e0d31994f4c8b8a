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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/segdash/config"
	"github.com/cardinalhq/segdash/internal/duckdbx"
)

func newDuckEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	ddb, err := duckdbx.NewDB()
	require.NoError(t, err)
	db, err := ddb.SQL(context.Background())
	require.NoError(t, err)

	dialect, err := DialectFor(config.EngineDuckDB)
	require.NoError(t, err)

	e := New(db, dialect, append(opts, WithCloser(ddb), withoutPoolClose())...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor(config.EngineTrino)
	require.NoError(t, err)
	assert.Equal(t, "trino", d.Name())
	assert.Equal(t, "date_add('month', -12, b.maxd)", d.MonthsBefore("b.maxd", 12))

	d, err = DialectFor(config.EngineDuckDB)
	require.NoError(t, err)
	assert.Equal(t, "duckdb", d.Name())
	assert.Equal(t, "(b.maxd - INTERVAL '12 months')", d.MonthsBefore("b.maxd", 12))

	d, err = DialectFor(config.EnginePostgres)
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())
	assert.Equal(t, "DOUBLE PRECISION", d.Float64())

	_, err = DialectFor("oracle")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestTrinoDSN(t *testing.T) {
	dsn, err := TrinoDSN(config.TrinoConfig{
		Host:    "127.0.0.1",
		Port:    8080,
		User:    "web",
		Source:  "segdash",
		Catalog: "tpch",
		Schema:  "tiny",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, "http://web@127.0.0.1:8080"), dsn)
	assert.Contains(t, dsn, "source=segdash")
	assert.Contains(t, dsn, "catalog=tpch")
	assert.Contains(t, dsn, "schema=tiny")
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(context.Background(), config.EngineConfig{Kind: "sqlite"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestOpenDuckDB(t *testing.T) {
	cfg := config.DefaultConfig().Engine
	cfg.Kind = config.EngineDuckDB

	e, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, e.Close()) }()

	assert.Equal(t, config.EngineDuckDB, e.Kind())
	assert.NoError(t, e.Ping(context.Background()))
}

func TestQueryScansEveryRow(t *testing.T) {
	e := newDuckEngine(t)
	ctx := context.Background()

	var got []int64
	err := e.Query(ctx, "range", "SELECT range FROM range(5)", func(rows *sql.Rows) error {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return err
		}
		got = append(got, v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, got)
}

func TestQueryErrors(t *testing.T) {
	e := newDuckEngine(t)
	ctx := context.Background()

	err := e.Query(ctx, "broken", "SELECT * FROM missing_table", func(*sql.Rows) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.Contains(t, err.Error(), "query broken")

	scanErr := errors.New("bad row")
	err = e.Query(ctx, "scanfail", "SELECT 1", func(*sql.Rows) error { return scanErr })
	require.ErrorIs(t, err, scanErr)
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.Contains(t, err.Error(), "scan scanfail")
}

func TestQueryHonoursCallerCancellation(t *testing.T) {
	e := newDuckEngine(t, WithQueryTimeout(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Query(ctx, "cancelled", "SELECT 1", func(*sql.Rows) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
