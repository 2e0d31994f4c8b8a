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

// Package demodata generates a small TPC-H shaped data set with VIP segments
// for local development against DuckDB or PostgreSQL.
package demodata

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

type Customer struct {
	CustKey int64
	Name    string
}

type VIPCustomer struct {
	CustKey int64
	Segment string
}

type Order struct {
	OrderKey   int64
	CustKey    int64
	TotalPrice float64
	OrderDate  time.Time
}

type Dataset struct {
	Customers []Customer
	VIP       []VIPCustomer
	Orders    []Order
}

type Options struct {
	// Seed makes the output reproducible.
	Seed      int64
	Customers int
	Orders    int
	// VIPShare is the fraction of customers given a segment.
	VIPShare float64
	Segments []string
	Start    time.Time
	End      time.Time
}

func DefaultOptions() Options {
	return Options{
		Seed:      42,
		Customers: 1500,
		Orders:    15000,
		VIPShare:  0.3,
		Segments:  []string{"platinum", "gold", "silver", "bronze"},
		Start:     time.Date(1992, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(1998, 8, 2, 0, 0, 0, 0, time.UTC),
	}
}

func (o Options) validate() error {
	switch {
	case o.Customers < 1:
		return fmt.Errorf("customers must be positive, got %d", o.Customers)
	case o.Orders < 0:
		return fmt.Errorf("orders must not be negative, got %d", o.Orders)
	case o.VIPShare < 0 || o.VIPShare > 1:
		return fmt.Errorf("vip share must be within [0, 1], got %v", o.VIPShare)
	case len(o.Segments) == 0:
		return fmt.Errorf("at least one segment is required")
	case !o.End.After(o.Start):
		return fmt.Errorf("end %s must be after start %s", o.End.Format(time.DateOnly), o.Start.Format(time.DateOnly))
	}
	return nil
}

// Generate builds a data set. The same Options always produce the same rows.
func Generate(opts Options) (Dataset, error) {
	if err := opts.validate(); err != nil {
		return Dataset{}, err
	}
	faker := gofakeit.New(opts.Seed)

	ds := Dataset{
		Customers: make([]Customer, 0, opts.Customers),
		Orders:    make([]Order, 0, opts.Orders),
	}
	for i := range opts.Customers {
		key := int64(i + 1)
		ds.Customers = append(ds.Customers, Customer{CustKey: key, Name: faker.Name()})
		if faker.Float64Range(0, 1) < opts.VIPShare {
			ds.VIP = append(ds.VIP, VIPCustomer{CustKey: key, Segment: faker.RandomString(opts.Segments)})
		}
	}
	for i := range opts.Orders {
		price := faker.Float64Range(850, 550000)
		ds.Orders = append(ds.Orders, Order{
			OrderKey:   int64(i + 1),
			CustKey:    int64(faker.Number(1, opts.Customers)),
			TotalPrice: math.Round(price*100) / 100,
			OrderDate:  faker.DateRange(opts.Start, opts.End).UTC().Truncate(24 * time.Hour),
		})
	}
	return ds, nil
}

var tableDDL = []string{
	`CREATE TABLE IF NOT EXISTS customer (
  custkey BIGINT PRIMARY KEY,
  name    VARCHAR(64) NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS orders (
  orderkey   BIGINT PRIMARY KEY,
  custkey    BIGINT NOT NULL,
  totalprice NUMERIC(15, 2) NOT NULL,
  orderdate  DATE NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS vip_customers (
  custkey BIGINT PRIMARY KEY,
  segment VARCHAR(32) NOT NULL
)`,
}

// CreateTables creates the three relations if they are missing. PostgreSQL
// databases should use the schema migrations instead.
func CreateTables(ctx context.Context, db *sql.DB) error {
	for _, stmt := range tableDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

// Reset removes every row from the three relations.
func Reset(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"vip_customers", "orders", "customer"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// Load inserts ds in one transaction using multi-row INSERTs of at most
// batchSize rows.
func Load(ctx context.Context, db *sql.DB, ds Dataset, batchSize int) (err error) {
	if batchSize < 1 {
		batchSize = 500
	}
	start := time.Now()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	customers := make([][]any, len(ds.Customers))
	for i, c := range ds.Customers {
		customers[i] = []any{c.CustKey, c.Name}
	}
	if err := insertBatches(ctx, tx, "customer", []string{"custkey", "name"}, nil, customers, batchSize); err != nil {
		return err
	}

	vip := make([][]any, len(ds.VIP))
	for i, v := range ds.VIP {
		vip[i] = []any{v.CustKey, v.Segment}
	}
	if err := insertBatches(ctx, tx, "vip_customers", []string{"custkey", "segment"}, nil, vip, batchSize); err != nil {
		return err
	}

	orders := make([][]any, len(ds.Orders))
	for i, o := range ds.Orders {
		orders[i] = []any{o.OrderKey, o.CustKey, o.TotalPrice, o.OrderDate.Format(time.DateOnly)}
	}
	casts := []string{"", "", "", "DATE"}
	if err := insertBatches(ctx, tx, "orders", []string{"orderkey", "custkey", "totalprice", "orderdate"}, casts, orders, batchSize); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	slog.Info("Demo data loaded",
		slog.Int("customers", len(ds.Customers)),
		slog.Int("vipCustomers", len(ds.VIP)),
		slog.Int("orders", len(ds.Orders)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func insertBatches(ctx context.Context, tx *sql.Tx, table string, columns, casts []string, rows [][]any, batchSize int) error {
	for lo := 0; lo < len(rows); lo += batchSize {
		hi := min(lo+batchSize, len(rows))
		query, args := insertStatement(table, columns, casts, rows[lo:hi])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert %s rows %d-%d: %w", table, lo, hi, err)
		}
	}
	return nil
}

// insertStatement renders a multi-row INSERT with $N placeholders, which
// both pgx and DuckDB accept. A non-empty casts[i] wraps column i's
// placeholder in CAST(... AS casts[i]).
func insertStatement(table string, columns, casts []string, rows [][]any) (string, []any) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	args := make([]any, 0, len(rows)*len(columns))
	for r, row := range rows {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c, v := range row {
			if c > 0 {
				sb.WriteString(", ")
			}
			args = append(args, v)
			placeholder := fmt.Sprintf("$%d", len(args))
			if c < len(casts) && casts[c] != "" {
				placeholder = fmt.Sprintf("CAST(%s AS %s)", placeholder, casts[c])
			}
			sb.WriteString(placeholder)
		}
		sb.WriteByte(')')
	}
	return sb.String(), args
}
