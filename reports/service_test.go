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

package reports

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/segdash/config"
	"github.com/cardinalhq/segdash/engine"
	"github.com/cardinalhq/segdash/resultcache"
)

var fixtureDDL = []string{
	`CREATE TABLE customer (custkey BIGINT, name VARCHAR)`,
	`CREATE TABLE orders (orderkey BIGINT, custkey BIGINT, totalprice DECIMAL(15,2), orderdate DATE)`,
	`CREATE TABLE vip_customers (custkey BIGINT, segment VARCHAR)`,
}

var fixtureRows = []string{
	`INSERT INTO customer VALUES (1, 'Alice'), (2, 'Bob'), (3, 'Carol'), (4, 'Dave')`,
	`INSERT INTO vip_customers VALUES (1, 'gold'), (2, 'silver'), (3, 'gold')`,
	`INSERT INTO orders VALUES
		(1, 1, 100.00, DATE '2024-01-15'),
		(2, 1, 50.50, DATE '2024-02-10'),
		(3, 2, 200.00, DATE '2024-02-20'),
		(4, 3, 25.25, DATE '2023-01-05'),
		(5, 4, 1000.00, DATE '2024-03-01'),
		(6, 2, 10.00, DATE '2024-03-31')`,
}

// countingQuerier records how many statements reach the engine.
type countingQuerier struct {
	Querier
	mu    sync.Mutex
	calls map[string]int
}

func (q *countingQuerier) Query(ctx context.Context, name, query string, scan func(*sql.Rows) error) error {
	q.mu.Lock()
	if q.calls == nil {
		q.calls = map[string]int{}
	}
	q.calls[name]++
	q.mu.Unlock()
	return q.Querier.Query(ctx, name, query, scan)
}

func (q *countingQuerier) count(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls[name]
}

func newFixtureEngine(t *testing.T, statements ...string) *engine.Engine {
	t.Helper()
	ctx := context.Background()
	e, err := engine.Open(ctx, config.EngineConfig{Kind: config.EngineDuckDB, QueryTimeout: 30 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	for _, stmt := range fixtureDDL {
		_, err := e.DB().ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	for _, stmt := range statements {
		_, err := e.DB().ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	return e
}

func newFixtureService(t *testing.T, statements ...string) (*Service, *countingQuerier) {
	t.Helper()
	e := newFixtureEngine(t, statements...)
	builder, err := NewQueryBuilder(Tables{Orders: "orders", Customers: "customer", VIP: "vip_customers"}, e.Dialect())
	require.NoError(t, err)
	cache := resultcache.New(resultcache.Config{
		Name:               "reports",
		TTL:                time.Minute,
		Capacity:           64,
		MaxConcurrentLoads: 2,
	})
	q := &countingQuerier{Querier: e}
	return NewService(q, builder, cache), q
}

func TestKPIs(t *testing.T) {
	svc, _ := newFixtureService(t, fixtureRows...)

	got, err := svc.KPIs(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1385.75, got.TotalRevenue, 0.001)
	assert.Equal(t, int64(6), got.TotalOrders)
	assert.InDelta(t, 230.96, got.AvgOrderValue, 0.001)
	require.NotNil(t, got.TopSegment)
	assert.Equal(t, "silver", *got.TopSegment)
}

func TestKPIsWithoutVIPRows(t *testing.T) {
	svc, _ := newFixtureService(t, fixtureRows[0], fixtureRows[2])

	got, err := svc.KPIs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.TotalOrders)
	assert.Nil(t, got.TopSegment)
}

func TestKPIsWithoutOrders(t *testing.T) {
	svc, _ := newFixtureService(t)

	got, err := svc.KPIs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KPIs{}, got)
}

func TestRevenueBySegment(t *testing.T) {
	svc, q := newFixtureService(t, fixtureRows...)
	ctx := context.Background()

	got, err := svc.RevenueBySegment(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"silver", "gold"}, got.Labels)
	assert.InDeltaSlice(t, []float64{210, 175.75}, got.Values, 0.001)

	share, err := svc.RevenueShareBySegment(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, share)
	assert.Equal(t, 1, q.count(RevenueBySegmentName))
}

func TestAvgOrderValueBySegment(t *testing.T) {
	svc, _ := newFixtureService(t, fixtureRows...)

	got, err := svc.AvgOrderValueBySegment(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"silver", "gold"}, got.Labels)
	assert.InDeltaSlice(t, []float64{105, 58.58}, got.Values, 0.001)
}

func TestOrdersCountBySegment(t *testing.T) {
	svc, _ := newFixtureService(t, fixtureRows...)

	got, err := svc.OrdersCountBySegment(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SegmentCounts{Labels: []string{"gold", "silver"}, Values: []int64{3, 2}}, got)
}

func TestMonthlyRevenueBySegment(t *testing.T) {
	svc, _ := newFixtureService(t, fixtureRows...)

	got, err := svc.MonthlyRevenueBySegment(context.Background())
	require.NoError(t, err)
	// Carol's 2023-01 order is older than twelve months before the newest order.
	assert.Equal(t, []string{"2024-01", "2024-02", "2024-03"}, got.Labels)
	require.Len(t, got.Datasets, 2)
	assert.Equal(t, "gold", got.Datasets[0].Label)
	assert.InDeltaSlice(t, []float64{100, 50.5, 0}, got.Datasets[0].Data, 0.001)
	assert.Equal(t, "silver", got.Datasets[1].Label)
	assert.InDeltaSlice(t, []float64{0, 200, 10}, got.Datasets[1].Data, 0.001)
}

func TestTopCustomers(t *testing.T) {
	svc, q := newFixtureService(t, fixtureRows...)
	ctx := context.Background()

	got, err := svc.TopCustomers(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got.Rows, 2)
	assert.Equal(t, "Bob", got.Rows[0].CustomerName)
	assert.Equal(t, "silver", got.Rows[0].Segment)
	assert.Equal(t, int64(2), got.Rows[0].Orders)
	assert.InDelta(t, 210, got.Rows[0].Revenue, 0.001)
	assert.Equal(t, "Alice", got.Rows[1].CustomerName)
	assert.InDelta(t, 150.5, got.Rows[1].Revenue, 0.001)

	all, err := svc.TopCustomers(ctx, 1000)
	require.NoError(t, err)
	assert.Len(t, all.Rows, 3)

	// Different limits are different entries.
	assert.Equal(t, 2, q.count(TopCustomersName))
}

func TestEmptyResultsAreEmptySlices(t *testing.T) {
	svc, _ := newFixtureService(t)
	ctx := context.Background()

	seg, err := svc.RevenueBySegment(ctx)
	require.NoError(t, err)
	assert.NotNil(t, seg.Labels)
	assert.NotNil(t, seg.Values)

	top, err := svc.TopCustomers(ctx, DefaultTopCustomers)
	require.NoError(t, err)
	assert.NotNil(t, top.Rows)

	monthly, err := svc.MonthlyRevenueBySegment(ctx)
	require.NoError(t, err)
	assert.Empty(t, monthly.Labels)
}

func TestRun(t *testing.T) {
	svc, _ := newFixtureService(t, fixtureRows...)
	ctx := context.Background()

	for _, name := range Names {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Run(ctx, name, DefaultTopCustomers)
			assert.NoError(t, err)
		})
	}

	_, err := svc.Run(ctx, "nope", 0)
	assert.ErrorIs(t, err, ErrUnknownReport)
}

func TestWarmPopulatesCache(t *testing.T) {
	svc, q := newFixtureService(t, fixtureRows...)
	ctx := context.Background()

	require.NoError(t, svc.Warm(ctx))
	// revenue_share_by_segment shares the revenue_by_segment entry.
	assert.Equal(t, len(Names)-1, svc.Cache().Len())

	_, err := svc.KPIs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, q.count(KPIsName))

	ttl, ok := svc.ExpiresIn(TopCustomersName, DefaultTopCustomers)
	assert.True(t, ok)
	assert.Greater(t, ttl, time.Duration(0))
}

type failingQuerier struct{}

func (failingQuerier) Query(context.Context, string, string, func(*sql.Rows) error) error {
	return errors.New("engine down")
}

func TestWarmReportsFailure(t *testing.T) {
	dialect, err := engine.DialectFor(config.EngineDuckDB)
	require.NoError(t, err)
	builder, err := NewQueryBuilder(Tables{Orders: "orders", Customers: "customer", VIP: "vip_customers"}, dialect)
	require.NoError(t, err)
	svc := NewService(failingQuerier{}, builder, resultcache.New(resultcache.Config{Name: "reports", TTL: time.Minute}))

	err = svc.Warm(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine down")
	assert.Equal(t, 0, svc.Cache().Len())
}
