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
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cardinalhq/segdash/resultcache"
)

const (
	KPIsName                    = "kpis"
	RevenueBySegmentName        = "revenue_by_segment"
	RevenueShareBySegmentName   = "revenue_share_by_segment"
	MonthlyRevenueBySegmentName = "monthly_revenue_by_segment"
	TopCustomersName            = "top_customers"
	AvgOrderValueBySegmentName  = "avg_order_value_by_segment"
	OrdersCountBySegmentName    = "orders_count_by_segment"
)

// Names lists every report in dashboard order.
var Names = []string{
	KPIsName,
	RevenueBySegmentName,
	RevenueShareBySegmentName,
	MonthlyRevenueBySegmentName,
	TopCustomersName,
	AvgOrderValueBySegmentName,
	OrdersCountBySegmentName,
}

const (
	DefaultTopCustomers = 5
	MaxTopCustomers     = 100
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownReport   = errors.New("unknown report")
)

// ParseLimit turns the raw limit query parameter into a row count.
// Empty means DefaultTopCustomers; out of range values are clamped.
func ParseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultTopCustomers, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: limit %q is not an integer", ErrInvalidArgument, raw)
	}
	return clampLimit(n), nil
}

func clampLimit(n int) int {
	return min(max(n, 1), MaxTopCustomers)
}

// CacheKey is the result cache key for a report. The revenue share chart is
// drawn from the same rows as revenue by segment and shares its entry.
func CacheKey(name string, limit int) string {
	switch name {
	case RevenueShareBySegmentName:
		return RevenueBySegmentName
	case TopCustomersName:
		return TopCustomersName + "?limit=" + strconv.Itoa(clampLimit(limit))
	default:
		return name
	}
}

// Querier runs one SQL statement. *engine.Engine satisfies it.
type Querier interface {
	Query(ctx context.Context, name, query string, scan func(*sql.Rows) error) error
}

// Service evaluates reports through the result cache.
type Service struct {
	querier Querier
	builder *QueryBuilder
	cache   *resultcache.Cache
}

func NewService(querier Querier, builder *QueryBuilder, cache *resultcache.Cache) *Service {
	return &Service{
		querier: querier,
		builder: builder,
		cache:   cache,
	}
}

func (s *Service) Cache() *resultcache.Cache {
	return s.cache
}

// ExpiresIn reports how long the cached result for the report stays fresh.
func (s *Service) ExpiresIn(name string, limit int) (time.Duration, bool) {
	return s.cache.ExpiresIn(CacheKey(name, limit))
}

func (s *Service) KPIs(ctx context.Context) (KPIs, error) {
	return resultcache.Get(ctx, s.cache, CacheKey(KPIsName, 0), func(ctx context.Context) (KPIs, error) {
		var k KPIs
		err := s.querier.Query(ctx, KPIsName, s.builder.KPIs(), func(rows *sql.Rows) error {
			var top sql.NullString
			if err := rows.Scan(&k.TotalRevenue, &k.TotalOrders, &k.AvgOrderValue, &top); err != nil {
				return err
			}
			k.TopSegment = nil
			if top.Valid {
				k.TopSegment = &top.String
			}
			return nil
		})
		return k, err
	})
}

func (s *Service) RevenueBySegment(ctx context.Context) (SegmentValues, error) {
	return resultcache.Get(ctx, s.cache, CacheKey(RevenueBySegmentName, 0), func(ctx context.Context) (SegmentValues, error) {
		return s.segmentValues(ctx, RevenueBySegmentName, s.builder.RevenueBySegment())
	})
}

// RevenueShareBySegment returns the same series as RevenueBySegment; the
// frontend turns it into shares.
func (s *Service) RevenueShareBySegment(ctx context.Context) (SegmentValues, error) {
	return s.RevenueBySegment(ctx)
}

func (s *Service) AvgOrderValueBySegment(ctx context.Context) (SegmentValues, error) {
	return resultcache.Get(ctx, s.cache, CacheKey(AvgOrderValueBySegmentName, 0), func(ctx context.Context) (SegmentValues, error) {
		return s.segmentValues(ctx, AvgOrderValueBySegmentName, s.builder.AvgOrderValueBySegment())
	})
}

func (s *Service) OrdersCountBySegment(ctx context.Context) (SegmentCounts, error) {
	return resultcache.Get(ctx, s.cache, CacheKey(OrdersCountBySegmentName, 0), func(ctx context.Context) (SegmentCounts, error) {
		out := SegmentCounts{Labels: []string{}, Values: []int64{}}
		err := s.querier.Query(ctx, OrdersCountBySegmentName, s.builder.OrdersCountBySegment(), func(rows *sql.Rows) error {
			var (
				segment string
				count   int64
			)
			if err := rows.Scan(&segment, &count); err != nil {
				return err
			}
			out.Labels = append(out.Labels, segment)
			out.Values = append(out.Values, count)
			return nil
		})
		return out, err
	})
}

func (s *Service) MonthlyRevenueBySegment(ctx context.Context) (MonthlySeries, error) {
	return resultcache.Get(ctx, s.cache, CacheKey(MonthlyRevenueBySegmentName, 0), func(ctx context.Context) (MonthlySeries, error) {
		var points []monthlyPoint
		err := s.querier.Query(ctx, MonthlyRevenueBySegmentName, s.builder.MonthlyRevenueBySegment(), func(rows *sql.Rows) error {
			var (
				p     monthlyPoint
				month time.Time
			)
			if err := rows.Scan(&month, &p.segment, &p.revenue); err != nil {
				return err
			}
			p.month = month.UTC().Format("2006-01")
			points = append(points, p)
			return nil
		})
		if err != nil {
			return MonthlySeries{}, err
		}
		return pivotMonthly(points), nil
	})
}

// TopCustomers returns the highest revenue VIP customers. limit is clamped
// to [1, MaxTopCustomers].
func (s *Service) TopCustomers(ctx context.Context, limit int) (TopCustomers, error) {
	limit = clampLimit(limit)
	return resultcache.Get(ctx, s.cache, CacheKey(TopCustomersName, limit), func(ctx context.Context) (TopCustomers, error) {
		out := TopCustomers{Rows: []CustomerRow{}}
		err := s.querier.Query(ctx, TopCustomersName, s.builder.TopCustomers(limit), func(rows *sql.Rows) error {
			var r CustomerRow
			if err := rows.Scan(&r.CustomerName, &r.Segment, &r.Orders, &r.Revenue); err != nil {
				return err
			}
			out.Rows = append(out.Rows, r)
			return nil
		})
		return out, err
	})
}

// Run evaluates a report by name. limit only applies to top_customers.
func (s *Service) Run(ctx context.Context, name string, limit int) (any, error) {
	switch name {
	case KPIsName:
		return s.KPIs(ctx)
	case RevenueBySegmentName:
		return s.RevenueBySegment(ctx)
	case RevenueShareBySegmentName:
		return s.RevenueShareBySegment(ctx)
	case MonthlyRevenueBySegmentName:
		return s.MonthlyRevenueBySegment(ctx)
	case TopCustomersName:
		return s.TopCustomers(ctx, limit)
	case AvgOrderValueBySegmentName:
		return s.AvgOrderValueBySegment(ctx)
	case OrdersCountBySegmentName:
		return s.OrdersCountBySegment(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownReport, name)
	}
}

func (s *Service) segmentValues(ctx context.Context, name, query string) (SegmentValues, error) {
	out := SegmentValues{Labels: []string{}, Values: []float64{}}
	err := s.querier.Query(ctx, name, query, func(rows *sql.Rows) error {
		var (
			segment string
			value   float64
		)
		if err := rows.Scan(&segment, &value); err != nil {
			return err
		}
		out.Labels = append(out.Labels, segment)
		out.Values = append(out.Values, value)
		return nil
	})
	return out, err
}

type monthlyPoint struct {
	month   string
	segment string
	revenue float64
}

// pivotMonthly aligns (month, segment, revenue) rows into one dataset per
// segment over the sorted distinct months, filling gaps with 0. Datasets keep
// the order in which segments first appear.
func pivotMonthly(points []monthlyPoint) MonthlySeries {
	out := MonthlySeries{Labels: []string{}, Datasets: []Dataset{}}

	monthSet := map[string]struct{}{}
	bySegment := map[string]map[string]float64{}
	var segments []string
	for _, p := range points {
		monthSet[p.month] = struct{}{}
		values, ok := bySegment[p.segment]
		if !ok {
			values = map[string]float64{}
			bySegment[p.segment] = values
			segments = append(segments, p.segment)
		}
		values[p.month] = p.revenue
	}

	for m := range monthSet {
		out.Labels = append(out.Labels, m)
	}
	sort.Strings(out.Labels)

	for _, segment := range segments {
		data := make([]float64, len(out.Labels))
		for i, m := range out.Labels {
			data[i] = bySegment[segment][m]
		}
		out.Datasets = append(out.Datasets, Dataset{Label: segment, Data: data})
	}
	return out
}
