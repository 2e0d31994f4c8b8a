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
	"fmt"
	"regexp"

	"github.com/cardinalhq/segdash/config"
	"github.com/cardinalhq/segdash/engine"
)

// monthlyWindow is how far back from the newest order the monthly chart reaches.
const monthlyWindow = 12

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*){0,2}$`)

// Tables names the three relations every report reads.
type Tables struct {
	Orders    string
	Customers string
	VIP       string
}

// TablesFromConfig resolves the configured relation names.
func TablesFromConfig(cfg config.TablesConfig) Tables {
	return Tables{
		Orders:    cfg.Orders,
		Customers: cfg.Customers,
		VIP:       cfg.VIPTable(),
	}
}

// Validate rejects anything that is not a plain, optionally qualified, identifier.
func (t Tables) Validate() error {
	for _, ident := range []struct{ role, name string }{
		{"orders", t.Orders},
		{"customers", t.Customers},
		{"vip", t.VIP},
	} {
		if !identRE.MatchString(ident.name) {
			return fmt.Errorf("%w: %s table %q is not a valid identifier", ErrInvalidArgument, ident.role, ident.name)
		}
	}
	return nil
}

// QueryBuilder renders the report SQL for one set of tables and one dialect.
type QueryBuilder struct {
	tables  Tables
	dialect engine.Dialect
}

func NewQueryBuilder(tables Tables, dialect engine.Dialect) (*QueryBuilder, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	return &QueryBuilder{tables: tables, dialect: dialect}, nil
}

// money rounds a monetary aggregate to cents and casts it so every driver
// returns a float64.
func (b *QueryBuilder) money(expr string) string {
	return fmt.Sprintf("CAST(ROUND(%s, 2) AS %s)", expr, b.dialect.Float64())
}

func (b *QueryBuilder) vipJoin() string {
	return fmt.Sprintf(`FROM %s o
JOIN %s c ON o.custkey = c.custkey
JOIN %s v ON v.custkey = c.custkey`, b.tables.Orders, b.tables.Customers, b.tables.VIP)
}

// KPIs returns total_revenue, total_orders, avg_order_value, top_segment.
func (b *QueryBuilder) KPIs() string {
	return fmt.Sprintf(`WITH totals AS (
  SELECT
    %s AS total_revenue,
    COUNT(*) AS total_orders,
    %s AS avg_order_value
  FROM %s o
),
top_seg AS (
  SELECT v.segment, SUM(o.totalprice) AS revenue
  %s
  GROUP BY v.segment
  ORDER BY revenue DESC, v.segment
  LIMIT 1
)
SELECT t.total_revenue, t.total_orders, t.avg_order_value, s.segment AS top_segment
FROM totals t
LEFT JOIN top_seg s ON TRUE`,
		b.money("COALESCE(SUM(o.totalprice), 0)"),
		b.money("COALESCE(AVG(o.totalprice), 0)"),
		b.tables.Orders,
		b.vipJoin(),
	)
}

// RevenueBySegment returns segment, revenue ordered by revenue descending.
func (b *QueryBuilder) RevenueBySegment() string {
	return fmt.Sprintf(`SELECT v.segment, %s AS revenue
%s
GROUP BY v.segment
ORDER BY revenue DESC, v.segment`, b.money("SUM(o.totalprice)"), b.vipJoin())
}

// MonthlyRevenueBySegment returns month, segment, revenue for the trailing
// window ending at the newest order.
func (b *QueryBuilder) MonthlyRevenueBySegment() string {
	return fmt.Sprintf(`WITH bounds AS (
  SELECT MAX(orderdate) AS maxd FROM %s
)
SELECT date_trunc('month', CAST(o.orderdate AS TIMESTAMP)) AS order_month, v.segment, %s AS revenue
%s
CROSS JOIN bounds b
WHERE o.orderdate >= %s
GROUP BY 1, 2
ORDER BY 1, 2`,
		b.tables.Orders,
		b.money("SUM(o.totalprice)"),
		b.vipJoin(),
		b.dialect.MonthsBefore("b.maxd", monthlyWindow),
	)
}

// TopCustomers returns customer_name, segment, orders, revenue. limit must
// already be normalized.
func (b *QueryBuilder) TopCustomers(limit int) string {
	return fmt.Sprintf(`SELECT c.name AS customer_name, v.segment, COUNT(o.orderkey) AS orders, %s AS revenue
%s
GROUP BY c.name, v.segment
ORDER BY revenue DESC, customer_name
LIMIT %d`, b.money("SUM(o.totalprice)"), b.vipJoin(), limit)
}

// AvgOrderValueBySegment returns segment, avg_order_value descending.
func (b *QueryBuilder) AvgOrderValueBySegment() string {
	return fmt.Sprintf(`SELECT v.segment, %s AS avg_order_value
%s
GROUP BY v.segment
ORDER BY avg_order_value DESC, v.segment`, b.money("AVG(o.totalprice)"), b.vipJoin())
}

// OrdersCountBySegment returns segment, orders descending.
func (b *QueryBuilder) OrdersCountBySegment() string {
	return fmt.Sprintf(`SELECT v.segment, COUNT(*) AS orders
%s
GROUP BY v.segment
ORDER BY orders DESC, v.segment`, b.vipJoin())
}
