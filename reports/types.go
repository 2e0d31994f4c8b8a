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

// KPIs are the headline tiles.
type KPIs struct {
	TotalRevenue  float64 `json:"total_revenue" yaml:"total_revenue"`
	TotalOrders   int64   `json:"total_orders" yaml:"total_orders"`
	AvgOrderValue float64 `json:"avg_order_value" yaml:"avg_order_value"`
	// TopSegment is nil when no order belongs to a VIP customer.
	TopSegment *string `json:"top_segment" yaml:"top_segment"`
}

// SegmentValues is a labelled series of monetary values, one per segment.
type SegmentValues struct {
	Labels []string  `json:"labels" yaml:"labels"`
	Values []float64 `json:"values" yaml:"values"`
}

// SegmentCounts is a labelled series of counts, one per segment.
type SegmentCounts struct {
	Labels []string `json:"labels" yaml:"labels"`
	Values []int64  `json:"values" yaml:"values"`
}

// Dataset is one line of a multi-series chart.
type Dataset struct {
	Label string    `json:"label" yaml:"label"`
	Data  []float64 `json:"data" yaml:"data"`
}

// MonthlySeries holds one dataset per segment, aligned to Labels ("YYYY-MM").
type MonthlySeries struct {
	Labels   []string  `json:"labels" yaml:"labels"`
	Datasets []Dataset `json:"datasets" yaml:"datasets"`
}

type CustomerRow struct {
	CustomerName string  `json:"customer_name" yaml:"customer_name"`
	Segment      string  `json:"segment" yaml:"segment"`
	Orders       int64   `json:"orders" yaml:"orders"`
	Revenue      float64 `json:"revenue" yaml:"revenue"`
}

type TopCustomers struct {
	Rows []CustomerRow `json:"rows" yaml:"rows"`
}
