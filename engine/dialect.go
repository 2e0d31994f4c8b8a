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
	"fmt"

	"github.com/cardinalhq/segdash/config"
)

// Dialect covers the SQL fragments that differ between engines. Everything
// else the reports emit is portable across Trino, DuckDB and Postgres.
type Dialect interface {
	Name() string
	// MonthsBefore returns an expression for the point in time n months
	// before expr.
	MonthsBefore(expr string, n int) string
	// Float64 is the type name that scans into a Go float64.
	Float64() string
}

type trinoDialect struct{}

func (trinoDialect) Name() string { return config.EngineTrino }

func (trinoDialect) Float64() string { return "DOUBLE" }

func (trinoDialect) MonthsBefore(expr string, n int) string {
	return fmt.Sprintf("date_add('month', -%d, %s)", n, expr)
}

// intervalDialect is shared by DuckDB and Postgres, which both accept
// interval literals in date arithmetic.
type intervalDialect struct {
	name    string
	float64 string
}

func (d intervalDialect) Name() string { return d.name }

func (d intervalDialect) Float64() string { return d.float64 }

func (intervalDialect) MonthsBefore(expr string, n int) string {
	return fmt.Sprintf("(%s - INTERVAL '%d months')", expr, n)
}

// DialectFor returns the dialect of an engine kind.
func DialectFor(kind string) (Dialect, error) {
	switch kind {
	case config.EngineTrino:
		return trinoDialect{}, nil
	case config.EngineDuckDB:
		return intervalDialect{name: kind, float64: "DOUBLE"}, nil
	case config.EnginePostgres:
		return intervalDialect{name: kind, float64: "DOUBLE PRECISION"}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
