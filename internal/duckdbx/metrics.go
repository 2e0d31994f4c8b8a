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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/cardinalhq/segdash/duckdbx")

func (d *DB) pollMemoryMetrics(ctx context.Context) {
	dbSizeGauge, err := meter.Int64Gauge("segdash.duckdb.memory.database_size",
		metric.WithDescription("DuckDB database size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		slog.Error("failed to create database_size metric", slog.Any("error", err))
		return
	}

	usedBlocksGauge, err := meter.Int64Gauge("segdash.duckdb.memory.used_blocks",
		metric.WithDescription("DuckDB used blocks"),
		metric.WithUnit("1"),
	)
	if err != nil {
		slog.Error("failed to create used_blocks metric", slog.Any("error", err))
		return
	}

	memoryUsageGauge, err := meter.Int64Gauge("segdash.duckdb.memory.memory_usage",
		metric.WithDescription("DuckDB memory usage"),
		metric.WithUnit("By"),
	)
	if err != nil {
		slog.Error("failed to create memory_usage metric", slog.Any("error", err))
		return
	}

	memoryLimitGauge, err := meter.Int64Gauge("segdash.duckdb.memory.memory_limit",
		metric.WithDescription("DuckDB memory limit"),
		metric.WithUnit("By"),
	)
	if err != nil {
		slog.Error("failed to create memory_limit metric", slog.Any("error", err))
		return
	}

	ticker := time.NewTicker(d.metricsPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		conn, release, err := d.GetConnection(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to get connection for memory metrics", slog.Any("error", err))
			continue
		}
		stats, err := GetMemoryStats(ctx, conn)
		release()
		if err != nil {
			slog.Error("failed to get memory stats", slog.Any("error", err))
			continue
		}

		for _, stat := range stats {
			attr := metric.WithAttributeSet(attribute.NewSet(
				attribute.String("database_name", stat.DatabaseName),
			))
			dbSizeGauge.Record(ctx, stat.DatabaseSize, attr)
			usedBlocksGauge.Record(ctx, stat.UsedBlocks, attr)
			memoryUsageGauge.Record(ctx, stat.MemoryUsage, attr)
			memoryLimitGauge.Record(ctx, stat.MemoryLimit, attr)
		}
	}
}
