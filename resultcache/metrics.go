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

package resultcache

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/cardinalhq/segdash/resultcache")

type instruments struct {
	requests   metric.Int64Counter
	loadErrors metric.Int64Counter
	wait       metric.Float64Histogram

	hitAttrs  metric.MeasurementOption
	missAttrs metric.MeasurementOption
	attrs     metric.MeasurementOption
}

func newInstruments(name string) *instruments {
	requests, err := meter.Int64Counter(
		"segdash.cache.requests",
		metric.WithDescription("Cache lookups by result"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.requests counter: %w", err))
	}

	loadErrors, err := meter.Int64Counter(
		"segdash.cache.load.errors",
		metric.WithDescription("Cache loads that returned an error"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.load.errors counter: %w", err))
	}

	wait, err := meter.Float64Histogram(
		"segdash.cache.slot.wait",
		metric.WithUnit("s"),
		metric.WithDescription("Time a load waited for a query slot"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.slot.wait histogram: %w", err))
	}

	cacheAttr := attribute.String("cache", name)
	return &instruments{
		requests:   requests,
		loadErrors: loadErrors,
		wait:       wait,
		hitAttrs:   metric.WithAttributeSet(attribute.NewSet(cacheAttr, attribute.String("result", "hit"))),
		missAttrs:  metric.WithAttributeSet(attribute.NewSet(cacheAttr, attribute.String("result", "miss"))),
		attrs:      metric.WithAttributeSet(attribute.NewSet(cacheAttr)),
	}
}

func (i *instruments) request(ctx context.Context, hit bool) {
	if hit {
		i.requests.Add(ctx, 1, i.hitAttrs)
		return
	}
	i.requests.Add(ctx, 1, i.missAttrs)
}

func (i *instruments) loadError(ctx context.Context) {
	i.loadErrors.Add(ctx, 1, i.attrs)
}

func (i *instruments) slotWait(ctx context.Context, d time.Duration) {
	i.wait.Record(ctx, d.Seconds(), i.attrs)
}
