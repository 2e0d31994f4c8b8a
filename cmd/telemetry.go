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

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cardinalhq/oteltools/pkg/telemetry"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/host"
	iruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/segdash/internal/helpers"
	"github.com/cardinalhq/segdash/internal/idgen"
)

var (
	commonAttributes attribute.Set

	meter = otel.Meter("github.com/cardinalhq/segdash")

	myInstanceID int64

	warmDuration metric.Float64Histogram

	// existsGauge is set to 1 once and never changes, so the instance shows up
	// in dashboards even when idle.
	existsGauge metric.Int64Gauge
)

// setupTelemetry configures slog and, when enabled, the OTLP exporters. The
// returned context is cancelled on SIGINT or SIGTERM.
func setupTelemetry(servicename string, addlAttrs *attribute.Set) (context.Context, func() error, error) {
	myInstanceID = idgen.InstanceID()

	// Catch signals to stop the process as gracefully as possible.
	doneCtx, doneCancel := handleSignals(context.Background())

	f := func() error {
		doneCancel()
		return nil
	}

	attrs := []attribute.KeyValue{
		attribute.Int64("instanceID", myInstanceID),
	}
	if addlAttrs != nil {
		iter := addlAttrs.Iter()
		for iter.Next() {
			attrs = append(attrs, iter.Attribute())
		}
	}
	commonAttributes = attribute.NewSet(attrs...)

	opts := logHandlerOptions()

	if os.Getenv("OTEL_SERVICE_NAME") != "" && helpers.GetBoolEnv("ENABLE_OTLP_TELEMETRY", false) {
		slog.Info("OpenTelemetry exporting enabled")
		slog.SetDefault(slog.New(slogmulti.Fanout(
			slog.NewTextHandler(os.Stdout, opts),
			otelslog.NewHandler(servicename),
		)).With(
			slog.String("service", servicename),
			slog.Int64("instanceID", myInstanceID),
		))

		otelShutdown, err := telemetry.SetupOTelSDK(doneCtx)
		if err != nil {
			doneCancel()
			return doneCtx, nil, fmt.Errorf("failed to setup OpenTelemetry SDK: %w", err)
		}

		if err := iruntime.Start(iruntime.WithMinimumReadMemStatsInterval(time.Second * 10)); err != nil {
			slog.Warn("failed to start runtime metrics", "error", err.Error())
		}

		if err := host.Start(); err != nil {
			slog.Warn("failed to start host metrics", "error", err.Error())
		}

		f = func() error {
			defer doneCancel()
			slog.Info("Shutting down OpenTelemetry SDK")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return otelShutdown(ctx)
		}
	} else {
		// Configure slog even when OTEL is disabled
		slog.SetDefault(newTextLogger(os.Stdout, servicename))
	}

	setupGlobalMetrics()

	return doneCtx, f, nil
}

// logHandlerOptions turns on debug logging when DEBUG or SEGDASH_DEBUG is set.
func logHandlerOptions() *slog.HandlerOptions {
	if os.Getenv("DEBUG") != "" || os.Getenv("SEGDASH_DEBUG") != "" {
		return &slog.HandlerOptions{Level: slog.LevelDebug}
	}
	return nil
}

func newTextLogger(w io.Writer, servicename string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, logHandlerOptions())).With(
		slog.String("service", servicename),
		slog.Int64("instanceID", idgen.InstanceID()),
	)
}

// setupCLILogging configures slog for one-shot commands. Logs go to stderr so
// they never mix with report output on stdout.
func setupCLILogging(servicename string) {
	myInstanceID = idgen.InstanceID()
	slog.SetDefault(newTextLogger(os.Stderr, servicename))
}

func setupGlobalMetrics() {
	m, err := meter.Float64Histogram(
		"segdash.cache.warm.duration",
		metric.WithUnit("s"),
		metric.WithDescription("The duration in seconds to evaluate every report into the cache"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache.warm.duration histogram: %w", err))
	}
	warmDuration = m

	mg, err := meter.Int64Gauge(
		"segdash.exists",
		metric.WithDescription("Indicates if the service is running (1) or not (0)"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create exists.gauge: %w", err))
	}
	existsGauge = mg
	mg.Record(context.Background(), 1, metric.WithAttributeSet(commonAttributes))
}
