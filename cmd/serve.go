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
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/segdash/config"
	"github.com/cardinalhq/segdash/dashboardapi"
	"github.com/cardinalhq/segdash/engine"
	"github.com/cardinalhq/segdash/internal/debugging"
	"github.com/cardinalhq/segdash/internal/healthcheck"
	"github.com/cardinalhq/segdash/reports"
	"github.com/cardinalhq/segdash/resultcache"
)

func init() {
	var warm bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the dashboard server",
		RunE: func(c *cobra.Command, _ []string) error {
			servicename := "segdash"
			addlAttrs := attribute.NewSet()
			doneCtx, doneFx, err := setupTelemetry(servicename, &addlAttrs)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}

			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if c.Flags().Changed("warm") {
				cfg.Server.Warm = warm
			}

			return serve(doneCtx, cfg)
		},
	}
	cmd.Flags().BoolVar(&warm, "warm", false, "evaluate every report at startup so the first page load is cached")

	rootCmd.AddCommand(cmd)
}

// newReportService opens the engine and wires it to a result cache sized from
// cfg. The caller closes the engine.
func newReportService(ctx context.Context, cfg *config.Config) (*engine.Engine, *reports.Service, error) {
	e, err := engine.Open(ctx, cfg.Engine)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open query engine: %w", err)
	}

	builder, err := reports.NewQueryBuilder(reports.TablesFromConfig(cfg.Tables), e.Dialect())
	if err != nil {
		_ = e.Close()
		return nil, nil, err
	}

	cache := resultcache.New(resultcache.Config{
		Name:               "reports",
		TTL:                cfg.Cache.TTL,
		Capacity:           cfg.Cache.Capacity,
		MaxConcurrentLoads: cfg.Cache.MaxConcurrentQueries,
		LoadTimeout:        cfg.Engine.QueryTimeout,
	})
	return e, reports.NewService(e, builder, cache), nil
}

func serve(doneCtx context.Context, cfg *config.Config) (err error) {
	healthServer := healthcheck.NewServer(healthcheck.GetConfigFromEnv())
	debugging.RunPprof(doneCtx)

	e, svc, err := newReportService(doneCtx, cfg)
	if err != nil {
		slog.Error("Failed to set up reports", slog.Any("error", err))
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close engine: %w", cerr)).ErrorOrNil()
		}
	}()

	healthServer.AddProbe("engine", e.Ping)

	g, gctx := errgroup.WithContext(doneCtx)
	g.Go(func() error {
		return healthServer.Start(gctx)
	})
	g.Go(func() error {
		svc.Cache().Start(gctx)
		return nil
	})

	if cfg.Server.Warm {
		g.Go(func() error {
			start := time.Now()
			outcome := "ok"
			if err := svc.Warm(gctx); err != nil {
				outcome = "error"
				slog.Warn("Failed to warm report cache", slog.Any("error", err))
			}
			warmDuration.Record(context.WithoutCancel(gctx), time.Since(start).Seconds(),
				metric.WithAttributeSet(commonAttributes),
				metric.WithAttributes(attribute.String("outcome", outcome)))
			return nil
		})
	}

	api := dashboardapi.NewServer(cfg.Server, svc, svc.Cache())
	g.Go(func() error {
		return api.Run(gctx)
	})

	healthServer.SetReady(true)
	healthServer.SetStatus(healthcheck.StatusHealthy)
	slog.Info("Dashboard ready",
		slog.String("engine", e.Kind()),
		slog.String("addr", cfg.Server.Addr()),
		slog.Duration("cacheTTL", cfg.Cache.TTL),
		slog.Int64("maxConcurrentQueries", cfg.Cache.MaxConcurrentQueries))

	return g.Wait()
}
