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
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/segdash/config"
	"github.com/cardinalhq/segdash/engine"
	"github.com/cardinalhq/segdash/internal/demodata"
	"github.com/cardinalhq/segdash/internal/schema"
)

func init() {
	opts := demodata.DefaultOptions()
	var (
		reset     bool
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "load synthetic demo data into a DuckDB file or PostgreSQL",
		Long: `Generate TPC-H shaped customers and orders plus VIP segments and load them into
the configured engine. Point the dashboard at them with
SEGDASH_TABLES_ORDERS=orders SEGDASH_TABLES_CUSTOMERS=customer SEGDASH_TABLES_VIP_CUSTOMERS=vip_customers.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			setupCLILogging("segdash")
			ctx, cancel := handleSignals(context.Background())
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return seed(ctx, cfg, opts, reset, batchSize)
		},
	}
	cmd.Flags().Int64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	cmd.Flags().IntVar(&opts.Customers, "customers", opts.Customers, "number of customers")
	cmd.Flags().IntVar(&opts.Orders, "orders", opts.Orders, "number of orders")
	cmd.Flags().Float64Var(&opts.VIPShare, "vip-share", opts.VIPShare, "fraction of customers with a VIP segment")
	cmd.Flags().StringSliceVar(&opts.Segments, "segments", opts.Segments, "VIP segment names")
	cmd.Flags().BoolVar(&reset, "reset", false, "delete existing rows first")
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "rows per INSERT statement")

	rootCmd.AddCommand(cmd)
}

func seed(ctx context.Context, cfg *config.Config, opts demodata.Options, reset bool, batchSize int) error {
	switch cfg.Engine.Kind {
	case config.EngineDuckDB:
		if cfg.Engine.DuckDB.Path == "" {
			return errors.New("seeding duckdb needs engine.duckdb.path; a temporary database would be discarded")
		}
	case config.EnginePostgres:
	default:
		return fmt.Errorf("seed supports duckdb and postgres, not %s", cfg.Engine.Kind)
	}

	e, err := engine.Open(ctx, cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to open query engine: %w", err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			slog.Warn("Failed to close engine", slog.Any("error", err))
		}
	}()

	if e.Kind() == config.EnginePostgres {
		err = schema.RunMigrationsUp(e.DB())
	} else {
		err = demodata.CreateTables(ctx, e.DB())
	}
	if err != nil {
		return err
	}

	if reset {
		if err := demodata.Reset(ctx, e.DB()); err != nil {
			return err
		}
	}

	ds, err := demodata.Generate(opts)
	if err != nil {
		return err
	}
	return demodata.Load(ctx, e.DB(), ds, batchSize)
}
