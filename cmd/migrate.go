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
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/segdash/config"
	"github.com/cardinalhq/segdash/internal/dbopen"
	"github.com/cardinalhq/segdash/internal/schema"
)

var migrateStatus bool

func init() {
	MigrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "print the current and expected schema versions instead of migrating")
	rootCmd.AddCommand(MigrateCmd)
}

var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  "Create the orders, customer and vip_customers tables in the PostgreSQL database named by engine.postgres.url or SEGDASH_PG_*.",
	RunE:  migrate,
}

func migrate(c *cobra.Command, _ []string) error {
	setupCLILogging("segdash")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(5*time.Minute))
	defer cancel()

	db, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	if migrateStatus {
		v, err := schema.CurrentVersion(db)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.OutOrStdout(), "current=%d expected=%d dirty=%t\n", v.Current, v.Expected, v.Dirty)
		return err
	}

	slog.Info("Running schema migrations")
	if err := schema.RunMigrationsUp(db); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	slog.Info("Schema migrations completed successfully")
	return nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	dsn, err := dbopen.PostgresURL(cfg.Engine.Postgres.URL)
	if err != nil {
		return nil, err
	}
	return dbopen.OpenPostgres(ctx, dsn, cfg.Engine.MaxOpenConns)
}
