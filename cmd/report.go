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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/segdash/config"
	"github.com/cardinalhq/segdash/reports"
)

type reportResult struct {
	Report string `json:"report" yaml:"report"`
	Result any    `json:"result" yaml:"result"`
}

func init() {
	var (
		output string
		limit  int
	)

	cmd := &cobra.Command{
		Use:       "report <name>... | all",
		Short:     "evaluate reports once and print them",
		Long:      "Evaluate reports against the configured engine and print them. Known reports: " + strings.Join(reports.Names, ", ") + ".",
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: append([]string{"all"}, reports.Names...),
		RunE: func(c *cobra.Command, args []string) error {
			setupCLILogging("segdash")
			names, err := selectReports(args)
			if err != nil {
				return err
			}
			ctx, cancel := handleSignals(context.Background())
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runReports(ctx, cfg, names, limit, output, c.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	cmd.Flags().IntVar(&limit, "limit", reports.DefaultTopCustomers, "rows for top_customers")

	rootCmd.AddCommand(cmd)
}

// selectReports resolves the requested names into dashboard order. "all"
// selects every report.
func selectReports(args []string) ([]string, error) {
	known := mapset.NewSet(reports.Names...)
	requested := mapset.NewSet[string]()
	for _, a := range args {
		requested.Add(strings.ToLower(strings.TrimSpace(a)))
	}
	if requested.Contains("all") {
		return reports.Names, nil
	}
	if unknown := requested.Difference(known); unknown.Cardinality() > 0 {
		return nil, fmt.Errorf("%w: %s", reports.ErrUnknownReport, strings.Join(mapset.Sorted(unknown), ", "))
	}

	selected := make([]string, 0, requested.Cardinality())
	for _, name := range reports.Names {
		if requested.Contains(name) {
			selected = append(selected, name)
		}
	}
	return selected, nil
}

func runReports(ctx context.Context, cfg *config.Config, names []string, limit int, output string, w io.Writer) error {
	if output != "json" && output != "yaml" {
		return fmt.Errorf("unknown output format %q", output)
	}

	e, svc, err := newReportService(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			slog.Warn("Failed to close engine", slog.Any("error", err))
		}
	}()

	if len(names) == len(reports.Names) {
		if err := svc.Warm(ctx); err != nil {
			return err
		}
	}

	results := make([]reportResult, 0, len(names))
	for _, name := range names {
		v, err := svc.Run(ctx, name, limit)
		if err != nil {
			return err
		}
		results = append(results, reportResult{Report: name, Result: v})
	}
	return writeResults(w, output, results)
}

func writeResults(w io.Writer, output string, results []reportResult) error {
	switch output {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(results); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
}
