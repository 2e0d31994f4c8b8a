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
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Warm evaluates every report concurrently so the first page load is served
// from cache. The result cache bounds how many queries actually run at once.
func (s *Service) Warm(ctx context.Context) error {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range Names {
		g.Go(func() error {
			if _, err := s.Run(gctx, name, DefaultTopCustomers); err != nil {
				return fmt.Errorf("warm %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Report cache warmed",
		slog.Int("reports", len(Names)),
		slog.Int("entries", s.cache.Len()),
		slog.Duration("duration", time.Since(start)))
	return nil
}
