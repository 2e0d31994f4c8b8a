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

package dashboardapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cardinalhq/segdash/config"
	"github.com/cardinalhq/segdash/reports"
	"github.com/cardinalhq/segdash/resultcache"
)

//go:embed web/index.html
var indexHTML []byte

// Reports is the report surface served under /api. *reports.Service
// satisfies it.
type Reports interface {
	KPIs(ctx context.Context) (reports.KPIs, error)
	RevenueBySegment(ctx context.Context) (reports.SegmentValues, error)
	RevenueShareBySegment(ctx context.Context) (reports.SegmentValues, error)
	MonthlyRevenueBySegment(ctx context.Context) (reports.MonthlySeries, error)
	TopCustomers(ctx context.Context, limit int) (reports.TopCustomers, error)
	AvgOrderValueBySegment(ctx context.Context) (reports.SegmentValues, error)
	OrdersCountBySegment(ctx context.Context) (reports.SegmentCounts, error)
	ExpiresIn(name string, limit int) (time.Duration, bool)
}

// CacheAdmin exposes the result cache to operators.
type CacheAdmin interface {
	Purge()
	Stats() resultcache.Stats
}

type Server struct {
	addr              string
	apiKeys           []string
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration

	reports Reports
	cache   CacheAdmin
}

func NewServer(cfg config.ServerConfig, r Reports, cache CacheAdmin) *Server {
	return &Server{
		addr:              cfg.Addr(),
		apiKeys:           cfg.APIKeys,
		readHeaderTimeout: cfg.ReadHeaderTimeout,
		shutdownTimeout:   cfg.ShutdownTimeout,
		reports:           r,
		cache:             cache,
	}
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", requestMiddleware(s.handleIndex))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	api := func(h http.HandlerFunc) http.HandlerFunc {
		return requestMiddleware(s.apiKeyMiddleware(h))
	}

	mux.HandleFunc("GET /api/kpis", api(serveReport(s, reports.KPIsName, s.reports.KPIs)))
	mux.HandleFunc("GET /api/revenue_by_segment", api(serveReport(s, reports.RevenueBySegmentName, s.reports.RevenueBySegment)))
	mux.HandleFunc("GET /api/revenue_share_by_segment", api(serveReport(s, reports.RevenueShareBySegmentName, s.reports.RevenueShareBySegment)))
	mux.HandleFunc("GET /api/monthly_revenue_by_segment", api(serveReport(s, reports.MonthlyRevenueBySegmentName, s.reports.MonthlyRevenueBySegment)))
	mux.HandleFunc("GET /api/top_customers", api(s.handleTopCustomers))
	mux.HandleFunc("GET /api/avg_order_value_by_segment", api(serveReport(s, reports.AvgOrderValueBySegmentName, s.reports.AvgOrderValueBySegment)))
	mux.HandleFunc("GET /api/orders_count_by_segment", api(serveReport(s, reports.OrdersCountBySegmentName, s.reports.OrdersCountBySegment)))

	mux.HandleFunc("POST /api/cache/purge", api(s.handleCachePurge))
	mux.HandleFunc("GET /api/cache/stats", api(s.handleCacheStats))

	return otelhttp.NewHandler(mux, "segdash.http")
}

// Run serves until doneCtx is cancelled, then drains in-flight requests.
func (s *Server) Run(doneCtx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(doneCtx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(doneCtx context.Context, ln net.Listener) error {
	slog.Info("Starting dashboard server", slog.String("addr", ln.Addr().String()))

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("dashboard server: %w", err)
		}
		return nil
	case <-doneCtx.Done():
	}

	slog.Info("Shutting down dashboard server")
	shutdownCtx := context.Background()
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, s.shutdownTimeout)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shutdown HTTP server", slog.Any("error", err))
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
