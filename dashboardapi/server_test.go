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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/segdash/config"
	"github.com/cardinalhq/segdash/engine"
	"github.com/cardinalhq/segdash/reports"
	"github.com/cardinalhq/segdash/resultcache"
)

type fakeReports struct {
	err       error
	lastLimit int
	expiresIn time.Duration
}

func (f *fakeReports) KPIs(context.Context) (reports.KPIs, error) {
	top := "gold"
	return reports.KPIs{TotalRevenue: 1385.75, TotalOrders: 6, AvgOrderValue: 230.96, TopSegment: &top}, f.err
}

func (f *fakeReports) RevenueBySegment(context.Context) (reports.SegmentValues, error) {
	return reports.SegmentValues{Labels: []string{"silver", "gold"}, Values: []float64{210, 175.75}}, f.err
}

func (f *fakeReports) RevenueShareBySegment(ctx context.Context) (reports.SegmentValues, error) {
	return f.RevenueBySegment(ctx)
}

func (f *fakeReports) MonthlyRevenueBySegment(context.Context) (reports.MonthlySeries, error) {
	return reports.MonthlySeries{
		Labels:   []string{"2024-01", "2024-02"},
		Datasets: []reports.Dataset{{Label: "gold", Data: []float64{100, 0}}},
	}, f.err
}

func (f *fakeReports) TopCustomers(_ context.Context, limit int) (reports.TopCustomers, error) {
	f.lastLimit = limit
	return reports.TopCustomers{Rows: []reports.CustomerRow{{CustomerName: "Bob", Segment: "silver", Orders: 2, Revenue: 210}}}, f.err
}

func (f *fakeReports) AvgOrderValueBySegment(context.Context) (reports.SegmentValues, error) {
	return reports.SegmentValues{Labels: []string{"silver"}, Values: []float64{105}}, f.err
}

func (f *fakeReports) OrdersCountBySegment(context.Context) (reports.SegmentCounts, error) {
	return reports.SegmentCounts{Labels: []string{"gold"}, Values: []int64{3}}, f.err
}

func (f *fakeReports) ExpiresIn(string, int) (time.Duration, bool) {
	return f.expiresIn, f.expiresIn > 0
}

func newTestServer(t *testing.T, r *fakeReports, keys ...string) (*Server, *resultcache.Cache) {
	t.Helper()
	cache := resultcache.New(resultcache.Config{Name: "test", TTL: time.Minute})
	cfg := config.DefaultConfig().Server
	cfg.APIKeys = keys
	return NewServer(cfg, r, cache), cache
}

func do(t *testing.T, h http.Handler, method, target string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIndex(t *testing.T) {
	s, _ := newTestServer(t, &fakeReports{})
	rec := do(t, s.Handler(), http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "chart.js")

	rec = do(t, s.Handler(), http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, &fakeReports{})
	rec := do(t, s.Handler(), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReportRoutes(t *testing.T) {
	s, _ := newTestServer(t, &fakeReports{expiresIn: 42 * time.Second})
	h := s.Handler()

	tests := []struct {
		path string
		want string
	}{
		{"/api/kpis", `{"total_revenue":1385.75,"total_orders":6,"avg_order_value":230.96,"top_segment":"gold"}`},
		{"/api/revenue_by_segment", `{"labels":["silver","gold"],"values":[210,175.75]}`},
		{"/api/revenue_share_by_segment", `{"labels":["silver","gold"],"values":[210,175.75]}`},
		{"/api/monthly_revenue_by_segment", `{"labels":["2024-01","2024-02"],"datasets":[{"label":"gold","data":[100,0]}]}`},
		{"/api/top_customers", `{"rows":[{"customer_name":"Bob","segment":"silver","orders":2,"revenue":210}]}`},
		{"/api/avg_order_value_by_segment", `{"labels":["silver"],"values":[105]}`},
		{"/api/orders_count_by_segment", `{"labels":["gold"],"values":[3]}`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, tt.want, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, "private, max-age=42", rec.Header().Get("Cache-Control"))
			assert.NotEmpty(t, rec.Header().Get("ETag"))
			assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
		})
	}
}

func TestReportMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, &fakeReports{})
	rec := do(t, s.Handler(), http.MethodPost, "/api/kpis")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestConditionalGet(t *testing.T) {
	s, _ := newTestServer(t, &fakeReports{expiresIn: time.Second})
	h := s.Handler()

	first := do(t, h, http.MethodGet, "/api/kpis")
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")

	second := do(t, h, http.MethodGet, "/api/kpis", func(r *http.Request) {
		r.Header.Set("If-None-Match", etag)
	})
	assert.Equal(t, http.StatusNotModified, second.Code)
	assert.Empty(t, second.Body.String())
	assert.Equal(t, etag, second.Header().Get("ETag"))

	stale := do(t, h, http.MethodGet, "/api/kpis", func(r *http.Request) {
		r.Header.Set("If-None-Match", `"0000000000000000"`)
	})
	assert.Equal(t, http.StatusOK, stale.Code)
}

func TestTopCustomersLimit(t *testing.T) {
	r := &fakeReports{}
	s, _ := newTestServer(t, r)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/top_customers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reports.DefaultTopCustomers, r.lastLimit)

	rec = do(t, h, http.MethodGet, "/api/top_customers?limit=500")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reports.MaxTopCustomers, r.lastLimit)

	rec = do(t, h, http.MethodGet, "/api/top_customers?limit=abc")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, ErrInvalidArgument, apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Message, "abc")
}

func TestReportErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   APIErrorCode
	}{
		{"engine", fmt.Errorf("%w: query kpis: connection refused", engine.ErrQueryFailed), http.StatusBadGateway, ErrEngineUnavailable},
		{"deadline", fmt.Errorf("%w: query kpis: %w", engine.ErrQueryFailed, context.DeadlineExceeded), http.StatusGatewayTimeout, ErrTimeout},
		{"canceled", context.Canceled, statusClientClosedRequest, ErrClientClosed},
		{"other", errors.New("boom"), http.StatusInternalServerError, ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, &fakeReports{err: tt.err})
			rec := do(t, s.Handler(), http.MethodGet, "/api/kpis")
			require.Equal(t, tt.status, rec.Code)

			var apiErr APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
			assert.Equal(t, tt.code, apiErr.Code)
			assert.NotContains(t, apiErr.Message, "connection refused")
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		})
	}
}

func TestAPIKey(t *testing.T) {
	s, _ := newTestServer(t, &fakeReports{}, "k1", "k2")
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/kpis")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/kpis", func(r *http.Request) { r.Header.Set(apiKeyHeader, "wrong") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/kpis", func(r *http.Request) { r.Header.Set(apiKeyHeader, "k2") })
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/kpis", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: apiKeyCookie, Value: "k1"})
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// The page itself stays reachable so the browser can load it.
	rec = do(t, h, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	s, _ := newTestServer(t, &fakeReports{})
	rec := do(t, s.Handler(), http.MethodGet, "/api/kpis", func(r *http.Request) {
		r.Header.Set(requestIDHeader, "abc-123")
	})
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestCacheEndpoints(t *testing.T) {
	s, cache := newTestServer(t, &fakeReports{})
	h := s.Handler()
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		_, err := resultcache.Get(ctx, cache, key, func(context.Context) (int, error) { return 1, nil })
		require.NoError(t, err)
	}

	rec := do(t, h, http.MethodGet, "/api/cache/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats resultcache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(2), stats.Misses)

	rec = do(t, h, http.MethodGet, "/api/cache/purge")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/cache/purge")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purged":2}`, rec.Body.String())
	assert.Equal(t, 0, cache.Len())
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t, &fakeReports{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

type slowReports struct {
	fakeReports
	cache *resultcache.Cache
	delay time.Duration
}

func (r *slowReports) KPIs(ctx context.Context) (reports.KPIs, error) {
	return resultcache.Get(ctx, r.cache, "kpis", func(context.Context) (reports.KPIs, error) {
		time.Sleep(r.delay)
		return r.fakeReports.KPIs(ctx)
	})
}

func TestServeDrainsReportsInFlight(t *testing.T) {
	cache := resultcache.New(resultcache.Config{Name: "test", TTL: time.Minute})
	r := &slowReports{cache: cache, delay: 300 * time.Millisecond}
	s := NewServer(config.DefaultConfig().Server, r, cache)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	type result struct {
		status int
		body   string
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/kpis")
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer func() { _ = resp.Body.Close() }()
		var sb strings.Builder
		_, err = io.Copy(&sb, resp.Body)
		resCh <- result{status: resp.StatusCode, body: sb.String(), err: err}
	}()

	require.Eventually(t, func() bool { return cache.Stats().Misses == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	cancel()

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, http.StatusOK, res.status, res.body)
	assert.Contains(t, res.body, `"total_orders":6`)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestEtagMatches(t *testing.T) {
	assert.False(t, etagMatches("", `"a"`))
	assert.True(t, etagMatches(`"a"`, `"a"`))
	assert.True(t, etagMatches(`"x", W/"a"`, `"a"`))
	assert.True(t, etagMatches("*", `"a"`))
	assert.False(t, etagMatches(`"b"`, `"a"`))
}

func TestRunRejectsAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	cfg := config.DefaultConfig().Server
	cfg.Host = "127.0.0.1"
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	s := NewServer(cfg, &fakeReports{}, resultcache.New(resultcache.Config{}))
	err = s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "listen"))
}
