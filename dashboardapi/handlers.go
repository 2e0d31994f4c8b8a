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
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/cardinalhq/segdash/reports"
)

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(indexHTML)
}

// serveReport adapts a parameterless report to a handler.
func serveReport[V any](s *Server, name string, run func(context.Context) (V, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := run(r.Context())
		if err != nil {
			s.writeReportError(w, r, name, err)
			return
		}
		s.writeReport(w, r, name, 0, v)
	}
}

func (s *Server) handleTopCustomers(w http.ResponseWriter, r *http.Request) {
	limit, err := reports.ParseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeReportError(w, r, reports.TopCustomersName, err)
		return
	}
	v, err := s.reports.TopCustomers(r.Context(), limit)
	if err != nil {
		s.writeReportError(w, r, reports.TopCustomersName, err)
		return
	}
	s.writeReport(w, r, reports.TopCustomersName, limit, v)
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	before := s.cache.Stats().Entries
	s.cache.Purge()
	requestID, _ := GetRequestIDFromContext(r.Context())
	slog.Info("Result cache purged", slog.Int("entries", before), slog.String("requestID", requestID))
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]int{"purged": before})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

// writeReport sends v with an ETag over the body and a max-age matching the
// remaining lifetime of the cached result.
func (s *Server) writeReport(w http.ResponseWriter, r *http.Request, name string, limit int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.writeReportError(w, r, name, fmt.Errorf("encode %s: %w", name, err))
		return
	}

	maxAge := 0
	if d, ok := s.reports.ExpiresIn(name, limit); ok && d > 0 {
		maxAge = int(math.Ceil(d.Seconds()))
	}
	etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))

	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Cache-Control", fmt.Sprintf("private, max-age=%d", maxAge))

	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) writeReportError(w http.ResponseWriter, r *http.Request, name string, err error) {
	status, code, msg := statusAndCodeFor(err)
	requestID, _ := GetRequestIDFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		slog.Error("Report failed",
			slog.String("report", name),
			slog.String("requestID", requestID),
			slog.String("code", string(code)),
			slog.Any("error", err))
	}
	writeAPIError(w, status, code, msg)
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
