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

package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardinalhq/segdash/internal/helpers"
)

const (
	DefaultPort         = 8090
	defaultProbeTimeout = 2 * time.Second
)

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Probe reports whether a dependency is usable. A nil error means ready.
type Probe func(ctx context.Context) error

type Response struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks,omitempty"`
}

type Server struct {
	port         int
	probeTimeout time.Duration
	status       atomic.Int32
	ready        atomic.Bool

	mu     sync.RWMutex
	probes map[string]Probe

	server *http.Server
}

type Config struct {
	Port         int
	ProbeTimeout time.Duration
}

func GetConfigFromEnv() Config {
	return Config{
		Port: helpers.GetPortEnv("HEALTH_CHECK_PORT", DefaultPort),
	}
}

func NewServer(config Config) *Server {
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaultProbeTimeout
	}
	return &Server{
		port:         config.Port,
		probeTimeout: config.ProbeTimeout,
		probes:       map[string]Probe{},
	}
}

func (s *Server) SetStatus(status Status) {
	s.status.Store(int32(status))
	slog.Debug("Health check status updated", slog.String("status", status.String()))
}

func (s *Server) GetStatus() Status {
	return Status(s.status.Load())
}

func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	slog.Debug("Ready status updated", slog.Bool("ready", ready))
}

// AddProbe registers a named readiness probe. /readyz runs every probe on
// each request and reports not-ready if any of them fails.
func (s *Server) AddProbe(name string, p Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[name] = p
}

// Readiness evaluates the ready flag and all probes. The returned map holds
// "ok" or the error text for each probe.
func (s *Server) Readiness(ctx context.Context) (bool, map[string]string) {
	s.mu.RLock()
	names := make([]string, 0, len(s.probes))
	for name := range s.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	probes := make([]Probe, len(names))
	for i, name := range names {
		probes[i] = s.probes[name]
	}
	s.mu.RUnlock()

	ready := s.ready.Load()
	checks := make(map[string]string, len(names))
	for i, name := range names {
		pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		err := probes[i](pctx)
		cancel()
		if err != nil {
			ready = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	return ready, checks
}

// Handler returns the mux serving /healthz, /readyz and /livez.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/livez", s.livezHandler)
	return mux
}

// Start serves until ctx is done. A zero port disables the server.
func (s *Server) Start(ctx context.Context) error {
	if s.port == 0 {
		slog.Info("Health check server disabled")
		<-ctx.Done()
		return nil
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("Starting health check server", slog.Int("port", s.port))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("health check server: %w", err)
	case <-ctx.Done():
	}
	return s.Stop()
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	slog.Info("Stopping health check server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func writeResponse(w http.ResponseWriter, ok bool, checks map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(Response{Healthy: ok, Checks: checks}); err != nil {
		slog.Error("Failed to encode health check response", slog.Any("error", err))
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, s.GetStatus() == StatusHealthy, nil)
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ready, checks := s.Readiness(r.Context())
	writeResponse(w, ready, checks)
}

func (s *Server) livezHandler(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, s.GetStatus() != StatusUnhealthy, nil)
}
