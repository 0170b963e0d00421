// Copyright (C) 2025 Chartwell Analytics, Inc
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

// Package healthcheck serves liveness and readiness probes. Readiness is
// gated on named conditions (redis, database) so partial wiring is visible
// during startup.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Server answers /healthz and /readyz.
type Server struct {
	port    int
	healthy atomic.Bool

	mu         sync.Mutex
	conditions map[string]bool

	server *http.Server
}

// NewServer builds a probe server on the given port.
func NewServer(port int) *Server {
	return &Server{
		port:       port,
		conditions: make(map[string]bool),
	}
}

// SetHealthy flips liveness.
func (s *Server) SetHealthy(healthy bool) {
	s.healthy.Store(healthy)
}

// SetCondition sets a named readiness condition. All conditions must hold
// for /readyz to answer 200.
func (s *Server) SetCondition(name string, ready bool) {
	s.mu.Lock()
	s.conditions[name] = ready
	s.mu.Unlock()
	slog.Debug("readiness condition updated", slog.String("condition", name), slog.Bool("ready", ready))
}

func (s *Server) ready() (bool, map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]bool, len(s.conditions))
	ready := true
	for name, ok := range s.conditions {
		snapshot[name] = ok
		if !ok {
			ready = false
		}
	}
	return ready, snapshot
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"healthy": s.healthy.Load()})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ready, conditions := s.ready()
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ready":      ready,
			"conditions": conditions,
		})
	})
	return mux
}

// Start serves probes until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
