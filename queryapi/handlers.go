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

// Package queryapi is the thin HTTP surface over the cache core: one render
// endpoint, dimension expansion, and pattern invalidation. Endpoint routing
// stays deliberately small; all interesting behavior lives in querycache.
package queryapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chartwellhq/chartwell/internal/chartconfig"
	"github.com/chartwellhq/chartwell/internal/logctx"
	"github.com/chartwellhq/chartwell/internal/permissions"
	"github.com/chartwellhq/chartwell/querycache"
)

// Service wires the HTTP handlers to the core.
type Service struct {
	orch    *querycache.Orchestrator
	coord   *querycache.Coordinator
	inval   *querycache.Invalidator
	perms   *permissions.Provider
	catalog Catalog
}

// NewService builds the API service.
func NewService(orch *querycache.Orchestrator, coord *querycache.Coordinator, inval *querycache.Invalidator, perms *permissions.Provider, catalog Catalog) *Service {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Service{orch: orch, coord: coord, inval: inval, perms: perms, catalog: catalog}
}

// Routes returns the service mux.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/charts/data", postOnly(s.apiKeyMiddleware(s.handleRender)))
	mux.HandleFunc("/api/v1/charts/expand", postOnly(s.apiKeyMiddleware(s.handleExpand)))
	mux.HandleFunc("/api/v1/cache/invalidate", postOnly(s.apiKeyMiddleware(s.handleInvalidate)))
	return mux
}

// postOnly restricts a route to POST, matching the behavior of the
// "POST /path" ServeMux patterns available in newer Go versions.
func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// WidgetRequest is one chart widget's data ask within a render.
type WidgetRequest struct {
	DataSourceID int64              `json:"dataSourceId"`
	Measure      string             `json:"measure,omitempty"`
	PracticeID   *int64             `json:"practiceId,omitempty"`
	ProviderID   *int64             `json:"providerId,omitempty"`
	Frequency    string             `json:"frequency,omitempty"`
	StartDate    *time.Time         `json:"startDate,omitempty"`
	EndDate      *time.Time         `json:"endDate,omitempty"`
	Predicates   []querycache.Predicate `json:"predicates,omitempty"`

	// Chart is presentation-only; it is validated here and consumed by the
	// renderer, never by the data path.
	Chart   json.RawMessage `json:"chart,omitempty"`
	NoCache bool            `json:"noCache,omitempty"`
}

// RenderRequest is one dashboard render: many widgets, one deduplication
// scope.
type RenderRequest struct {
	Widgets []WidgetRequest `json:"widgets"`
}

// WidgetResult carries one widget's rows, or its error.
type WidgetResult struct {
	Rows     []querycache.Row `json:"rows,omitempty"`
	RowCount int              `json:"rowCount"`
	Error    string           `json:"error,omitempty"`
}

func (w WidgetRequest) toParams(catalog Catalog) querycache.FetchParams {
	return querycache.FetchParams{
		DataSourceID:  w.DataSourceID,
		Measure:       w.Measure,
		PracticeID:    w.PracticeID,
		ProviderID:    w.ProviderID,
		Frequency:     w.Frequency,
		StartDate:     w.StartDate,
		EndDate:       w.EndDate,
		Predicates:    w.Predicates,
		AllowedFields: catalog.AllowedFields(w.DataSourceID),
	}
}

func (s *Service) handleRender(w http.ResponseWriter, r *http.Request) {
	access, ok := AccessFromContext(r.Context())
	if !ok {
		http.Error(w, "no access context", http.StatusUnauthorized)
		return
	}

	var req RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed render request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Widgets) == 0 {
		http.Error(w, "render request has no widgets", http.StatusBadRequest)
		return
	}
	for i, widget := range req.Widgets {
		if len(widget.Chart) > 0 {
			if _, err := chartconfig.Unmarshal(widget.Chart); err != nil {
				http.Error(w, "widget "+strconv.Itoa(i)+": "+err.Error(), http.StatusBadRequest)
				return
			}
		}
	}

	// One render scope for the whole request: widgets sharing a signature
	// share one fetch. Torn down explicitly when the render ends.
	scope := querycache.NewRenderScope()
	defer scope.Close()
	ctx := querycache.WithRenderScope(r.Context(), scope)
	ctx = logctx.With(ctx, slog.String("renderID", scope.ID().String()))

	results := make([]WidgetResult, len(req.Widgets))
	var g errgroup.Group
	for i, widget := range req.Widgets {
		i, widget := i, widget
		g.Go(func() error {
			rows, err := s.orch.Fetch(ctx, widget.toParams(s.catalog), access, widget.NoCache)
			if err != nil {
				results[i] = WidgetResult{Error: err.Error()}
				return nil
			}
			results[i] = WidgetResult{Rows: rows, RowCount: len(rows)}
			return nil
		})
	}
	_ = g.Wait()

	// A render with only validation failures is the caller's mistake.
	allValidation := true
	for i, widget := range req.Widgets {
		if results[i].Error == "" {
			allValidation = false
			continue
		}
		if err := widget.toParams(s.catalog).Validate(); err == nil {
			allValidation = false
		}
	}
	status := http.StatusOK
	if allValidation {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{"widgets": results})
}

// ExpandHTTPRequest is the expansion endpoint's body.
type ExpandHTTPRequest struct {
	WidgetRequest
	DimensionColumn string `json:"dimensionColumn"`
	Limit           int    `json:"limit,omitempty"`
	MaxParallel     int    `json:"maxParallel,omitempty"`
}

func (s *Service) handleExpand(w http.ResponseWriter, r *http.Request) {
	access, ok := AccessFromContext(r.Context())
	if !ok {
		http.Error(w, "no access context", http.StatusUnauthorized)
		return
	}

	var req ExpandHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed expand request: "+err.Error(), http.StatusBadRequest)
		return
	}

	scope := querycache.NewRenderScope()
	defer scope.Close()
	ctx := querycache.WithRenderScope(r.Context(), scope)
	ctx = logctx.With(ctx, slog.String("renderID", scope.ID().String()))

	result, err := s.coord.Expand(ctx, querycache.ExpansionRequest{
		DimensionColumn: req.DimensionColumn,
		Base:            req.WidgetRequest.toParams(s.catalog),
		Limit:           req.Limit,
		MaxParallel:     req.MaxParallel,
	}, access)
	if err != nil {
		if querycache.IsValidation(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Discovery failure or every value failed.
		logctx.FromContext(ctx).Error("dimension expansion failed", slog.Any("error", err))
		http.Error(w, "dimension expansion failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// InvalidateRequest names the key pattern to drop. Omitted dimensions match
// everything under the data source.
type InvalidateRequest struct {
	DataSourceID int64  `json:"dataSourceId"`
	Measure      string `json:"measure,omitempty"`
	PracticeID   *int64 `json:"practiceId,omitempty"`
	ProviderID   *int64 `json:"providerId,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
}

func (s *Service) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	access, ok := AccessFromContext(r.Context())
	if !ok {
		http.Error(w, "no access context", http.StatusUnauthorized)
		return
	}
	// Invalidation is a mutation-event hook, not a user action.
	if !access.IsSuperAdmin() {
		http.Error(w, "cache invalidation requires admin access", http.StatusForbidden)
		return
	}

	var req InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed invalidate request: "+err.Error(), http.StatusBadRequest)
		return
	}

	comps := querycache.KeyComponents{DataSourceID: req.DataSourceID}
	if req.Measure != "" {
		comps.Measure = querycache.DimValue(req.Measure)
	}
	if req.PracticeID != nil {
		comps.PracticeID = querycache.DimValue(*req.PracticeID)
	}
	if req.ProviderID != nil {
		comps.ProviderID = querycache.DimValue(*req.ProviderID)
	}
	if req.Frequency != "" {
		comps.Frequency = querycache.DimValue(req.Frequency)
	}

	removed, err := s.inval.Invalidate(r.Context(), comps)
	if err != nil {
		if querycache.IsValidation(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logctx.FromContext(r.Context()).Error("invalidation failed", slog.Any("error", err))
		http.Error(w, "invalidation failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
