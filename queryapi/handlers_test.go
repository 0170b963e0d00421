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

package queryapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chartwellhq/chartwell/cachestore"
	"github.com/chartwellhq/chartwell/internal/permissions"
	"github.com/chartwellhq/chartwell/querycache"
)

const (
	adminKey = "key-admin"
	orgKey   = "key-org"
)

type scriptedExecutor struct {
	rows     []querycache.Row
	values   []string
	runCalls atomic.Int64
}

func (f *scriptedExecutor) RunQuery(_ context.Context, _ querycache.KeyComponents, _ querycache.CoarsePredicate) ([]querycache.Row, error) {
	f.runCalls.Add(1)
	out := make([]querycache.Row, len(f.rows))
	copy(out, f.rows)
	return out, nil
}

func (f *scriptedExecutor) DiscoverValues(_ context.Context, _ int64, _ string, _ querycache.CoarsePredicate) ([]string, error) {
	return f.values, nil
}

type fixture struct {
	service *Service
	mem     *cachestore.Memory
	exec    *scriptedExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := cachestore.NewMemory(0)
	exec := &scriptedExecutor{rows: []querycache.Row{
		{"practice_id": int64(114), "provider_id": int64(7), "measure": "Payments", "value": 100.0},
	}}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)
	perms := permissions.NewProvider(permissions.StaticSource{
		adminKey: {
			PrincipalID: "admin",
			Grants:      []querycache.Grant{{Resource: "*", Action: "*", Scope: "all"}},
		},
		orgKey: {
			PrincipalID: "analyst",
			Grants: []querycache.Grant{{
				Resource: querycache.ResourceAnalytics,
				Action:   querycache.ActionRead,
				Scope:    "organization",
			}},
			PracticeIDs: []int64{114},
		},
	}, time.Minute)
	t.Cleanup(perms.Close)

	return &fixture{
		service: NewService(orch, querycache.NewCoordinator(orch, 4), querycache.NewInvalidator(mem, 0), perms, nil),
		mem:     mem,
		exec:    exec,
	}
}

func (f *fixture) post(t *testing.T, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if apiKey != "" {
		req.Header.Set(APIKeyHeader, apiKey)
	}
	rec := httptest.NewRecorder()
	f.service.Routes().ServeHTTP(rec, req)
	return rec
}

func TestRenderRequiresAPIKey(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/api/v1/charts/data", "", `{"widgets":[{"dataSourceId":2}]}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRenderRejectsUnknownAPIKey(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/api/v1/charts/data", "bogus", `{"widgets":[{"dataSourceId":2}]}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, int64(0), f.exec.runCalls.Load())
}

func TestRenderReturnsWidgetRows(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/api/v1/charts/data", orgKey, `{
		"widgets": [{
			"dataSourceId": 2,
			"measure": "Payments",
			"chart": {"type": "time_series", "config": {"stacked": true}}
		}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Widgets []WidgetResult `json:"widgets"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Widgets, 1)
	require.Empty(t, body.Widgets[0].Error)
	require.Equal(t, 1, body.Widgets[0].RowCount)
}

func TestRenderDeduplicatesIdenticalWidgets(t *testing.T) {
	f := newFixture(t)
	widget := `{"dataSourceId": 2, "measure": "Payments"}`
	rec := f.post(t, "/api/v1/charts/data", orgKey,
		`{"widgets": [`+widget+`,`+widget+`,`+widget+`]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Widgets []WidgetResult `json:"widgets"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Widgets, 3)
	for _, wr := range body.Widgets {
		require.Empty(t, wr.Error)
		require.Equal(t, 1, wr.RowCount)
	}
	require.Equal(t, int64(1), f.exec.runCalls.Load(), "identical widgets share one backing call")
}

func TestRenderRejectsMalformedChartConfig(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/api/v1/charts/data", orgKey, `{
		"widgets": [{"dataSourceId": 2, "chart": {"type": "pie"}}]
	}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, int64(0), f.exec.runCalls.Load())
}

func TestRenderRejectsEmptyWidgetList(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/api/v1/charts/data", orgKey, `{"widgets": []}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRenderAllValidationFailuresIs400(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/api/v1/charts/data", orgKey, `{"widgets": [{"dataSourceId": 0}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Widgets []WidgetResult `json:"widgets"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Widgets, 1)
	require.NotEmpty(t, body.Widgets[0].Error)
}

func TestExpandValidationErrorIs400(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/api/v1/charts/expand", orgKey, `{
		"dataSourceId": 2,
		"dimensionColumn": "not_a_field"
	}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExpandReturnsPerValueResults(t *testing.T) {
	f := newFixture(t)
	f.exec.values = []string{"Clinic A", "Clinic B"}
	f.exec.rows = []querycache.Row{
		{"practice_id": int64(114), "location": "Clinic A", "value": 1.0},
		{"practice_id": int64(114), "location": "Clinic B", "value": 2.0},
	}

	rec := f.post(t, "/api/v1/charts/expand", orgKey, `{
		"dataSourceId": 2,
		"dimensionColumn": "location"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result querycache.ExpansionResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.Equal(t, querycache.StateDone, result.State)
	require.Len(t, result.Succeeded, 2)
}

func TestInvalidateRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/api/v1/cache/invalidate", orgKey, `{"dataSourceId": 2}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInvalidateRemovesMatchingKeys(t *testing.T) {
	f := newFixture(t)
	comps := querycache.KeyComponents{DataSourceID: 2, Measure: querycache.DimValue("Payments")}
	key := comps.Encode()
	require.NoError(t, f.mem.Set(context.Background(), key,
		querycache.NewCachedEntry(key, nil, time.Minute), time.Minute))

	rec := f.post(t, "/api/v1/cache/invalidate", adminKey, `{"dataSourceId": 2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int64
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, int64(1), body["removed"])
	require.Zero(t, f.mem.Len())
}
