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

package healthcheck

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func probe(t *testing.T, s *Server, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return rec.Code, body
}

func TestHealthzFollowsLiveness(t *testing.T) {
	s := NewServer(0)

	code, body := probe(t, s, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, false, body["healthy"])

	s.SetHealthy(true)
	code, body = probe(t, s, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["healthy"])
}

func TestReadyzRequiresAllConditions(t *testing.T) {
	s := NewServer(0)
	s.SetCondition("redis", true)
	s.SetCondition("database", false)

	code, body := probe(t, s, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, false, body["ready"])

	s.SetCondition("database", true)
	code, body = probe(t, s, "/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["ready"])
	conditions, ok := body["conditions"].(map[string]any)
	require.True(t, ok)
	require.Len(t, conditions, 2)
}
