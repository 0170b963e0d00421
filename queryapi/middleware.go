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
	"log/slog"
	"net/http"

	"github.com/chartwellhq/chartwell/internal/logctx"
	"github.com/chartwellhq/chartwell/querycache"
)

// APIKeyHeader carries the caller's key. The key is only ever a lookup
// handle: everything about the caller's scope comes from the permission
// provider, nothing from the request body.
const APIKeyHeader = "x-chartwell-api-key"

type contextKey struct{}

var accessKey = contextKey{}

// WithAccessContext stores the resolved access context in the context.
func WithAccessContext(ctx context.Context, access querycache.AccessContext) context.Context {
	return context.WithValue(ctx, accessKey, access)
}

// AccessFromContext retrieves the resolved access context.
func AccessFromContext(ctx context.Context) (querycache.AccessContext, bool) {
	access, ok := ctx.Value(accessKey).(querycache.AccessContext)
	return access, ok
}

// apiKeyMiddleware validates the API key header and resolves it into an
// AccessContext before any handler runs.
func (s *Service) apiKeyMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get(APIKeyHeader)
		if apiKey == "" {
			http.Error(w, "missing "+APIKeyHeader+" header", http.StatusUnauthorized)
			return
		}

		access, err := s.perms.Resolve(r.Context(), apiKey)
		if err != nil {
			logctx.FromContext(r.Context()).Warn("API key resolution failed", slog.Any("error", err))
			http.Error(w, "invalid API key", http.StatusUnauthorized)
			return
		}

		ctx := WithAccessContext(r.Context(), access)
		ctx = logctx.With(ctx, slog.String("scope", access.Scope().String()))
		next(w, r.WithContext(ctx))
	}
}
