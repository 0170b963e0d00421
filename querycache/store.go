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

package querycache

import (
	"context"
	"slices"
	"time"
)

// Store is the thin adapter over the external key-value cache. It carries no
// business logic; implementations live in the cachestore package.
//
// Contract:
//   - Get returns (nil, nil) on a clean miss.
//   - Transport failures are reported as errors wrapping ErrCacheUnavailable
//     so callers can degrade to the backing store instead of failing.
//   - Set rejects entries whose encoded form exceeds the store's configured
//     maximum with ErrEntryTooLarge; it never truncates.
//   - Delete returns the number of keys actually removed.
type Store interface {
	Get(ctx context.Context, key string) (*CachedEntry, error)
	Set(ctx context.Context, key string, entry *CachedEntry, ttl time.Duration) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
}

// QueryExecutor is the backing relational query engine, treated as an opaque
// collaborator with arbitrary latency. RunQuery fetches the row set for one
// dimension tuple with the coarse access predicate already embedded; date
// ranges and ad-hoc predicates are deliberately not pushed down, so the
// result is cacheable for every request sharing the tuple.
type QueryExecutor interface {
	RunQuery(ctx context.Context, comps KeyComponents, coarse CoarsePredicate) ([]Row, error)

	// DiscoverValues lists the distinct values of column within the data
	// source, subject to the same coarse predicate.
	DiscoverValues(ctx context.Context, dataSourceID int64, column string, coarse CoarsePredicate) ([]string, error)
}

// CoarsePredicate is the access restriction pushed into the backing query on
// a cache miss. It is defense in depth alongside the in-memory RBAC stage,
// never a replacement for it.
type CoarsePredicate struct {
	// PracticeIDs limits rows to these practices. Empty plus Restricted
	// means the query must match nothing.
	PracticeIDs []int64

	// ProviderIDs limits rows to these providers when RestrictProviders
	// is set (own scope).
	ProviderIDs       []int64
	RestrictProviders bool

	// Restricted is false only for superadmin / all scope.
	Restricted bool
}

// CoversKey reports whether rows fetched under the predicate are the
// complete row set for the key tuple comps, and therefore safe to share
// through the cache. An unrestricted fetch always is. A restricted fetch
// qualifies only when every dimension the predicate narrows is pinned by
// the key to a value inside the accessible set; otherwise the result is
// missing rows other callers are entitled to see under the same key.
func (p CoarsePredicate) CoversKey(comps KeyComponents) bool {
	if !p.Restricted {
		return true
	}
	pid, ok := comps.PracticeID.Value()
	if !ok || !slices.Contains(p.PracticeIDs, pid) {
		return false
	}
	if p.RestrictProviders {
		prid, ok := comps.ProviderID.Value()
		if !ok || !slices.Contains(p.ProviderIDs, prid) {
			return false
		}
	}
	return true
}
