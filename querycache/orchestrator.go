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
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chartwellhq/chartwell/internal/logctx"
)

const defaultCacheWriteTimeout = 10 * time.Second

// Orchestrator is the façade over the cache hierarchy, the backing store and
// both filter stages. One instance is shared by all renders; per-render
// state (deduplication) travels in the context.
type Orchestrator struct {
	store Store
	exec  QueryExecutor
	ttl   time.Duration

	// writeTimeout bounds the detached fire-and-forget cache write.
	writeTimeout time.Duration
}

// NewOrchestrator wires the orchestrator. ttl is the default cache entry
// lifetime.
func NewOrchestrator(store Store, exec QueryExecutor, ttl time.Duration) *Orchestrator {
	return &Orchestrator{
		store:        store,
		exec:         exec,
		ttl:          ttl,
		writeTimeout: defaultCacheWriteTimeout,
	}
}

// Fetch returns the filtered row set for one chart. noCache skips the cache
// entirely (explicit refresh) but still writes the fresh result back.
//
// The path is: validate, fail-closed short-circuit, dedup by signature,
// probe the key hierarchy most-specific-first, and on a full miss query the
// backing store with the coarse predicate embedded. RBAC and the in-memory
// filters run on every return path. Cache unavailability is degraded to a
// miss and never surfaced; backing-store errors propagate unchanged.
func (o *Orchestrator) Fetch(ctx context.Context, params FetchParams, access AccessContext, noCache bool) ([]Row, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	// Restricted caller with nothing accessible: zero rows regardless of
	// cache contents, and no backing-store work either.
	if !access.IsSuperAdmin() && access.Scope() != ScopeAll && len(access.PracticeIDs()) == 0 {
		auditDenied(ctx, access, 0, "empty accessible practice set")
		return []Row{}, nil
	}

	producer := func() ([]Row, error) {
		return o.fetchUncoalesced(ctx, params, access, noCache)
	}

	if scope, ok := RenderScopeFromContext(ctx); ok {
		return scope.Do(ctx, params.Signature(), producer)
	}
	return producer()
}

func (o *Orchestrator) fetchUncoalesced(ctx context.Context, params FetchParams, access AccessContext, noCache bool) ([]Row, error) {
	log := logctx.FromContext(ctx)

	want := params.Components()
	hierarchy, err := BuildHierarchy(want)
	if err != nil {
		return nil, err
	}

	if !noCache {
		rows, found := o.probeHierarchy(ctx, params, access, want, hierarchy)
		if found {
			return rows, nil
		}
	}

	// Full miss (or explicit refresh): backing store with the coarse
	// predicate embedded, defense in depth alongside ApplyRowLevel below.
	coarse := access.Coarse()
	fetched, err := o.exec.RunQuery(ctx, want, coarse)
	if err != nil {
		return nil, err
	}
	cacheMisses.Add(ctx, 1)

	// Write only the most-specific entry; fallback levels get populated by
	// their own direct requests. A restricted caller's result was narrowed
	// by its coarse predicate, so it is written only when the key pins every
	// narrowed dimension to an accessible value; anything else would be an
	// incomplete row set served to callers with a different accessible set.
	if coarse.CoversKey(want) {
		o.writeEntryAsync(ctx, hierarchy[0].Encode(), fetched)
	} else {
		cacheWritesSkipped.Add(ctx, 1)
		log.Debug("cache write skipped for access-narrowed result",
			slog.String("key", hierarchy[0].Encode()))
	}

	rows := ApplyRowLevel(ctx, fetched, access)
	rows = ApplyDateRange(rows, params.StartDate, params.EndDate)
	rows, err = ApplyPredicates(rows, params.Predicates, params.AllowedFields)
	if err != nil {
		return nil, err
	}

	log.Debug("fetch served from backing store",
		slog.Int("fetched", len(fetched)),
		slog.Int("returned", len(rows)))
	return rows, nil
}

// probeHierarchy walks the key hierarchy most-specific-first, sequentially,
// stopping at the first hit. Probes are cheap and a hit short-circuits, so
// there is nothing to parallelize here.
func (o *Orchestrator) probeHierarchy(ctx context.Context, params FetchParams, access AccessContext, want KeyComponents, hierarchy []KeyComponents) ([]Row, bool) {
	log := logctx.FromContext(ctx)

	for level, comps := range hierarchy {
		entry, err := o.store.Get(ctx, comps.Encode())
		if err != nil {
			if errors.Is(err, ErrCacheUnavailable) {
				// Degrade: treat every probe as missed, never fail the read.
				log.Warn("cache store unavailable, falling through to backing store",
					slog.Any("error", err))
				return nil, false
			}
			log.Warn("cache probe failed",
				slog.String("key", comps.Encode()),
				slog.Any("error", err))
			continue
		}
		if entry == nil {
			continue
		}

		cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.Int("level", level)))

		// A fallback-level hit is a superset; narrow it to the requested
		// dimensions before the filter stages.
		rows := NarrowRows(entry.Rows, want, comps)
		rows = ApplyRowLevel(ctx, rows, access)
		rows = ApplyDateRange(rows, params.StartDate, params.EndDate)
		rows, perr := ApplyPredicates(rows, params.Predicates, params.AllowedFields)
		if perr != nil {
			// Predicates were validated before I/O; treat a failure here
			// as a miss rather than serving unfiltered rows.
			log.Warn("predicate evaluation failed on cached rows", slog.Any("error", perr))
			return nil, false
		}

		log.Debug("fetch served from cache",
			slog.Int("level", level),
			slog.Int("cached", entry.RowCount),
			slog.Int("returned", len(rows)))
		return rows, true
	}
	return nil, false
}

// writeEntryAsync stores rows under key without blocking or failing the
// caller. The rows written are the complete pre-fine-filter row set for the
// key's dimension tuple (callers verify that with CoversKey before writing);
// every future reader runs its own RBAC pass, so sharing the entry across
// callers narrows, never widens, what each of them sees. The write is
// fire-and-forget: it must never fail or slow the read path, and it
// deliberately survives cancellation of the render so a finished fetch
// still warms the cache.
func (o *Orchestrator) writeEntryAsync(ctx context.Context, key string, rows []Row) {
	log := logctx.FromContext(ctx)
	entry := NewCachedEntry(key, rows, o.ttl)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.writeTimeout)
	go func() {
		defer cancel()
		if err := o.store.Set(wctx, key, entry, o.ttl); err != nil {
			cacheWriteFailures.Add(wctx, 1)
			log.Warn("cache write failed",
				slog.String("key", key),
				slog.Int("rowCount", entry.RowCount),
				slog.Any("error", err))
		}
	}()
}
