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

package querycache_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chartwellhq/chartwell/cachestore"
	"github.com/chartwellhq/chartwell/querycache"
)

// fakeExecutor scripts the backing store. Tests in this file and the
// expansion tests share it.
type fakeExecutor struct {
	mu          sync.Mutex
	rows        []querycache.Row
	err         error
	values      []string
	failParity  bool // fail every other RunQuery call, starting with the first
	honorCoarse bool // drop scripted rows the coarse predicate excludes

	runCalls   atomic.Int64
	inFlight   atomic.Int64
	peakActive atomic.Int64
	delay      time.Duration

	lastCoarse querycache.CoarsePredicate
}

func (f *fakeExecutor) RunQuery(_ context.Context, _ querycache.KeyComponents, coarse querycache.CoarsePredicate) ([]querycache.Row, error) {
	call := f.runCalls.Add(1)
	active := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peakActive.Load()
		if active <= peak || f.peakActive.CompareAndSwap(peak, active) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCoarse = coarse
	if f.err != nil {
		return nil, f.err
	}
	if f.failParity && call%2 == 1 {
		return nil, errors.New("scripted failure")
	}
	out := make([]querycache.Row, 0, len(f.rows))
	for _, r := range f.rows {
		if f.honorCoarse && !coarseAllows(coarse, r) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// coarseAllows mirrors the WHERE clause a real backing store derives from
// the predicate.
func coarseAllows(coarse querycache.CoarsePredicate, r querycache.Row) bool {
	if !coarse.Restricted {
		return true
	}
	pid, ok := r.PracticeID()
	if !ok || !slices.Contains(coarse.PracticeIDs, pid) {
		return false
	}
	if coarse.RestrictProviders {
		prid, ok := r.ProviderID()
		if !ok || !slices.Contains(coarse.ProviderIDs, prid) {
			return false
		}
	}
	return true
}

func (f *fakeExecutor) DiscoverValues(_ context.Context, _ int64, _ string, _ querycache.CoarsePredicate) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values, nil
}

func superAdminAccess() querycache.AccessContext {
	return querycache.NewAccessContext(
		[]querycache.Grant{{Resource: "*", Action: "*", Scope: "all"}}, nil, nil)
}

func orgAccess(practices ...int64) querycache.AccessContext {
	return querycache.NewAccessContext([]querycache.Grant{{
		Resource: querycache.ResourceAnalytics,
		Action:   querycache.ActionRead,
		Scope:    "organization",
	}}, practices, nil)
}

func ownAccess(practices, providers []int64) querycache.AccessContext {
	return querycache.NewAccessContext([]querycache.Grant{{
		Resource: querycache.ResourceAnalytics,
		Action:   querycache.ActionRead,
		Scope:    "own",
	}}, practices, providers)
}

func paymentsParams() querycache.FetchParams {
	practice := int64(114)
	provider := int64(7)
	return querycache.FetchParams{
		DataSourceID:  2,
		Measure:       "Payments",
		PracticeID:    &practice,
		ProviderID:    &provider,
		Frequency:     "Monthly",
		AllowedFields: []string{"location", "payer"},
	}
}

func paymentRows() []querycache.Row {
	return []querycache.Row{
		{"practice_id": int64(114), "provider_id": int64(7), "measure": "Payments", "frequency": "Monthly", "value": 1200.0},
		{"practice_id": int64(114), "provider_id": int64(7), "measure": "Payments", "frequency": "Monthly", "value": 900.0},
	}
}

func TestFetchMissWritesMostSpecificKeyOnly(t *testing.T) {
	mem := cachestore.NewMemory(0)
	exec := &fakeExecutor{rows: paymentRows()}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)
	params := paymentsParams()

	rows, err := orch.Fetch(context.Background(), params, superAdminAccess(), false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(1), exec.runCalls.Load())

	// The cache write is fire-and-forget; only the most-specific level
	// gets populated.
	require.Eventually(t, func() bool { return mem.Sets() == 1 }, time.Second, time.Millisecond)

	want := params.Components()
	entry, err := mem.Get(context.Background(), want.Encode())
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, 2, entry.RowCount)

	broader := want
	broader.ProviderID = querycache.DimWildcard[int64]()
	entry, err = mem.Get(context.Background(), broader.Encode())
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestFetchServedFromCacheAfterWarm(t *testing.T) {
	mem := cachestore.NewMemory(0)
	exec := &fakeExecutor{rows: paymentRows()}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)
	params := paymentsParams()

	first, err := orch.Fetch(context.Background(), params, superAdminAccess(), false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mem.Sets() == 1 }, time.Second, time.Millisecond)

	second, err := orch.Fetch(context.Background(), params, superAdminAccess(), false)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int64(1), exec.runCalls.Load(), "warm fetch must not touch the backing store")
}

func TestFetchFallbackHitNarrowsSupersetRows(t *testing.T) {
	mem := cachestore.NewMemory(0)
	exec := &fakeExecutor{}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)
	params := paymentsParams()

	// Seed the provider-wildcard level with rows for two providers.
	broader := params.Components()
	broader.ProviderID = querycache.DimWildcard[int64]()
	superset := []querycache.Row{
		{"practice_id": int64(114), "provider_id": int64(7), "measure": "Payments", "frequency": "Monthly", "value": 100.0},
		{"practice_id": int64(114), "provider_id": int64(8), "measure": "Payments", "frequency": "Monthly", "value": 200.0},
	}
	key := broader.Encode()
	require.NoError(t, mem.Set(context.Background(), key, querycache.NewCachedEntry(key, superset, time.Minute), time.Minute))

	rows, err := orch.Fetch(context.Background(), params, superAdminAccess(), false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	pid, ok := rows[0].ProviderID()
	require.True(t, ok)
	require.Equal(t, int64(7), pid)
	require.Equal(t, int64(0), exec.runCalls.Load(), "fallback hit must not touch the backing store")
}

func TestFetchFailsClosedDespiteWarmCache(t *testing.T) {
	mem := cachestore.NewMemory(0)
	exec := &fakeExecutor{}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)
	params := paymentsParams()

	key := params.Components().Encode()
	require.NoError(t, mem.Set(context.Background(), key,
		querycache.NewCachedEntry(key, paymentRows(), time.Minute), time.Minute))

	// Organization scope with an empty accessible practice set: no rows,
	// and neither the cache nor the backing store is consulted.
	rows, err := orch.Fetch(context.Background(), params, orgAccess(), false)
	require.NoError(t, err)
	require.NotNil(t, rows)
	require.Empty(t, rows)
	require.Equal(t, int64(0), exec.runCalls.Load())
}

func TestFetchCachesPreFilteredSuperset(t *testing.T) {
	mem := cachestore.NewMemory(0)
	exec := &fakeExecutor{rows: []querycache.Row{
		{"practice_id": int64(1), "provider_id": int64(7), "location": "North", "value": 10.0},
		{"practice_id": int64(1), "provider_id": int64(7), "location": "South", "value": 20.0},
	}}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)
	params := querycache.FetchParams{
		DataSourceID:  2,
		Measure:       "Payments",
		AllowedFields: []string{"location"},
		Predicates:    []querycache.Predicate{{Field: "location", Op: querycache.OpEq, Value: "North"}},
	}

	rows, err := orch.Fetch(context.Background(), params, superAdminAccess(), false)
	require.NoError(t, err)
	require.Len(t, rows, 1, "ad-hoc predicates narrow the response")

	// The cached entry holds both rows: predicates and date ranges are not
	// part of the key, so every request sharing the tuple reuses the entry
	// and applies its own filters.
	require.Eventually(t, func() bool { return mem.Sets() == 1 }, time.Second, time.Millisecond)
	entry, err := mem.Get(context.Background(), params.Components().Encode())
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, 2, entry.RowCount)
}

func TestFetchRestrictedMissDoesNotWarmSharedKeys(t *testing.T) {
	mem := cachestore.NewMemory(0)
	exec := &fakeExecutor{honorCoarse: true, rows: []querycache.Row{
		{"practice_id": int64(1), "provider_id": int64(7), "measure": "Payments", "value": 10.0},
		{"practice_id": int64(2), "provider_id": int64(9), "measure": "Payments", "value": 20.0},
	}}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)
	params := querycache.FetchParams{DataSourceID: 2, Measure: "Payments"}

	// Practice is not pinned, so a write would land on the practice-wildcard
	// key, but this restricted fetch only saw practice-1 rows.
	first, err := orch.Fetch(context.Background(), params, orgAccess(1), false)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Never(t, func() bool { return mem.Sets() > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"a narrowed result must not warm a shared key")

	// A caller with a different accessible practice still gets its rows
	// instead of the first caller's leftovers.
	second, err := orch.Fetch(context.Background(), params, orgAccess(2), false)
	require.NoError(t, err)
	require.Len(t, second, 1)
	pid, ok := second[0].PracticeID()
	require.True(t, ok)
	require.Equal(t, int64(2), pid)
	require.Equal(t, int64(2), exec.runCalls.Load())
}

func TestFetchRestrictedMissWarmsPinnedPracticeKey(t *testing.T) {
	mem := cachestore.NewMemory(0)
	exec := &fakeExecutor{honorCoarse: true, rows: []querycache.Row{
		{"practice_id": int64(1), "provider_id": int64(7), "measure": "Payments", "value": 10.0},
	}}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)
	practice := int64(1)
	params := querycache.FetchParams{DataSourceID: 2, Measure: "Payments", PracticeID: &practice}

	rows, err := orch.Fetch(context.Background(), params, orgAccess(1), false)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// The key pins the accessible practice, so the fetched rows are the
	// complete set for the tuple and safe to share.
	require.Eventually(t, func() bool { return mem.Sets() == 1 }, time.Second, time.Millisecond)

	_, err = orch.Fetch(context.Background(), params, orgAccess(1), false)
	require.NoError(t, err)
	require.Equal(t, int64(1), exec.runCalls.Load())
}

func TestFetchOwnScopeWriteRequiresPinnedProvider(t *testing.T) {
	mem := cachestore.NewMemory(0)
	exec := &fakeExecutor{honorCoarse: true, rows: []querycache.Row{
		{"practice_id": int64(1), "provider_id": int64(7), "measure": "Payments", "value": 10.0},
		{"practice_id": int64(1), "provider_id": int64(8), "measure": "Payments", "value": 20.0},
	}}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)
	practice := int64(1)
	access := ownAccess([]int64{1}, []int64{7})

	// Own scope also narrows providers; pinning the practice alone leaves
	// the provider-wildcard key incomplete.
	params := querycache.FetchParams{DataSourceID: 2, Measure: "Payments", PracticeID: &practice}
	rows, err := orch.Fetch(context.Background(), params, access, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Never(t, func() bool { return mem.Sets() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	// Pinning the accessible provider as well makes the tuple shareable.
	provider := int64(7)
	params.ProviderID = &provider
	rows, err = orch.Fetch(context.Background(), params, access, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Eventually(t, func() bool { return mem.Sets() == 1 }, time.Second, time.Millisecond)
}

func TestFetchDegradesWhenCacheUnavailable(t *testing.T) {
	mem := cachestore.NewMemory(0)
	mem.Unavailable = true
	exec := &fakeExecutor{rows: paymentRows()}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)

	rows, err := orch.Fetch(context.Background(), paymentsParams(), superAdminAccess(), false)
	require.NoError(t, err, "cache outage must never fail a read")
	require.Len(t, rows, 2)
	require.Equal(t, int64(1), exec.runCalls.Load())
}

func TestFetchNoCacheBypassesWarmEntries(t *testing.T) {
	mem := cachestore.NewMemory(0)
	exec := &fakeExecutor{rows: paymentRows()}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)
	params := paymentsParams()

	stale := []querycache.Row{{"practice_id": int64(114), "provider_id": int64(7), "value": -1.0}}
	key := params.Components().Encode()
	require.NoError(t, mem.Set(context.Background(), key,
		querycache.NewCachedEntry(key, stale, time.Minute), time.Minute))

	rows, err := orch.Fetch(context.Background(), params, superAdminAccess(), true)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(1), exec.runCalls.Load())
}

func TestFetchPropagatesBackingStoreError(t *testing.T) {
	mem := cachestore.NewMemory(0)
	boom := errors.New("warehouse timeout")
	exec := &fakeExecutor{err: boom}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)

	_, err := orch.Fetch(context.Background(), paymentsParams(), superAdminAccess(), false)
	require.ErrorIs(t, err, boom)
}

func TestFetchEmbedsCoarsePredicateOnMiss(t *testing.T) {
	mem := cachestore.NewMemory(0)
	exec := &fakeExecutor{}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)

	_, err := orch.Fetch(context.Background(), paymentsParams(), orgAccess(3, 1), false)
	require.NoError(t, err)

	exec.mu.Lock()
	coarse := exec.lastCoarse
	exec.mu.Unlock()
	require.True(t, coarse.Restricted)
	require.Equal(t, []int64{1, 3}, coarse.PracticeIDs)
	require.False(t, coarse.RestrictProviders, "organization scope does not restrict providers")
}

func TestFetchValidatesBeforeIO(t *testing.T) {
	mem := cachestore.NewMemory(0)
	exec := &fakeExecutor{}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)

	params := paymentsParams()
	params.DataSourceID = 0
	_, err := orch.Fetch(context.Background(), params, superAdminAccess(), false)
	require.True(t, querycache.IsValidation(err))
	require.Equal(t, int64(0), exec.runCalls.Load())
}

func TestConcurrentFetchesShareOneBackingCall(t *testing.T) {
	mem := cachestore.NewMemory(0)
	exec := &fakeExecutor{rows: paymentRows(), delay: 10 * time.Millisecond}
	orch := querycache.NewOrchestrator(mem, exec, time.Minute)
	params := paymentsParams()

	scope := querycache.NewRenderScope()
	defer scope.Close()
	ctx := querycache.WithRenderScope(context.Background(), scope)

	const fetches = 10
	var wg sync.WaitGroup
	results := make([][]querycache.Row, fetches)
	errs := make([]error, fetches)
	for i := 0; i < fetches; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = orch.Fetch(ctx, params, superAdminAccess(), false)
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), exec.runCalls.Load(), "identical fetches in one render coalesce")
	for i := 0; i < fetches; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
}
