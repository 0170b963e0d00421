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

package permissions

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chartwellhq/chartwell/querycache"
)

type countingSource struct {
	inner   Source
	lookups atomic.Int64
}

func (c *countingSource) LookupPrincipal(ctx context.Context, principal string) (PrincipalGrants, error) {
	c.lookups.Add(1)
	return c.inner.LookupPrincipal(ctx, principal)
}

func orgRecord(practices ...int64) PrincipalGrants {
	return PrincipalGrants{
		PrincipalID: "p-1",
		Grants: []querycache.Grant{{
			Resource: querycache.ResourceAnalytics,
			Action:   querycache.ActionRead,
			Scope:    "organization",
		}},
		PracticeIDs: practices,
	}
}

func TestResolveDerivesScopeFromGrants(t *testing.T) {
	p := NewProvider(StaticSource{"key-1": orgRecord(114, 7)}, time.Minute)
	defer p.Close()

	access, err := p.Resolve(context.Background(), "key-1")
	require.NoError(t, err)
	require.Equal(t, querycache.ScopeOrganization, access.Scope())
	require.False(t, access.IsSuperAdmin())
	require.Equal(t, []int64{7, 114}, access.PracticeIDs())
}

func TestResolveUnknownPrincipal(t *testing.T) {
	p := NewProvider(StaticSource{}, time.Minute)
	defer p.Close()

	_, err := p.Resolve(context.Background(), "no-such-key")
	require.ErrorIs(t, err, ErrUnknownPrincipal)
}

func TestResolveIgnoresClaimedScope(t *testing.T) {
	// A grant on some other resource wording "all" must not widen the
	// analytics scope.
	p := NewProvider(StaticSource{"key-1": {
		PrincipalID: "p-1",
		Grants:      []querycache.Grant{{Resource: "billing", Action: "write", Scope: "all"}},
		PracticeIDs: []int64{114},
	}}, time.Minute)
	defer p.Close()

	access, err := p.Resolve(context.Background(), "key-1")
	require.NoError(t, err)
	require.Equal(t, querycache.ScopeOwn, access.Scope())
}

func TestResolveCachesLookups(t *testing.T) {
	src := &countingSource{inner: StaticSource{"key-1": orgRecord(114)}}
	p := NewProvider(src, time.Minute)
	defer p.Close()

	for n := 0; n < 5; n++ {
		_, err := p.Resolve(context.Background(), "key-1")
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), src.lookups.Load())
}

func TestInvalidateForcesFreshLookup(t *testing.T) {
	src := &countingSource{inner: StaticSource{"key-1": orgRecord(114)}}
	p := NewProvider(src, time.Minute)
	defer p.Close()

	_, err := p.Resolve(context.Background(), "key-1")
	require.NoError(t, err)
	p.Invalidate("key-1")
	_, err = p.Resolve(context.Background(), "key-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), src.lookups.Load())
}
