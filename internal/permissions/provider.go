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

// Package permissions resolves raw permission grants into row-level access
// contexts. This is the only producer of querycache.AccessContext in the
// system: scope is always re-derived from the principal's actual grants,
// never read from request input.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/chartwellhq/chartwell/querycache"
)

// ErrUnknownPrincipal means the source has no record of the principal.
var ErrUnknownPrincipal = errors.New("unknown principal")

// PrincipalGrants is the raw permission record for one principal.
type PrincipalGrants struct {
	PrincipalID string
	Grants      []querycache.Grant
	PracticeIDs []int64
	ProviderIDs []int64
}

// Source looks up a principal's grant record, typically by API key. The
// permission database behind it is an external collaborator.
type Source interface {
	LookupPrincipal(ctx context.Context, principal string) (PrincipalGrants, error)
}

type resolvedValue struct {
	access querycache.AccessContext
	err    error
}

// Provider resolves principals to access contexts with a TTL'd read-through
// cache, so permission lookups do not ride every chart fetch.
type Provider struct {
	src   Source
	cache *ttlcache.Cache[string, resolvedValue]
}

// NewProvider wires a provider. ttl bounds how long a resolved context may
// lag a permission change.
func NewProvider(src Source, ttl time.Duration) *Provider {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, resolvedValue](ttl),
		ttlcache.WithDisableTouchOnHit[string, resolvedValue](),
	)
	go cache.Start()
	return &Provider{src: src, cache: cache}
}

// Close stops the cache's expiry loop.
func (p *Provider) Close() {
	p.cache.Stop()
}

// Resolve returns the access context for a principal, deriving scope from
// the stored grants. Unknown principals resolve to an error, never to a
// permissive default.
func (p *Provider) Resolve(ctx context.Context, principal string) (querycache.AccessContext, error) {
	loader := ttlcache.LoaderFunc[string, resolvedValue](
		func(cache *ttlcache.Cache[string, resolvedValue], key string) *ttlcache.Item[string, resolvedValue] {
			rec, err := p.src.LookupPrincipal(ctx, key)
			if err != nil {
				return cache.Set(key, resolvedValue{err: err}, ttlcache.DefaultTTL)
			}
			access := querycache.NewAccessContext(rec.Grants, rec.PracticeIDs, rec.ProviderIDs)
			return cache.Set(key, resolvedValue{access: access}, ttlcache.DefaultTTL)
		},
	)
	v := p.cache.Get(principal, ttlcache.WithLoader(loader))
	if v == nil {
		return querycache.AccessContext{}, fmt.Errorf("resolve principal %q: cache returned nothing", principal)
	}
	return v.Value().access, v.Value().err
}

// Invalidate drops a principal's cached resolution, for permission edits
// that must take effect immediately.
func (p *Provider) Invalidate(principal string) {
	p.cache.Delete(principal)
}

// StaticSource is an in-memory Source for development and tests.
type StaticSource map[string]PrincipalGrants

func (s StaticSource) LookupPrincipal(_ context.Context, principal string) (PrincipalGrants, error) {
	rec, ok := s[principal]
	if !ok {
		return PrincipalGrants{}, fmt.Errorf("%w: %q", ErrUnknownPrincipal, principal)
	}
	return rec, nil
}
