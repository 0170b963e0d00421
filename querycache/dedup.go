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
	"sync"

	"github.com/google/uuid"
)

// RenderScope deduplicates fetches within one dashboard render. The first
// caller for a signature runs the producer; concurrent callers with the same
// signature wait on the same in-flight call and share its result. The map
// lives exactly as long as the render: callers create a scope per render and
// Close it at the end, so one render's failures never contaminate another's.
//
// Registration is an atomic check-and-insert under the mutex, not a
// check-then-insert, since concurrent fetches race to be first for a new
// signature.
type RenderScope struct {
	id uuid.UUID

	mu     sync.Mutex
	calls  map[Signature]*inflightCall
	closed bool
}

type inflightCall struct {
	done chan struct{}
	rows []Row
	err  error
}

// NewRenderScope creates a scope for one dashboard render.
func NewRenderScope() *RenderScope {
	return &RenderScope{
		id:    uuid.New(),
		calls: make(map[Signature]*inflightCall),
	}
}

// ID identifies the render in logs.
func (s *RenderScope) ID() uuid.UUID { return s.id }

// Do runs producer for the signature, or joins an identical in-flight call.
// All waiters observe the same rows and error. The shared row slice is an
// immutable snapshot; callers must not mutate it.
func (s *RenderScope) Do(ctx context.Context, sig Signature, producer func() ([]Row, error)) ([]Row, error) {
	s.mu.Lock()
	if s.closed {
		// A fetch racing scope teardown just runs undeduplicated.
		s.mu.Unlock()
		return producer()
	}
	if c, ok := s.calls[sig]; ok {
		s.mu.Unlock()
		dedupJoins.Add(ctx, 1)
		select {
		case <-c.done:
			return c.rows, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &inflightCall{done: make(chan struct{})}
	s.calls[sig] = c
	s.mu.Unlock()

	c.rows, c.err = producer()
	close(c.done)
	return c.rows, c.err
}

// InFlight returns the number of registered calls, resolved or not.
func (s *RenderScope) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Close tears the scope down. Entries are dropped explicitly here rather
// than by any timer; in-flight producers finish normally and their direct
// waiters still get results, but no new caller can join them.
func (s *RenderScope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.calls = nil
}

type renderScopeKey struct{}

// WithRenderScope stores the scope in the context for the duration of a
// render.
func WithRenderScope(ctx context.Context, s *RenderScope) context.Context {
	return context.WithValue(ctx, renderScopeKey{}, s)
}

// RenderScopeFromContext retrieves the current render's scope, if any.
// Fetches without a scope simply run undeduplicated.
func RenderScopeFromContext(ctx context.Context) (*RenderScope, bool) {
	s, ok := ctx.Value(renderScopeKey{}).(*RenderScope)
	return s, ok
}
