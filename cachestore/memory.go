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

package cachestore

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/chartwellhq/chartwell/querycache"
)

// Memory is an in-process querycache.Store for development and tests. It
// mirrors the Redis adapter's semantics: entries expire by TTL, oversized
// entries are rejected, and glob patterns drive Scan.
type Memory struct {
	mu            sync.RWMutex
	entries       map[string]memoryEntry
	maxEntryBytes int64

	// Unavailable simulates a transport outage: every operation reports
	// ErrCacheUnavailable while set. Tests toggle it.
	Unavailable bool

	gets    int
	sets    int
	deletes int
}

type memoryEntry struct {
	entry     querycache.CachedEntry
	expiresAt time.Time
}

// NewMemory creates an empty store. maxEntryBytes of 0 disables the cap.
func NewMemory(maxEntryBytes int64) *Memory {
	return &Memory{
		entries:       make(map[string]memoryEntry),
		maxEntryBytes: maxEntryBytes,
	}
}

func (s *Memory) Get(_ context.Context, key string) (*querycache.CachedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return nil, fmt.Errorf("%w: simulated outage", querycache.ErrCacheUnavailable)
	}
	s.gets++
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, nil
	}
	out := e.entry
	return &out, nil
}

func (s *Memory) Set(_ context.Context, key string, entry *querycache.CachedEntry, ttl time.Duration) error {
	_, stamped, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("encode entry for %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return fmt.Errorf("%w: simulated outage", querycache.ErrCacheUnavailable)
	}
	if s.maxEntryBytes > 0 && stamped.SizeBytes > s.maxEntryBytes {
		return fmt.Errorf("%w: %d > %d bytes", querycache.ErrEntryTooLarge, stamped.SizeBytes, s.maxEntryBytes)
	}
	s.sets++
	s.entries[key] = memoryEntry{entry: stamped, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Unavailable {
		return nil, fmt.Errorf("%w: simulated outage", querycache.ErrCacheUnavailable)
	}
	var keys []string
	now := time.Now()
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			continue
		}
		// Cache keys contain no '/', so path.Match behaves like a Redis
		// glob here.
		if ok, err := path.Match(pattern, key); err == nil && ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *Memory) Delete(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return 0, fmt.Errorf("%w: simulated outage", querycache.ErrCacheUnavailable)
	}
	var removed int64
	for _, key := range keys {
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
			removed++
			s.deletes++
		}
	}
	return removed, nil
}

// Len reports the live entry count.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	now := time.Now()
	for _, e := range s.entries {
		if !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}

// Sets reports how many successful writes occurred, for tests asserting on
// fire-and-forget behavior.
func (s *Memory) Sets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets
}
