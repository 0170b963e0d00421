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

// Package cachestore provides the external key-value store adapters behind
// the querycache.Store interface: Redis for deployments, an in-process map
// for development and tests.
package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chartwellhq/chartwell/querycache"
)

const defaultScanCount = 256

// Redis adapts a Redis client to querycache.Store. Entries are JSON
// snapshots under SET with expiry; scanning uses SCAN/MATCH so invalidation
// never blocks the server the way KEYS would.
type Redis struct {
	client        redis.UniversalClient
	maxEntryBytes int64
	scanCount     int64
}

// RedisConfig carries the adapter knobs.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// MaxEntryBytes rejects oversized entries at Set time; 0 disables the cap.
	MaxEntryBytes int64
	// ScanCount is the per-round SCAN batch hint.
	ScanCount int64
}

// NewRedis connects a Redis-backed store.
func NewRedis(cfg RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisWithClient(client, cfg)
}

// NewRedisWithClient wraps an existing client, which tests and callers with
// cluster setups provide directly.
func NewRedisWithClient(client redis.UniversalClient, cfg RedisConfig) *Redis {
	scanCount := cfg.ScanCount
	if scanCount <= 0 {
		scanCount = defaultScanCount
	}
	return &Redis{
		client:        client,
		maxEntryBytes: cfg.MaxEntryBytes,
		scanCount:     scanCount,
	}
}

// Ping verifies connectivity, for readiness checks.
func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) Get(ctx context.Context, key string) (*querycache.CachedEntry, error) {
	payload, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}

	var entry querycache.CachedEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		// A corrupt entry is unreadable forever; drop it and report a miss.
		slog.Warn("dropping undecodable cache entry",
			slog.String("key", key),
			slog.Any("error", err))
		_ = s.client.Del(ctx, key).Err()
		return nil, nil
	}
	return &entry, nil
}

func (s *Redis) Set(ctx context.Context, key string, entry *querycache.CachedEntry, ttl time.Duration) error {
	payload, stamped, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("encode entry for %s: %w", key, err)
	}

	if s.maxEntryBytes > 0 && stamped.SizeBytes > s.maxEntryBytes {
		slog.Warn("rejecting oversized cache entry",
			slog.String("key", key),
			slog.Int64("sizeBytes", stamped.SizeBytes),
			slog.Int64("maxBytes", s.maxEntryBytes),
			slog.Int("rowCount", stamped.RowCount))
		return fmt.Errorf("%w: %d > %d bytes", querycache.ErrEntryTooLarge, stamped.SizeBytes, s.maxEntryBytes)
	}

	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, s.scanCount).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return n, unavailable(err)
	}
	return n, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", querycache.ErrCacheUnavailable, err)
}

// encodeEntry renders an entry's stored form with SizeBytes stamped from
// that same form. Stamping changes the encoded length by the width of the
// digits, so re-encode until the value is self-consistent; the digit count
// stabilizes after at most a few rounds.
func encodeEntry(entry *querycache.CachedEntry) ([]byte, querycache.CachedEntry, error) {
	stamped := *entry
	for {
		payload, err := json.Marshal(&stamped)
		if err != nil {
			return nil, querycache.CachedEntry{}, err
		}
		if int64(len(payload)) == stamped.SizeBytes {
			return payload, stamped, nil
		}
		stamped.SizeBytes = int64(len(payload))
	}
}
