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
	"time"
)

// Well-known row columns. Analytics rows are dynamic maps because column
// sets vary per data source, but these columns have fixed meaning wherever
// they appear.
const (
	ColumnPracticeID = "practice_id"
	ColumnProviderID = "provider_id"
	ColumnMeasure    = "measure"
	ColumnFrequency  = "frequency"
	ColumnDate       = "date"
)

// Row is a single analytics record as returned by the backing store or a
// cache entry. Rows are treated as immutable value snapshots once fetched.
type Row map[string]any

// Int64 returns the named column as an int64. The second return is false
// when the column is absent, null, or not a number.
func (r Row) Int64(column string) (int64, bool) {
	v, ok := r[column]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	}
	return 0, false
}

// String returns the named column rendered as a string, with ok=false for
// absent or null values.
func (r Row) String(column string) (string, bool) {
	v, ok := r[column]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return "", false
}

// PracticeID returns the row's practice identifier, if present.
func (r Row) PracticeID() (int64, bool) {
	return r.Int64(ColumnPracticeID)
}

// ProviderID returns the row's provider identifier. A missing or null
// provider is meaningful to RBAC (scope-ambiguous), so absence is reported
// rather than defaulted.
func (r Row) ProviderID() (int64, bool) {
	return r.Int64(ColumnProviderID)
}

// Date returns the row's date column as a time.Time. String values are
// parsed as RFC 3339, falling back to plain dates.
func (r Row) Date() (time.Time, bool) {
	v, ok := r[ColumnDate]
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch d := v.(type) {
	case time.Time:
		return d, true
	case string:
		if t, err := time.Parse(time.RFC3339, d); err == nil {
			return t, true
		}
		if t, err := time.Parse("2006-01-02", d); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CachedEntry is one immutable cache value: a row snapshot plus metadata.
// Entries are never patched in place; invalidation deletes them.
type CachedEntry struct {
	Key       string    `json:"key"`
	Rows      []Row     `json:"rows"`
	RowCount  int       `json:"rowCount"`
	CachedAt  time.Time `json:"cachedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	SizeBytes int64     `json:"sizeBytes"`
}

// NewCachedEntry builds an entry for the given key and rows. SizeBytes is
// filled in by the store adapter once the encoded form is known.
func NewCachedEntry(key string, rows []Row, ttl time.Duration) *CachedEntry {
	now := time.Now().UTC()
	return &CachedEntry{
		Key:       key,
		Rows:      rows,
		RowCount:  len(rows),
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}
