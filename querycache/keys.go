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
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// keyPrefix versions the on-wire key layout. Bump it when the encoding
// changes so stale entries become unreachable instead of misdecoded.
const keyPrefix = "chart:v1"

// Dim is one optional cache-key dimension: either a concrete value or the
// explicit wildcard sentinel. The zero value is the wildcard, so a zero
// KeyComponents addresses the whole data source.
type Dim[T comparable] struct {
	concrete bool
	value    T
}

// DimValue returns a concrete dimension.
func DimValue[T comparable](v T) Dim[T] {
	return Dim[T]{concrete: true, value: v}
}

// DimWildcard returns the wildcard sentinel.
func DimWildcard[T comparable]() Dim[T] {
	return Dim[T]{}
}

// IsWildcard reports whether the dimension is the wildcard sentinel.
func (d Dim[T]) IsWildcard() bool { return !d.concrete }

// Value returns the concrete value; ok is false for the wildcard.
func (d Dim[T]) Value() (T, bool) { return d.value, d.concrete }

// KeyComponents identifies one cacheable row set. DataSourceID is always
// concrete; the remaining dimensions may be wildcarded. A tuple with more
// concrete dimensions is strictly more specific than one differing only by
// wildcarding a dimension.
type KeyComponents struct {
	DataSourceID int64
	Measure      Dim[string]
	PracticeID   Dim[int64]
	ProviderID   Dim[int64]
	Frequency    Dim[string]
}

// Validate rejects malformed components before any I/O.
func (c KeyComponents) Validate() error {
	if c.DataSourceID <= 0 {
		return NewValidationError("dataSourceId", "must be positive, got %d", c.DataSourceID)
	}
	return nil
}

// Encode renders the key's string form. This is the only place the string
// form is produced, and it is never parsed back. Concrete string values are
// query-escaped, which also escapes the glob metacharacters '*', '?' and
// '[', so the literal '*' emitted for wildcards doubles as a Redis MATCH
// pattern and concrete values can never collide with it.
func (c KeyComponents) Encode() string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteString(":ds:")
	b.WriteString(strconv.FormatInt(c.DataSourceID, 10))
	b.WriteString(":m:")
	b.WriteString(encodeStringDim(c.Measure))
	b.WriteString(":p:")
	b.WriteString(encodeIntDim(c.PracticeID))
	b.WriteString(":pr:")
	b.WriteString(encodeIntDim(c.ProviderID))
	b.WriteString(":f:")
	b.WriteString(encodeStringDim(c.Frequency))
	return b.String()
}

func encodeStringDim(d Dim[string]) string {
	v, ok := d.Value()
	if !ok {
		return "*"
	}
	return url.QueryEscape(v)
}

func encodeIntDim(d Dim[int64]) string {
	v, ok := d.Value()
	if !ok {
		return "*"
	}
	return strconv.FormatInt(v, 10)
}

// specificity counts concrete dimensions; used only for sanity checks in
// tests and logging.
func (c KeyComponents) specificity() int {
	n := 0
	for _, w := range []bool{
		c.Measure.IsWildcard(),
		c.PracticeID.IsWildcard(),
		c.ProviderID.IsWildcard(),
		c.Frequency.IsWildcard(),
	} {
		if !w {
			n++
		}
	}
	return n
}

// BuildHierarchy produces the cache-probe sequence for the given components,
// most specific first. Dimensions are wildcarded in a fixed order (provider,
// then frequency, then practice, then measure), terminating at the fully
// wildcarded whole-data-source key. Already-wildcard dimensions produce no
// duplicate levels.
func BuildHierarchy(c KeyComponents) ([]KeyComponents, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	hier := []KeyComponents{c}
	cur := c
	if !cur.ProviderID.IsWildcard() {
		cur.ProviderID = DimWildcard[int64]()
		hier = append(hier, cur)
	}
	if !cur.Frequency.IsWildcard() {
		cur.Frequency = DimWildcard[string]()
		hier = append(hier, cur)
	}
	if !cur.PracticeID.IsWildcard() {
		cur.PracticeID = DimWildcard[int64]()
		hier = append(hier, cur)
	}
	if !cur.Measure.IsWildcard() {
		cur.Measure = DimWildcard[string]()
		hier = append(hier, cur)
	}
	return hier, nil
}

// NarrowRows filters rows fetched under a less-specific key down to the
// dimensions the request actually asked for. want is the requested tuple,
// got is the tuple the hit occurred at; every dimension concrete in want but
// wildcard in got becomes an equality filter on the corresponding column.
func NarrowRows(rows []Row, want, got KeyComponents) []Row {
	type check func(Row) bool
	var checks []check

	if m, ok := want.Measure.Value(); ok && got.Measure.IsWildcard() {
		checks = append(checks, func(r Row) bool {
			v, ok := r.String(ColumnMeasure)
			return ok && v == m
		})
	}
	if p, ok := want.PracticeID.Value(); ok && got.PracticeID.IsWildcard() {
		checks = append(checks, func(r Row) bool {
			v, ok := r.PracticeID()
			return ok && v == p
		})
	}
	if pr, ok := want.ProviderID.Value(); ok && got.ProviderID.IsWildcard() {
		checks = append(checks, func(r Row) bool {
			v, ok := r.ProviderID()
			return ok && v == pr
		})
	}
	if f, ok := want.Frequency.Value(); ok && got.Frequency.IsWildcard() {
		checks = append(checks, func(r Row) bool {
			v, ok := r.String(ColumnFrequency)
			return ok && v == f
		})
	}

	if len(checks) == 0 {
		return rows
	}
	out := make([]Row, 0, len(rows))
rowLoop:
	for _, r := range rows {
		for _, keep := range checks {
			if !keep(r) {
				continue rowLoop
			}
		}
		out = append(out, r)
	}
	return out
}

// describe is a compact human form for logs.
func (c KeyComponents) describe() string {
	return fmt.Sprintf("ds=%d specificity=%d", c.DataSourceID, c.specificity())
}
