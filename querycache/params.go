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
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// FetchParams is one chart's data request. Only the fields that change the
// underlying row set participate in the cache key and query signature;
// presentation concerns (chart type, palette, axes) live outside this struct
// entirely so they cannot leak into either.
type FetchParams struct {
	DataSourceID int64
	Measure      string // "" means all measures
	PracticeID   *int64
	ProviderID   *int64
	Frequency    string // "" means all frequencies

	// In-memory narrowing, applied after RBAC. Part of the signature but
	// not of the cache key: cached entries hold the unnarrowed row set.
	StartDate  *time.Time
	EndDate    *time.Time
	Predicates []Predicate

	// AllowedFields is the legal predicate field set for the active data
	// source, supplied by the caller from its catalog. Predicates naming
	// any other field are rejected before I/O.
	AllowedFields []string
}

// Validate rejects malformed params before any I/O happens.
func (p FetchParams) Validate() error {
	if p.DataSourceID <= 0 {
		return NewValidationError("dataSourceId", "must be positive, got %d", p.DataSourceID)
	}
	if p.StartDate != nil && p.EndDate != nil && p.EndDate.Before(*p.StartDate) {
		return NewValidationError("dateRange", "end %s precedes start %s",
			p.EndDate.Format(time.RFC3339), p.StartDate.Format(time.RFC3339))
	}
	return ValidatePredicates(p.Predicates, p.AllowedFields)
}

// Components maps the params onto the cache-key tuple.
func (p FetchParams) Components() KeyComponents {
	c := KeyComponents{DataSourceID: p.DataSourceID}
	if p.Measure != "" {
		c.Measure = DimValue(p.Measure)
	}
	if p.PracticeID != nil {
		c.PracticeID = DimValue(*p.PracticeID)
	}
	if p.ProviderID != nil {
		c.ProviderID = DimValue(*p.ProviderID)
	}
	if p.Frequency != "" {
		c.Frequency = DimValue(p.Frequency)
	}
	return c
}

// Signature is the normalized identity of a fetch within one render. Two
// requests differing only in presentation fields hash identically.
type Signature uint64

func (s Signature) String() string {
	return strconv.FormatUint(uint64(s), 16)
}

// Signature hashes the cache-relevant params into a stable 64-bit value.
// Predicates are sorted into canonical order first so caller ordering does
// not split the signature.
func (p FetchParams) Signature() Signature {
	d := xxhash.New()

	writeField := func(tag, val string) {
		_, _ = d.WriteString(tag)
		_, _ = d.WriteString("\x1f")
		_, _ = d.WriteString(val)
		_, _ = d.WriteString("\x1e")
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(p.DataSourceID))
	_, _ = d.Write(buf[:])

	writeField("m", p.Measure)
	if p.PracticeID != nil {
		writeField("p", strconv.FormatInt(*p.PracticeID, 10))
	}
	if p.ProviderID != nil {
		writeField("pr", strconv.FormatInt(*p.ProviderID, 10))
	}
	writeField("f", p.Frequency)
	if p.StartDate != nil {
		writeField("sd", p.StartDate.UTC().Format(time.RFC3339Nano))
	}
	if p.EndDate != nil {
		writeField("ed", p.EndDate.UTC().Format(time.RFC3339Nano))
	}

	preds := make([]string, 0, len(p.Predicates))
	for _, pred := range p.Predicates {
		preds = append(preds, pred.canonical())
	}
	sort.Strings(preds)
	for _, s := range preds {
		writeField("q", s)
	}

	return Signature(d.Sum64())
}

// clone returns a deep-enough copy for derived queries: the predicate slice
// is copied so appends cannot alias the base request.
func (p FetchParams) clone() FetchParams {
	out := p
	out.Predicates = make([]Predicate, len(p.Predicates))
	copy(out.Predicates, p.Predicates)
	out.AllowedFields = make([]string, len(p.AllowedFields))
	copy(out.AllowedFields, p.AllowedFields)
	return out
}

func (p FetchParams) describe() string {
	return fmt.Sprintf("ds=%d measure=%q sig=%s", p.DataSourceID, p.Measure, p.Signature())
}
