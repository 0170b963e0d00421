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
	"slices"
	"strings"
	"time"
)

// Op is a predicate operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpIn       Op = "in"
	OpContains Op = "contains"
)

var validOps = map[Op]struct{}{
	OpEq: {}, OpNeq: {}, OpLt: {}, OpLte: {}, OpGt: {}, OpGte: {}, OpIn: {}, OpContains: {},
}

// Predicate is one ad-hoc in-memory filter. Field names are only ever used
// as map lookups after allow-list validation; they never reach the backing
// store's SQL.
type Predicate struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// canonical renders the predicate for signature hashing.
func (p Predicate) canonical() string {
	return fmt.Sprintf("%s\x1f%s\x1f%v", p.Field, p.Op, p.Value)
}

// ValidatePredicates checks each predicate's operator and field name against
// the data source's allow-list. It runs before any I/O; an unknown field is
// a ValidationError, never a dynamic accessor.
func ValidatePredicates(preds []Predicate, allowedFields []string) error {
	for _, p := range preds {
		if _, ok := validOps[p.Op]; !ok {
			return NewValidationError("op", "unknown operator %q", string(p.Op))
		}
		if !slices.Contains(allowedFields, p.Field) {
			return NewValidationError("field", "%q is not a filterable field for this data source", p.Field)
		}
	}
	return nil
}

// ApplyDateRange keeps rows whose date column falls in [start, end]. Either
// bound may be nil. Rows without a parseable date column are kept: the date
// filter narrows presentation, it is not an access control, and RBAC has
// already run by the time this executes.
func ApplyDateRange(rows []Row, start, end *time.Time) []Row {
	if start == nil && end == nil {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		d, ok := r.Date()
		if !ok {
			out = append(out, r)
			continue
		}
		if start != nil && d.Before(*start) {
			continue
		}
		if end != nil && d.After(*end) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ApplyPredicates evaluates the ad-hoc predicates against an already-fetched
// row set. Callers must have validated the predicates first; this re-checks
// the allow-list anyway so a missed validation cannot widen field access.
// It always runs after ApplyRowLevel, so it can only ever narrow the access
// envelope RBAC established.
func ApplyPredicates(rows []Row, preds []Predicate, allowedFields []string) ([]Row, error) {
	if len(preds) == 0 {
		return rows, nil
	}
	if err := ValidatePredicates(preds, allowedFields); err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(rows))
rowLoop:
	for _, r := range rows {
		for _, p := range preds {
			if !evalPredicate(r, p) {
				continue rowLoop
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func evalPredicate(r Row, p Predicate) bool {
	v, present := r[p.Field]

	switch p.Op {
	case OpEq:
		return present && looseEqual(v, p.Value)
	case OpNeq:
		return !present || !looseEqual(v, p.Value)
	case OpLt, OpLte, OpGt, OpGte:
		if !present {
			return false
		}
		c, ok := compare(v, p.Value)
		if !ok {
			return false
		}
		switch p.Op {
		case OpLt:
			return c < 0
		case OpLte:
			return c <= 0
		case OpGt:
			return c > 0
		default:
			return c >= 0
		}
	case OpIn:
		if !present {
			return false
		}
		for _, candidate := range valueList(p.Value) {
			if looseEqual(v, candidate) {
				return true
			}
		}
		return false
	case OpContains:
		if !present {
			return false
		}
		return strings.Contains(
			strings.ToLower(fmt.Sprintf("%v", v)),
			strings.ToLower(fmt.Sprintf("%v", p.Value)))
	}
	return false
}

// looseEqual compares across the numeric types JSON decoding and database
// drivers produce; everything else falls back to string equality.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compare returns -1/0/1 when a and b are comparable, numerically when both
// sides are numbers, lexically otherwise.
func compare(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	return strings.Compare(as, bs), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func valueList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []int64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out
	default:
		return []any{v}
	}
}
