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

// Package chartdb is the relational backing store for analytics rows. It
// implements querycache.QueryExecutor over a pgx pool; the cache core treats
// it as an opaque, arbitrary-latency collaborator.
package chartdb

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chartwellhq/chartwell/querycache"
)

const factsTable = "analytics_facts"

// identPattern is the sanity bound on dynamic column names. Callers have
// already allow-listed the column; this check stands even if they have not.
var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Store executes analytics queries against Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool for the given URL.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open analytics database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping verifies connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RunQuery fetches the full row set for one dimension tuple. The coarse
// access predicate is embedded in the SQL; date ranges and ad-hoc predicates
// are not, so the result is the cacheable superset for the tuple.
func (s *Store) RunQuery(ctx context.Context, comps querycache.KeyComponents, coarse querycache.CoarsePredicate) ([]querycache.Row, error) {
	if err := comps.Validate(); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(factsTable)
	sb.WriteString(" WHERE data_source_id = $1")
	args := []any{comps.DataSourceID}

	addEq := func(column string, value any) {
		args = append(args, value)
		sb.WriteString(" AND ")
		sb.WriteString(column)
		sb.WriteString(" = $")
		sb.WriteString(strconv.Itoa(len(args)))
	}

	if m, ok := comps.Measure.Value(); ok {
		addEq("measure", m)
	}
	if p, ok := comps.PracticeID.Value(); ok {
		addEq("practice_id", p)
	}
	if pr, ok := comps.ProviderID.Value(); ok {
		addEq("provider_id", pr)
	}
	if f, ok := comps.Frequency.Value(); ok {
		addEq("frequency", f)
	}

	appendCoarse(&sb, &args, coarse)
	sb.WriteString(" ORDER BY date, practice_id, provider_id")

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query analytics facts: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// DiscoverValues lists distinct values of column within the data source,
// still subject to the coarse predicate so expansion can never enumerate
// attribute values from rows the caller may not see.
func (s *Store) DiscoverValues(ctx context.Context, dataSourceID int64, column string, coarse querycache.CoarsePredicate) ([]string, error) {
	if dataSourceID <= 0 {
		return nil, querycache.NewValidationError("dataSourceId", "must be positive, got %d", dataSourceID)
	}
	if !identPattern.MatchString(column) {
		return nil, querycache.NewValidationError("column", "%q is not a legal column name", column)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT DISTINCT %s::text FROM %s WHERE data_source_id = $1 AND %s IS NOT NULL",
		column, factsTable, column)
	args := []any{dataSourceID}

	appendCoarse(&sb, &args, coarse)
	fmt.Fprintf(&sb, " ORDER BY %s::text", column)

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("discover %s values: %w", column, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan %s value: %w", column, err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// appendCoarse pushes the coarse access restriction into the WHERE clause.
// An empty restricted predicate must match nothing.
func appendCoarse(sb *strings.Builder, args *[]any, coarse querycache.CoarsePredicate) {
	if !coarse.Restricted {
		return
	}
	if len(coarse.PracticeIDs) == 0 {
		sb.WriteString(" AND false")
		return
	}
	*args = append(*args, coarse.PracticeIDs)
	fmt.Fprintf(sb, " AND practice_id = ANY($%d)", len(*args))

	if coarse.RestrictProviders {
		if len(coarse.ProviderIDs) == 0 {
			sb.WriteString(" AND false")
			return
		}
		*args = append(*args, coarse.ProviderIDs)
		fmt.Fprintf(sb, " AND provider_id = ANY($%d)", len(*args))
	}
}

func collectRows(rows pgx.Rows) ([]querycache.Row, error) {
	fields := rows.FieldDescriptions()
	var out []querycache.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read analytics row: %w", err)
		}
		row := make(querycache.Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
