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

package chartdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chartwellhq/chartwell/internal/permissions"
	"github.com/chartwellhq/chartwell/querycache"
)

// LookupPrincipal loads the grant record behind an API key, making Store a
// permissions.Source. The scope column here is grant wording, not an access
// decision; derivation happens in querycache.NewAccessContext.
func (s *Store) LookupPrincipal(ctx context.Context, apiKey string) (permissions.PrincipalGrants, error) {
	var principalID string
	err := s.pool.QueryRow(ctx,
		`SELECT principal_id FROM api_keys WHERE key_hash = digest($1, 'sha256') AND revoked_at IS NULL`,
		apiKey,
	).Scan(&principalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return permissions.PrincipalGrants{}, permissions.ErrUnknownPrincipal
	}
	if err != nil {
		return permissions.PrincipalGrants{}, fmt.Errorf("look up api key: %w", err)
	}

	rec := permissions.PrincipalGrants{PrincipalID: principalID}

	rows, err := s.pool.Query(ctx,
		`SELECT resource, action, scope FROM principal_grants WHERE principal_id = $1`,
		principalID)
	if err != nil {
		return permissions.PrincipalGrants{}, fmt.Errorf("load grants for %s: %w", principalID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var g querycache.Grant
		if err := rows.Scan(&g.Resource, &g.Action, &g.Scope); err != nil {
			return permissions.PrincipalGrants{}, fmt.Errorf("scan grant: %w", err)
		}
		rec.Grants = append(rec.Grants, g)
	}
	if err := rows.Err(); err != nil {
		return permissions.PrincipalGrants{}, err
	}

	if rec.PracticeIDs, err = s.accessibleIDs(ctx, principalID, "principal_practices", "practice_id"); err != nil {
		return permissions.PrincipalGrants{}, err
	}
	if rec.ProviderIDs, err = s.accessibleIDs(ctx, principalID, "principal_providers", "provider_id"); err != nil {
		return permissions.PrincipalGrants{}, err
	}
	return rec, nil
}

func (s *Store) accessibleIDs(ctx context.Context, principalID, table, column string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE principal_id = $1 ORDER BY %s`, column, table, column),
		principalID)
	if err != nil {
		return nil, fmt.Errorf("load %s for %s: %w", table, principalID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", column, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
