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

package queryapi

// Catalog maps each data source to its filterable field names. The catalog
// is server-owned; the API layer passes it to the core as the predicate
// allow-list, so request bodies can never name arbitrary fields.
type Catalog map[int64][]string

// DefaultCatalog covers the built-in analytics data sources.
func DefaultCatalog() Catalog {
	return Catalog{
		1: {"measure", "frequency", "practice_id", "provider_id", "location", "payer", "department"},
		2: {"measure", "frequency", "practice_id", "provider_id", "location", "payer", "procedure_code"},
		3: {"measure", "frequency", "practice_id", "provider_id", "location", "specialty"},
	}
}

// AllowedFields returns the field allow-list for a data source; unknown
// sources get an empty list, which rejects every predicate.
func (c Catalog) AllowedFields(dataSourceID int64) []string {
	return c[dataSourceID]
}
