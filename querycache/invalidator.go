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
	"fmt"
	"log/slog"

	"github.com/chartwellhq/chartwell/internal/logctx"
)

const defaultDeleteBatchSize = 256

// Invalidator removes cache entries matching a component pattern. It is
// triggered by external mutation events (chart or dashboard edits); entries
// are deleted, never edited in place.
type Invalidator struct {
	store     Store
	batchSize int
}

// NewInvalidator wires an invalidator. batchSize bounds each Delete call;
// zero takes the default.
func NewInvalidator(store Store, batchSize int) *Invalidator {
	if batchSize <= 0 {
		batchSize = defaultDeleteBatchSize
	}
	return &Invalidator{store: store, batchSize: batchSize}
}

// Invalidate deletes every key matching the components, where wildcard
// dimensions match anything. DataSourceID must be concrete: invalidation is
// always scoped to one data source. Returns the number of keys removed.
func (inv *Invalidator) Invalidate(ctx context.Context, comps KeyComponents) (int64, error) {
	if err := comps.Validate(); err != nil {
		return 0, err
	}

	pattern := comps.Encode()
	keys, err := inv.store.Scan(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("scan %q: %w", pattern, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	var removed int64
	for start := 0; start < len(keys); start += inv.batchSize {
		end := min(start+inv.batchSize, len(keys))
		n, err := inv.store.Delete(ctx, keys[start:end]...)
		removed += n
		if err != nil {
			return removed, fmt.Errorf("delete batch: %w", err)
		}
	}

	logctx.FromContext(ctx).Info("cache invalidated",
		slog.String("pattern", pattern),
		slog.Int64("removed", removed))
	return removed, nil
}
