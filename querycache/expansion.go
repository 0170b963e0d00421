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
	"log/slog"
	"slices"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/chartwellhq/chartwell/internal/logctx"
)

// MaxExpansionValues caps how many discovered dimension values one expansion
// may fan out into, whatever the caller asked for.
const MaxExpansionValues = 20

// ExpansionState is the terminal state of one expansion batch.
type ExpansionState string

const (
	stateIdle        ExpansionState = "idle"
	stateFanningOut  ExpansionState = "fanning_out"
	stateAggregating ExpansionState = "aggregating"

	// StateDone means every retained value fetched successfully (possibly
	// zero values were discovered at all).
	StateDone ExpansionState = "done"
	// StatePartialFailure means some but not all values failed; the result
	// carries the successful subset plus the failed values.
	StatePartialFailure ExpansionState = "partial_failure"
)

// ExpansionRequest asks for one derived chart per distinct value of a
// dimension column. Created per user action, consumed once, discarded.
type ExpansionRequest struct {
	DimensionColumn string
	Base            FetchParams

	// Limit caps the retained value count; 0 means MaxExpansionValues.
	Limit int
	// MaxParallel bounds concurrent sub-fetches; 0 means the coordinator's
	// configured ceiling.
	MaxParallel int
}

// ExpandedValue is one successful sub-fetch.
type ExpandedValue struct {
	Value string `json:"value"`
	Rows  []Row  `json:"rows"`
}

// FailedValue is one failed sub-fetch, reported by kind rather than raw
// error so the caller can phrase user-visible degradation.
type FailedValue struct {
	Value     string `json:"value"`
	ErrorKind string `json:"errorKind"`
}

// ExpansionResult aggregates a fan-out batch.
type ExpansionResult struct {
	State     ExpansionState  `json:"state"`
	Succeeded []ExpandedValue `json:"succeeded"`
	Failed    []FailedValue   `json:"failed"`
	Truncated bool            `json:"truncated"`
}

// Coordinator fans one base query out into per-value derived queries under a
// bounded worker pool.
type Coordinator struct {
	orch        *Orchestrator
	maxParallel int
}

// NewCoordinator wires a coordinator. ceiling is the hard MaxParallel bound
// from configuration.
func NewCoordinator(orch *Orchestrator, ceiling int) *Coordinator {
	if ceiling <= 0 {
		ceiling = MaxExpansionValues
	}
	return &Coordinator{orch: orch, maxParallel: ceiling}
}

// Expand discovers the distinct values of the request's dimension column and
// fetches one derived row set per retained value, in parallel, bounded by
// MaxParallel. Individual failures are recorded, not fatal; the batch as a
// whole fails only when every value failed. Sub-fetches run on a detached
// context: cancelling the render abandons the results but lets in-flight
// work finish and populate the cache, since a half-done batch is still
// useful warmth.
func (c *Coordinator) Expand(ctx context.Context, req ExpansionRequest, access AccessContext) (ExpansionResult, error) {
	log := logctx.FromContext(ctx)
	result := ExpansionResult{State: stateIdle}

	if req.DimensionColumn == "" {
		return result, NewValidationError("dimensionColumn", "must not be empty")
	}
	if !slices.Contains(req.Base.AllowedFields, req.DimensionColumn) {
		return result, NewValidationError("dimensionColumn",
			"%q is not a filterable field for this data source", req.DimensionColumn)
	}
	if req.Limit < 0 {
		return result, NewValidationError("limit", "must not be negative, got %d", req.Limit)
	}
	if req.MaxParallel < 0 {
		return result, NewValidationError("maxParallel", "must not be negative, got %d", req.MaxParallel)
	}
	if err := req.Base.Validate(); err != nil {
		return result, err
	}

	limit := req.Limit
	if limit == 0 || limit > MaxExpansionValues {
		if limit > MaxExpansionValues {
			log.Warn("expansion limit clamped",
				slog.Int("requested", limit),
				slog.Int("max", MaxExpansionValues))
		}
		limit = MaxExpansionValues
	}
	parallel := req.MaxParallel
	if parallel == 0 || parallel > c.maxParallel {
		parallel = c.maxParallel
	}

	values, err := c.orch.exec.DiscoverValues(ctx, req.Base.DataSourceID, req.DimensionColumn, access.Coarse())
	if err != nil {
		return result, err
	}
	if len(values) > limit {
		log.Warn("expansion value set truncated",
			slog.String("dimension", req.DimensionColumn),
			slog.Int("discovered", len(values)),
			slog.Int("retained", limit))
		expansionTruncated.Add(ctx, 1)
		values = values[:limit]
		result.Truncated = true
	}
	if len(values) == 0 {
		result.State = StateDone
		return result, nil
	}

	result.State = stateFanningOut

	// Detached from render cancellation; keeps the render's scope and
	// logger values.
	dctx := context.WithoutCancel(ctx)

	type outcome struct {
		rows []Row
		err  error
	}
	outcomes := make([]outcome, len(values))

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, value := range values {
		i, value := i, value
		g.Go(func() error {
			derived := req.Base.clone()
			derived.Predicates = append(derived.Predicates, Predicate{
				Field: req.DimensionColumn,
				Op:    OpEq,
				Value: value,
			})
			rows, ferr := c.orch.Fetch(dctx, derived, access, false)
			outcomes[i] = outcome{rows: rows, err: ferr}
			return nil
		})
	}
	_ = g.Wait()

	result.State = stateAggregating

	var batchErr *multierror.Error
	for i, value := range values {
		if outcomes[i].err != nil {
			fanoutFailures.Add(ctx, 1)
			log.Warn("expansion sub-fetch failed",
				slog.String("dimension", req.DimensionColumn),
				slog.String("value", value),
				slog.Any("error", outcomes[i].err))
			result.Failed = append(result.Failed, FailedValue{
				Value:     value,
				ErrorKind: errorKind(outcomes[i].err),
			})
			batchErr = multierror.Append(batchErr, outcomes[i].err)
			continue
		}
		result.Succeeded = append(result.Succeeded, ExpandedValue{
			Value: value,
			Rows:  outcomes[i].rows,
		})
	}

	// All-failed is a batch failure; anything short of that is a partial
	// result the caller can render with a degradation notice.
	if len(result.Succeeded) == 0 {
		result.State = StatePartialFailure
		return result, batchErr.ErrorOrNil()
	}
	if len(result.Failed) > 0 {
		result.State = StatePartialFailure
	} else {
		result.State = StateDone
	}
	return result, nil
}
