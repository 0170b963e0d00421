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
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/chartwellhq/chartwell/internal/logctx"
)

// Scope is the breadth of data a caller may see, independent of which
// specific identifiers are listed. The ordering matters: higher values are
// strictly wider.
type Scope int

const (
	ScopeOwn Scope = iota
	ScopeOrganization
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeOwn:
		return "own"
	case ScopeOrganization:
		return "organization"
	case ScopeAll:
		return "all"
	default:
		return "unknown"
	}
}

// Grant is one raw permission as stored by the permission system. Scope here
// is the grant's own wording ("all", "organization", "own"); it is input to
// scope derivation, never trusted as a claimed AccessContext scope.
type Grant struct {
	Resource string
	Action   string
	Scope    string
}

const (
	ResourceAnalytics = "analytics"
	ActionRead        = "read"
	wildcardGrant     = "*"
)

// AccessContext is the resolved row-level access envelope for one caller.
// All fields are unexported: the only way to obtain a context is
// NewAccessContext, which re-derives scope from the caller's actual grants.
// A self-reported "all" that no grant backs up cannot exist here.
type AccessContext struct {
	practiceIDs mapset.Set[int64]
	providerIDs mapset.Set[int64]
	scope       Scope
	superAdmin  bool
}

// NewAccessContext derives an AccessContext from raw grants plus the
// accessible identifier lists. Scope is computed as the widest analytics
// read grant present; with no matching grant at all the result is the
// narrowest scope with whatever IDs were listed, which fails closed in
// ApplyRowLevel.
func NewAccessContext(grants []Grant, practiceIDs, providerIDs []int64) AccessContext {
	ac := AccessContext{
		practiceIDs: mapset.NewSet[int64](practiceIDs...),
		providerIDs: mapset.NewSet[int64](providerIDs...),
		scope:       ScopeOwn,
	}
	for _, g := range grants {
		if g.Resource == wildcardGrant && g.Action == wildcardGrant {
			ac.superAdmin = true
			ac.scope = ScopeAll
			continue
		}
		if g.Resource != ResourceAnalytics && g.Resource != wildcardGrant {
			continue
		}
		if g.Action != ActionRead && g.Action != wildcardGrant {
			continue
		}
		switch g.Scope {
		case "all":
			if ac.scope < ScopeAll {
				ac.scope = ScopeAll
			}
		case "organization":
			if ac.scope < ScopeOrganization {
				ac.scope = ScopeOrganization
			}
		}
	}
	return ac
}

// Scope returns the derived permission scope.
func (ac AccessContext) Scope() Scope { return ac.scope }

// IsSuperAdmin reports whether the caller holds the wildcard grant.
func (ac AccessContext) IsSuperAdmin() bool { return ac.superAdmin }

// PracticeIDs returns the accessible practice identifiers, sorted.
func (ac AccessContext) PracticeIDs() []int64 {
	return sortedIDs(ac.practiceIDs)
}

// ProviderIDs returns the accessible provider identifiers, sorted.
func (ac AccessContext) ProviderIDs() []int64 {
	return sortedIDs(ac.providerIDs)
}

func sortedIDs(s mapset.Set[int64]) []int64 {
	if s == nil {
		return nil
	}
	ids := s.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// unrestricted reports whether row-level filtering is a pass-through.
func (ac AccessContext) unrestricted() bool {
	return ac.superAdmin || ac.scope == ScopeAll
}

// Coarse maps the context onto the predicate embedded in backing queries.
func (ac AccessContext) Coarse() CoarsePredicate {
	if ac.unrestricted() {
		return CoarsePredicate{}
	}
	return CoarsePredicate{
		Restricted:        true,
		PracticeIDs:       ac.PracticeIDs(),
		ProviderIDs:       ac.ProviderIDs(),
		RestrictProviders: ac.scope == ScopeOwn,
	}
}

// ApplyRowLevel is the fine-grained, fail-closed row filter. It runs on
// every row set, cache hit or backing-store miss, and is never skipped.
//
// Rules:
//   - superadmin or a derived "all" scope passes rows through unchanged;
//   - a restricted scope with zero accessible practices yields zero rows
//     regardless of row content, and emits a high-severity audit event;
//   - a row is practice-visible iff its practice_id is in the accessible
//     set; rows with no practice_id are excluded under restriction;
//   - under own scope a row's provider_id must be present and accessible.
//     A null provider is scope-ambiguous and excluded; it is included only
//     under organization or all scope.
func ApplyRowLevel(ctx context.Context, rows []Row, ac AccessContext) []Row {
	if ac.unrestricted() {
		return rows
	}

	if ac.practiceIDs == nil || ac.practiceIDs.Cardinality() == 0 {
		auditDenied(ctx, ac, len(rows), "empty accessible practice set")
		return []Row{}
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		pid, ok := r.PracticeID()
		if !ok || !ac.practiceIDs.Contains(pid) {
			continue
		}
		if ac.scope == ScopeOwn {
			prid, ok := r.ProviderID()
			if !ok || !ac.providerIDs.Contains(prid) {
				continue
			}
		}
		out = append(out, r)
	}

	if dropped := len(rows) - len(out); dropped > 0 {
		logctx.FromContext(ctx).Debug("rbac dropped rows",
			slog.Int("dropped", dropped),
			slog.Int("kept", len(out)),
			slog.String("scope", ac.scope.String()))
	}
	return out
}

// auditDenied records a SecurityViolation outcome. The violation is resolved
// by returning an empty set, never by an error a caller could swallow; the
// audit trail is the log entry plus a counter.
func auditDenied(ctx context.Context, ac AccessContext, rowCount int, reason string) {
	logctx.FromContext(ctx).Error("row-level access denied",
		slog.String("severity", "high"),
		slog.String("reason", reason),
		slog.String("scope", ac.scope.String()),
		slog.Int("rowsWithheld", rowCount))
	securityViolations.Add(ctx, 1)
}
