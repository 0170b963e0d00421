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
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheWriteFailures metric.Int64Counter
	cacheWritesSkipped metric.Int64Counter
	dedupJoins         metric.Int64Counter
	securityViolations metric.Int64Counter
	expansionTruncated metric.Int64Counter
	fanoutFailures     metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/chartwellhq/chartwell/querycache")

	var err error

	cacheHits, err = meter.Int64Counter(
		"chartwell.querycache.hits",
		metric.WithDescription("Cache hierarchy probes that found an entry"),
	)
	if err != nil {
		log.Fatalf("failed to create querycache.hits counter: %v", err)
	}

	cacheMisses, err = meter.Int64Counter(
		"chartwell.querycache.misses",
		metric.WithDescription("Fetches that fell through the whole key hierarchy"),
	)
	if err != nil {
		log.Fatalf("failed to create querycache.misses counter: %v", err)
	}

	cacheWriteFailures, err = meter.Int64Counter(
		"chartwell.querycache.write_failures",
		metric.WithDescription("Fire-and-forget cache writes that failed or were rejected"),
	)
	if err != nil {
		log.Fatalf("failed to create querycache.write_failures counter: %v", err)
	}

	cacheWritesSkipped, err = meter.Int64Counter(
		"chartwell.querycache.write_skips",
		metric.WithDescription("Cache writes skipped because an access-narrowed result is not shareable"),
	)
	if err != nil {
		log.Fatalf("failed to create querycache.write_skips counter: %v", err)
	}

	dedupJoins, err = meter.Int64Counter(
		"chartwell.querycache.dedup_joins",
		metric.WithDescription("Fetches that joined an identical in-flight fetch within a render"),
	)
	if err != nil {
		log.Fatalf("failed to create querycache.dedup_joins counter: %v", err)
	}

	securityViolations, err = meter.Int64Counter(
		"chartwell.querycache.security_violations",
		metric.WithDescription("Row-level access denials resolved to empty results"),
	)
	if err != nil {
		log.Fatalf("failed to create querycache.security_violations counter: %v", err)
	}

	expansionTruncated, err = meter.Int64Counter(
		"chartwell.querycache.expansion_truncated",
		metric.WithDescription("Dimension expansions whose discovered value set was truncated"),
	)
	if err != nil {
		log.Fatalf("failed to create querycache.expansion_truncated counter: %v", err)
	}

	fanoutFailures, err = meter.Int64Counter(
		"chartwell.querycache.fanout_failures",
		metric.WithDescription("Dimension-expansion sub-fetches that failed"),
	)
	if err != nil {
		log.Fatalf("failed to create querycache.fanout_failures counter: %v", err)
	}
}
