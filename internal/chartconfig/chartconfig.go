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

// Package chartconfig models chart presentation as a closed set of tagged
// variants, one per chart type, each carrying only its own fields. These
// settings are presentation-only: nothing here participates in cache keys
// or query signatures, which is what lets two differently-styled widgets
// share one fetch.
package chartconfig

import (
	"encoding/json"
	"fmt"
)

// Kind tags a chart variant.
type Kind string

const (
	KindTimeSeries   Kind = "time_series"
	KindDualAxis     Kind = "dual_axis"
	KindDistribution Kind = "distribution"
	KindTable        Kind = "table"
)

// Chart is one presentation configuration.
type Chart interface {
	Kind() Kind
}

// TimeSeries renders one line or bar series over time.
type TimeSeries struct {
	Stacked    bool   `json:"stacked,omitempty"`
	Palette    string `json:"palette,omitempty"`
	ShowLegend bool   `json:"showLegend,omitempty"`
}

func (TimeSeries) Kind() Kind { return KindTimeSeries }

// DualAxis renders two series against independent y-axes.
type DualAxis struct {
	LeftLabel  string `json:"leftLabel,omitempty"`
	RightLabel string `json:"rightLabel,omitempty"`
	Palette    string `json:"palette,omitempty"`
}

func (DualAxis) Kind() Kind { return KindDualAxis }

// Distribution renders a histogram.
type Distribution struct {
	Buckets int    `json:"buckets,omitempty"`
	Palette string `json:"palette,omitempty"`
}

func (Distribution) Kind() Kind { return KindDistribution }

// Table renders raw rows.
type Table struct {
	PageSize   int    `json:"pageSize,omitempty"`
	SortColumn string `json:"sortColumn,omitempty"`
	SortDesc   bool   `json:"sortDesc,omitempty"`
}

func (Table) Kind() Kind { return KindTable }

type envelope struct {
	Type Kind            `json:"type"`
	Conf json.RawMessage `json:"config,omitempty"`
}

// Marshal encodes a chart with its type tag.
func Marshal(c Chart) ([]byte, error) {
	conf, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s chart: %w", c.Kind(), err)
	}
	return json.Marshal(envelope{Type: c.Kind(), Conf: conf})
}

// Unmarshal decodes a tagged chart. Unknown tags are an error, keeping the
// variant set closed.
func Unmarshal(data []byte) (Chart, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode chart envelope: %w", err)
	}

	var c Chart
	switch env.Type {
	case KindTimeSeries:
		c = &TimeSeries{}
	case KindDualAxis:
		c = &DualAxis{}
	case KindDistribution:
		c = &Distribution{}
	case KindTable:
		c = &Table{}
	default:
		return nil, fmt.Errorf("unknown chart type %q", env.Type)
	}

	if len(env.Conf) > 0 {
		if err := json.Unmarshal(env.Conf, c); err != nil {
			return nil, fmt.Errorf("decode %s chart: %w", env.Type, err)
		}
	}

	switch v := c.(type) {
	case *TimeSeries:
		return *v, nil
	case *DualAxis:
		return *v, nil
	case *Distribution:
		return *v, nil
	case *Table:
		return *v, nil
	}
	return nil, fmt.Errorf("unknown chart type %q", env.Type)
}
