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

package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chartwellhq/chartwell/cachestore"
	"github.com/chartwellhq/chartwell/config"
	"github.com/chartwellhq/chartwell/querycache"
)

func init() {
	var (
		dataSource int64
		measure    string
		practice   int64
		provider   int64
		frequency  string
	)

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "delete cache entries matching a key pattern",
		Long: `Delete cached chart data for a data source. Dimensions left unset match
everything; set --measure, --practice, --provider or --frequency to narrow
the pattern. Used by mutation hooks after chart or dashboard edits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := setupTelemetry("invalidate")
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			store := cachestore.NewRedis(cachestore.RedisConfig{
				Addr:          cfg.Cache.RedisAddr,
				Password:      cfg.Cache.RedisPassword,
				DB:            cfg.Cache.RedisDB,
				MaxEntryBytes: cfg.Cache.MaxEntryBytes,
				ScanCount:     int64(cfg.Cache.ScanBatchSize),
			})
			defer func() {
				if err := store.Close(); err != nil {
					slog.Error("Error closing cache store", slog.Any("error", err))
				}
			}()

			comps := querycache.KeyComponents{DataSourceID: dataSource}
			if cmd.Flags().Changed("measure") {
				comps.Measure = querycache.DimValue(measure)
			}
			if cmd.Flags().Changed("practice") {
				comps.PracticeID = querycache.DimValue(practice)
			}
			if cmd.Flags().Changed("provider") {
				comps.ProviderID = querycache.DimValue(provider)
			}
			if cmd.Flags().Changed("frequency") {
				comps.Frequency = querycache.DimValue(frequency)
			}

			inv := querycache.NewInvalidator(store, cfg.Cache.ScanBatchSize)
			removed, err := inv.Invalidate(ctx, comps)
			if err != nil {
				return err
			}
			slog.Info("invalidation complete", slog.Int64("removed", removed))
			return nil
		},
	}

	cmd.Flags().Int64Var(&dataSource, "data-source", 0, "data source ID (required)")
	cmd.Flags().StringVar(&measure, "measure", "", "measure name")
	cmd.Flags().Int64Var(&practice, "practice", 0, "practice ID")
	cmd.Flags().Int64Var(&provider, "provider", 0, "provider ID")
	cmd.Flags().StringVar(&frequency, "frequency", "", "frequency")
	_ = cmd.MarkFlagRequired("data-source")

	rootCmd.AddCommand(cmd)
}
