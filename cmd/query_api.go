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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/chartwellhq/chartwell/cachestore"
	"github.com/chartwellhq/chartwell/chartdb"
	"github.com/chartwellhq/chartwell/config"
	"github.com/chartwellhq/chartwell/internal/healthcheck"
	"github.com/chartwellhq/chartwell/internal/permissions"
	"github.com/chartwellhq/chartwell/queryapi"
	"github.com/chartwellhq/chartwell/querycache"
)

func init() {
	cmd := &cobra.Command{
		Use:   "query-api",
		Short: "start the chart data API server",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := setupTelemetry("query-api")
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			health := healthcheck.NewServer(cfg.API.HealthPort)
			health.SetHealthy(true)
			go func() {
				if err := health.Start(ctx); err != nil {
					slog.Error("Health check server stopped", slog.Any("error", err))
				}
			}()

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
			health.SetCondition("redis", store.Ping(ctx) == nil)

			db, err := chartdb.Open(ctx, cfg.Database.URL)
			if err != nil {
				slog.Error("Failed to connect to analytics database", slog.Any("error", err))
				return fmt.Errorf("failed to connect to analytics database: %w", err)
			}
			defer db.Close()
			health.SetCondition("database", db.Ping(ctx) == nil)

			perms := permissions.NewProvider(
				db,
				time.Duration(cfg.Permissions.CacheTTLSeconds)*time.Second,
			)
			defer perms.Close()

			ttl := time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second
			orch := querycache.NewOrchestrator(store, db, ttl)
			coord := querycache.NewCoordinator(orch, cfg.Query.MaxParallel)
			inval := querycache.NewInvalidator(store, cfg.Cache.ScanBatchSize)

			svc := queryapi.NewService(orch, coord, inval, perms, queryapi.DefaultCatalog())

			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.API.Port),
				Handler:           svc.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			slog.Info("query-api listening", slog.Int("port", cfg.API.Port))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("query-api server: %w", err)
			}
			return nil
		},
	}
	rootCmd.AddCommand(cmd)
}
