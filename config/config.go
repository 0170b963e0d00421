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

package config

import (
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// Config aggregates configuration for the application. Each field is owned
// by its respective package; values are consumed as plain knobs there.
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Query       QueryConfig       `mapstructure:"query"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
}

type APIConfig struct {
	Port       int `mapstructure:"port"`
	HealthPort int `mapstructure:"health_port"`
}

type CacheConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	DefaultTTLSeconds int   `mapstructure:"default_ttl_seconds"`
	MaxEntryBytes     int64 `mapstructure:"max_entry_bytes"`
	ScanBatchSize     int   `mapstructure:"scan_batch_size"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type QueryConfig struct {
	// MaxParallel is the hard ceiling on concurrent expansion sub-fetches.
	MaxParallel int `mapstructure:"max_parallel"`
}

type PermissionsConfig struct {
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Port:       8080,
			HealthPort: 8090,
		},
		Cache: CacheConfig{
			RedisAddr:         "localhost:6379",
			DefaultTTLSeconds: 3600,
			MaxEntryBytes:     8 << 20,
			ScanBatchSize:     256,
		},
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/chartwell",
		},
		Query: QueryConfig{
			MaxParallel: 20,
		},
		Permissions: PermissionsConfig{
			CacheTTLSeconds: 300,
		},
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "CHARTWELL" and the dot character in
// keys is replaced by an underscore: "cache.redis_addr" becomes
// "CHARTWELL_CACHE_REDIS_ADDR".
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("CHARTWELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
