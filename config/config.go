// Copyright (C) 2025 CardinalHQ, Inc
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
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EngineTrino    = "trino"
	EngineDuckDB   = "duckdb"
	EnginePostgres = "postgres"
)

// Config aggregates configuration for the dashboard.
type Config struct {
	Engine EngineConfig `mapstructure:"engine"`
	Tables TablesConfig `mapstructure:"tables"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Server ServerConfig `mapstructure:"server"`
}

type EngineConfig struct {
	Kind         string         `mapstructure:"kind"`
	QueryTimeout time.Duration  `mapstructure:"query_timeout"`
	MaxOpenConns int            `mapstructure:"max_open_conns"`
	Trino        TrinoConfig    `mapstructure:"trino"`
	DuckDB       DuckDBConfig   `mapstructure:"duckdb"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
}

type TrinoConfig struct {
	Scheme  string `mapstructure:"scheme"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Catalog string `mapstructure:"catalog"`
	Schema  string `mapstructure:"schema"`
	Source  string `mapstructure:"source"`
}

type DuckDBConfig struct {
	// Path is the database file. Empty means a throwaway temp database.
	Path          string `mapstructure:"path"`
	MemoryLimitMB int64  `mapstructure:"memory_limit_mb"`
	Threads       int    `mapstructure:"threads"`
}

type PostgresConfig struct {
	// URL overrides the SEGDASH_PG_* environment variables when set.
	URL string `mapstructure:"url"`
}

// TablesConfig names the relations the reports read from. Names may be
// qualified with up to two dots (catalog.schema.table).
type TablesConfig struct {
	Orders       string `mapstructure:"orders"`
	Customers    string `mapstructure:"customers"`
	VIPCustomers string `mapstructure:"vip_customers"`
	VIPSchema    string `mapstructure:"vip_schema"`
}

// VIPTable returns the configured VIP table, falling back to the
// MySQL catalog layout keyed by VIPSchema.
func (t TablesConfig) VIPTable() string {
	if t.VIPCustomers != "" {
		return t.VIPCustomers
	}
	return "mysql." + t.VIPSchema + ".vip_customers"
}

type CacheConfig struct {
	TTL                  time.Duration `mapstructure:"ttl"`
	Capacity             uint64        `mapstructure:"capacity"`
	MaxConcurrentQueries int64         `mapstructure:"max_concurrent_queries"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	APIKeys           []string      `mapstructure:"api_keys"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	Warm              bool          `mapstructure:"warm"`
}

// Addr is the listen address for the dashboard server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Kind:         EngineTrino,
			QueryTimeout: 30 * time.Second,
			MaxOpenConns: 8,
			Trino: TrinoConfig{
				Scheme: "http",
				Host:   "127.0.0.1",
				Port:   8080,
				User:   "web",
				Source: "segdash",
			},
		},
		Tables: TablesConfig{
			Orders:    "tpch.tiny.orders",
			Customers: "tpch.tiny.customer",
			VIPSchema: "crm_1",
		},
		Cache: CacheConfig{
			TTL:                  60 * time.Second,
			Capacity:             1024,
			MaxConcurrentQueries: 4,
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              5000,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
	}
}

// legacyEnv maps config keys to the unprefixed environment variables the
// dashboard has always honoured. The prefixed form wins when both are set.
var legacyEnv = map[string]string{
	"engine.trino.host": "TRINO_HOST",
	"engine.trino.port": "TRINO_PORT",
	"engine.trino.user": "TRINO_USER",
	"tables.vip_schema": "MYSQL_SCHEMA",
	"server.port":       "PORT",
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "SEGDASH" and the dot character
// in keys is replaced by an underscore. For example, "cache.ttl" becomes
// "SEGDASH_CACHE_TTL".
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("SEGDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	for key, legacy := range legacyEnv {
		_ = v.BindEnv(key, envName(key), legacy)
	}
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if k := v.GetString("server.api_keys"); k != "" {
		cfg.Server.APIKeys = splitList(k)
	}
	cfg.Engine.Kind = strings.ToLower(strings.TrimSpace(cfg.Engine.Kind))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the loaded values can be used to start the service.
func (c *Config) Validate() error {
	var errs []error
	switch c.Engine.Kind {
	case EngineTrino, EngineDuckDB, EnginePostgres:
	default:
		errs = append(errs, fmt.Errorf("engine.kind %q is not one of trino, duckdb, postgres", c.Engine.Kind))
	}
	if c.Engine.QueryTimeout <= 0 {
		errs = append(errs, errors.New("engine.query_timeout must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.MaxConcurrentQueries < 1 {
		errs = append(errs, errors.New("cache.max_concurrent_queries must be at least 1"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

func envName(key string) string {
	return "SEGDASH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
