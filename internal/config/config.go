// Package config loads server configuration from file and environment.
// Record APIs are declared here; the record engine consumes validated
// RecordApiConfig values and never touches the loader.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Data    DataConfig    `mapstructure:"data"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Storage StorageConfig `mapstructure:"storage"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	API     APIConfig     `mapstructure:"api"`

	RecordAPIs  []RecordApiConfig       `mapstructure:"record_apis"`
	JSONSchemas []NamedJSONSchemaConfig `mapstructure:"json_schemas"`

	Debug bool `mapstructure:"debug"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DataConfig contains SQLite settings.
type DataConfig struct {
	// Path is the main database file.
	Path string `mapstructure:"path"`
	// AttachedDatabases lists additional schema names to scan for
	// record-API source tables (the files must already be attached).
	AttachedDatabases []string `mapstructure:"attached_databases"`
	// ReadPoolSize bounds the reader connection pool.
	ReadPoolSize int `mapstructure:"read_pool_size"`
	// FileCleanupInterval is the cron spec for draining _file_deletions.
	FileCleanupInterval string `mapstructure:"file_cleanup_interval"`
}

// AuthConfig contains token-verification settings. Token issuance is
// external; only verification happens here.
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StorageConfig selects the object-store provider for file columns.
type StorageConfig struct {
	Provider string `mapstructure:"provider"` // "local" or "s3"

	LocalPath string `mapstructure:"local_path"`

	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Region    string `mapstructure:"s3_region"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3UseSSL    bool   `mapstructure:"s3_use_ssl"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// APIConfig contains listing defaults shared by all record APIs.
type APIConfig struct {
	// DefaultPageSize applies when a list request sends no limit.
	DefaultPageSize int `mapstructure:"default_page_size"`
	// MaxPageSize caps limits regardless of per-API configuration.
	MaxPageSize int `mapstructure:"max_page_size"`
	// StrictFilters turns unknown filter columns into a 400 instead of
	// silently dropping them.
	StrictFilters bool `mapstructure:"strict_filters"`
}

// ConflictResolutionStrategy names the SQL OR-clause applied to inserts.
type ConflictResolutionStrategy string

const (
	ConflictAbort    ConflictResolutionStrategy = "abort"
	ConflictRollback ConflictResolutionStrategy = "rollback"
	ConflictFail     ConflictResolutionStrategy = "fail"
	ConflictIgnore   ConflictResolutionStrategy = "ignore"
	ConflictReplace  ConflictResolutionStrategy = "replace"
)

// SQL renders the strategy as an INSERT OR-clause, empty for the default.
func (s ConflictResolutionStrategy) SQL() string {
	switch s {
	case ConflictRollback:
		return "OR ROLLBACK"
	case ConflictFail:
		return "OR FAIL"
	case ConflictIgnore:
		return "OR IGNORE"
	case ConflictReplace:
		return "OR REPLACE"
	default:
		return ""
	}
}

// RecordApiConfig declares one record API over a table or view.
type RecordApiConfig struct {
	Name  string `mapstructure:"name"`
	Table string `mapstructure:"table"`
	// Schema qualifies Table; empty means "main".
	Schema string `mapstructure:"schema"`

	ExcludedColumns []string `mapstructure:"excluded_columns"`

	ConflictResolution ConflictResolutionStrategy `mapstructure:"conflict_resolution"`

	AutofillMissingUserIDColumns bool `mapstructure:"autofill_missing_user_id_columns"`
	EnableSubscriptions          bool `mapstructure:"enable_subscriptions"`

	// ACLWorld and ACLAuthenticated list permitted operations, e.g.
	// ["read"] or ["create", "read", "update", "delete", "schema"].
	ACLWorld         []string `mapstructure:"acl_world"`
	ACLAuthenticated []string `mapstructure:"acl_authenticated"`

	ReadAccessRule   string `mapstructure:"read_access_rule"`
	CreateAccessRule string `mapstructure:"create_access_rule"`
	UpdateAccessRule string `mapstructure:"update_access_rule"`
	DeleteAccessRule string `mapstructure:"delete_access_rule"`
	SchemaAccessRule string `mapstructure:"schema_access_rule"`

	// Expand lists FK columns clients may expand in reads and listings.
	Expand []string `mapstructure:"expand"`

	// ListingHardLimit caps list page sizes for this API; zero means
	// the global maximum applies.
	ListingHardLimit int `mapstructure:"listing_hard_limit"`
}

// NamedJSONSchemaConfig registers a schema for CHECK(jsonschema('name', ..)).
type NamedJSONSchemaConfig struct {
	Name   string `mapstructure:"name"`
	Schema string `mapstructure:"schema"`
}

// Load reads configuration from recbase.yaml (working directory or /etc/
// recbase) and RECBASE_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("recbase")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/recbase")

	v.SetEnvPrefix("RECBASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug().Msg("No config file found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4000)
	v.SetDefault("data.path", "recbase.db")
	v.SetDefault("data.read_pool_size", 8)
	v.SetDefault("data.file_cleanup_interval", "@every 1m")
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.local_path", "./data/objects")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9100")
	v.SetDefault("api.default_page_size", 50)
	v.SetDefault("api.max_page_size", 1024)
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.RecordAPIs))
	for i := range c.RecordAPIs {
		api := &c.RecordAPIs[i]
		if api.Name == "" {
			return fmt.Errorf("record api #%d: name is required", i)
		}
		if api.Table == "" {
			return fmt.Errorf("record api %q: table is required", api.Name)
		}
		if _, dup := seen[api.Name]; dup {
			return fmt.Errorf("record api %q declared twice", api.Name)
		}
		seen[api.Name] = struct{}{}

		switch api.ConflictResolution {
		case "", ConflictAbort, ConflictRollback, ConflictFail, ConflictIgnore, ConflictReplace:
		default:
			return fmt.Errorf("record api %q: unknown conflict_resolution %q", api.Name, api.ConflictResolution)
		}
	}
	if c.API.MaxPageSize <= 0 {
		return fmt.Errorf("api.max_page_size must be positive")
	}
	return nil
}
