package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Location of the patient-encounter tables, and the schema cohort
	// tables are materialized into.
	WarehouseCatalog string `mapstructure:"WAREHOUSE_CATALOG"`
	WarehouseSchema  string `mapstructure:"WAREHOUSE_SCHEMA"`
	CohortSchema     string `mapstructure:"COHORT_SCHEMA"`

	// External collaborator endpoints.
	ResolverURL  string `mapstructure:"RESOLVER_URL"`
	GeneratorURL string `mapstructure:"GENERATOR_URL"`
	IntentURL    string `mapstructure:"INTENT_URL"`

	// Pipeline tunables. Deliberately configuration, not constants baked
	// into the orchestration logic.
	ResolverMaxResults  int           `mapstructure:"RESOLVER_MAX_RESULTS"`
	SearchConcurrency   int           `mapstructure:"SEARCH_CONCURRENCY"`
	DimensionWorkers    int           `mapstructure:"DIMENSION_WORKERS"`
	SchemaCacheTTL      time.Duration `mapstructure:"SCHEMA_CACHE_TTL"`
	DiscoveryTimeout    time.Duration `mapstructure:"DISCOVERY_TIMEOUT"`
	ExternalCallTimeout time.Duration `mapstructure:"EXTERNAL_CALL_TIMEOUT"`

	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("WAREHOUSE_CATALOG", "clinical")
	v.SetDefault("WAREHOUSE_SCHEMA", "patient_data")
	v.SetDefault("COHORT_SCHEMA", "cohorts")
	v.SetDefault("RESOLVER_MAX_RESULTS", 10)
	v.SetDefault("SEARCH_CONCURRENCY", 4)
	v.SetDefault("DIMENSION_WORKERS", 4)
	v.SetDefault("SCHEMA_CACHE_TTL", "10m")
	v.SetDefault("DISCOVERY_TIMEOUT", "30s")
	v.SetDefault("EXTERNAL_CALL_TIMEOUT", "60s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("WAREHOUSE_CATALOG")
	v.BindEnv("WAREHOUSE_SCHEMA")
	v.BindEnv("COHORT_SCHEMA")
	v.BindEnv("RESOLVER_URL")
	v.BindEnv("GENERATOR_URL")
	v.BindEnv("INTENT_URL")
	v.BindEnv("RESOLVER_MAX_RESULTS")
	v.BindEnv("SEARCH_CONCURRENCY")
	v.BindEnv("DIMENSION_WORKERS")
	v.BindEnv("SCHEMA_CACHE_TTL")
	v.BindEnv("DISCOVERY_TIMEOUT")
	v.BindEnv("EXTERNAL_CALL_TIMEOUT")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// The intent extractor usually sits behind the same gateway as the
	// SQL generator; fall back rather than forcing a third endpoint.
	if cfg.IntentURL == "" {
		cfg.IntentURL = cfg.GeneratorURL
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests are not authenticated. Do NOT use in production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. External
// collaborator endpoints and the auth key are required outside
// development, and the concurrency tunables must be usable as-is by the
// worker pools.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.ResolverURL == "" {
			return fmt.Errorf("RESOLVER_URL is required when ENV is not development")
		}
		if c.GeneratorURL == "" {
			return fmt.Errorf("GENERATOR_URL is required when ENV is not development")
		}
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV is not development")
		}
	}
	if c.DimensionWorkers < 1 {
		return fmt.Errorf("DIMENSION_WORKERS must be >= 1, got %d", c.DimensionWorkers)
	}
	if c.SearchConcurrency < 1 {
		return fmt.Errorf("SEARCH_CONCURRENCY must be >= 1, got %d", c.SearchConcurrency)
	}
	if c.ResolverMaxResults < 1 {
		return fmt.Errorf("RESOLVER_MAX_RESULTS must be >= 1, got %d", c.ResolverMaxResults)
	}
	if c.SchemaCacheTTL <= 0 {
		return fmt.Errorf("SCHEMA_CACHE_TTL must be positive, got %s", c.SchemaCacheTTL)
	}
	return nil
}
