package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSupabase = "supabase"
	StorePostgres = "postgres"
)

// Change brokers.
const (
	BrokerMemory = "memory"
	BrokerNATS   = "nats"
)

// Config holds all application configuration.
// Values come from defaults, then an optional YAML file, then environment
// variables.
type Config struct {
	// Server
	Port         int           `yaml:"port"`
	LogLevel     string        `yaml:"log_level"`
	SSEHeartbeat time.Duration `yaml:"sse_heartbeat"`

	// Document store
	StoreBackend string `yaml:"store_backend"`
	DatabaseURL  string `yaml:"database_url"`

	// Supabase
	SupabaseURL        string `yaml:"supabase_url"`
	SupabaseAnonKey    string `yaml:"supabase_anon_key"`
	SupabaseServiceKey string `yaml:"supabase_service_role_key"`

	// Change feed
	Broker            string `yaml:"broker"`
	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	// Idempotency
	RedisAddr      string        `yaml:"redis_addr"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	// Auth
	JWTSecret               string `yaml:"jwt_secret"`
	JWTIssuer               string `yaml:"jwt_issuer"`
	UnresolvedProfilePolicy string `yaml:"unresolved_profile_policy"`

	// HTTP client
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Resilience
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxConcurrency int           `yaml:"max_concurrency"`

	// Observability
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:         8080,
		LogLevel:     "info",
		SSEHeartbeat: 25 * time.Second,

		StoreBackend: StoreMemory,

		Broker:            BrokerMemory,
		NATSSubjectPrefix: "crm.docs",

		IdempotencyTTL: 24 * time.Hour,

		JWTSecret:               "crm-default-dev-secret-change-me",
		UnresolvedProfilePolicy: string(domain.MissPolicyDeny),

		HTTPTimeout: 10 * time.Second,

		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxConcurrency: 8,

		OTLPEndpoint: "",
	}
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	cfg := Defaults()
	cfg.applyEnv()
	return cfg
}

// LoadWithFile reads defaults, then the YAML file at path (when path is not
// empty), then environment variables, and validates the result.
func LoadWithFile(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFile overlays the keys present in a YAML file.
func (c *Config) ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the values that select backends.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case StoreMemory:
	case StoreSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			errs = append(errs, errors.New("supabase store needs SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres store needs DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.Broker {
	case BrokerMemory:
	case BrokerNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("nats broker needs NATS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BROKER %q", c.Broker))
	}
	if _, err := domain.ParseMissPolicy(c.UnresolvedProfilePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Port <= 0 {
		errs = append(errs, fmt.Errorf("invalid PORT %d", c.Port))
	}
	return errors.Join(errs...)
}

// MissPolicy returns the parsed resolution-miss policy, deny when invalid.
func (c *Config) MissPolicy() domain.MissPolicy {
	p, err := domain.ParseMissPolicy(c.UnresolvedProfilePolicy)
	if err != nil {
		return domain.MissPolicyDeny
	}
	return p
}

func (c *Config) applyEnv() {
	c.Port = getEnvInt("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.SSEHeartbeat = getEnvDuration("SSE_HEARTBEAT", c.SSEHeartbeat)

	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)

	c.SupabaseURL = getEnv("SUPABASE_URL", c.SupabaseURL)
	c.SupabaseAnonKey = getEnv("SUPABASE_ANON_KEY", c.SupabaseAnonKey)
	c.SupabaseServiceKey = getEnv("SUPABASE_SERVICE_ROLE_KEY", c.SupabaseServiceKey)

	c.Broker = getEnv("BROKER", c.Broker)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATSSubjectPrefix)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.IdempotencyTTL = getEnvDuration("IDEMPOTENCY_TTL", c.IdempotencyTTL)

	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = getEnv("JWT_ISSUER", c.JWTIssuer)
	c.UnresolvedProfilePolicy = getEnv("UNRESOLVED_PROFILE_POLICY", c.UnresolvedProfilePolicy)

	c.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", c.HTTPTimeout)

	c.MaxRetries = getEnvInt("MAX_RETRIES", c.MaxRetries)
	c.InitialBackoff = getEnvDuration("INITIAL_BACKOFF", c.InitialBackoff)
	c.MaxConcurrency = getEnvInt("MAX_CONCURRENCY", c.MaxConcurrency)

	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
