package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	AuthMode         string        `mapstructure:"AUTH_MODE"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultClinic    string        `mapstructure:"DEFAULT_CLINIC"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL      string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience     string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey   string        `mapstructure:"AUTH_SIGNING_KEY"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	CycleCacheTTL    time.Duration `mapstructure:"CYCLE_CACHE_TTL"`
	KafkaBrokers     []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic       string        `mapstructure:"KAFKA_TOPIC"`
	CompletionPolicy string        `mapstructure:"THERAPY_COMPLETION_POLICY"`
	DoctorAssignment string        `mapstructure:"DOCTOR_ASSIGNMENT"`
	MigrationsDir    string        `mapstructure:"MIGRATIONS_DIR"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_CLINIC", "main")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("CYCLE_CACHE_TTL", "30s")
	v.SetDefault("KAFKA_TOPIC", "therapy-events")
	v.SetDefault("THERAPY_COMPLETION_POLICY", "manual")
	v.SetDefault("DOCTOR_ASSIGNMENT", "first_available")
	v.SetDefault("MIGRATIONS_DIR", "") // "" -> migrations embedded in the binary

	for _, key := range []string{
		"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"DEFAULT_CLINIC", "CORS_ORIGINS", "AUTH_ISSUER", "AUTH_JWKS_URL",
		"AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"REQUEST_TIMEOUT", "REDIS_URL", "CYCLE_CACHE_TTL", "KAFKA_BROKERS",
		"KAFKA_TOPIC", "THERAPY_COMPLETION_POLICY", "DOCTOR_ASSIGNMENT",
		"MIGRATIONS_DIR",
	} {
		_ = v.BindEnv(key)
	}

	// A missing .env file is fine; the environment still applies.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development);")
		log.Println("WARNING: every request without a bearer token is treated as admin.")
	}

	return cfg, nil
}

// splitList normalises comma separated env values that viper leaves as a
// single element.
func splitList(current []string, raw string) []string {
	if len(current) > 1 {
		return current
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode returns AUTH_MODE when set; otherwise "development" in dev
// and "external" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
	case "external":
		if c.AuthIssuer == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	switch c.CompletionPolicy {
	case "manual", "auto":
	default:
		return fmt.Errorf("THERAPY_COMPLETION_POLICY must be \"manual\" or \"auto\", got %q", c.CompletionPolicy)
	}

	switch c.DoctorAssignment {
	case "first_available", "least_loaded":
	default:
		return fmt.Errorf("DOCTOR_ASSIGNMENT must be \"first_available\" or \"least_loaded\", got %q", c.DoctorAssignment)
	}

	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	return nil
}
