package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/careguard/internal/domain/scheduling"
	"github.com/ehr/careguard/internal/platform/auth"
	"github.com/ehr/careguard/internal/platform/session"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	JWTSigningKey string        `mapstructure:"JWT_SIGNING_KEY"`
	AuthIssuer    string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL   string        `mapstructure:"AUTH_JWKS_URL"`
	TokenTTL      time.Duration `mapstructure:"TOKEN_TTL"`

	SessionTimeoutClinical time.Duration `mapstructure:"SESSION_TIMEOUT_CLINICAL"`
	SessionTimeoutPatient  time.Duration `mapstructure:"SESSION_TIMEOUT_PATIENT"`
	RefreshThreshold       time.Duration `mapstructure:"SESSION_REFRESH_THRESHOLD"`
	MaxRefreshAttempts     int           `mapstructure:"SESSION_MAX_REFRESH_ATTEMPTS"`

	RateLimitWindow  time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	RateLimitCeiling int           `mapstructure:"RATE_LIMIT_CEILING"`
	LoginBurst       int           `mapstructure:"LOGIN_BURST"`
	LoginInterval    time.Duration `mapstructure:"LOGIN_INTERVAL"`

	SuggestionCount       int    `mapstructure:"SUGGESTION_COUNT"`
	SuggestionStepMinutes int    `mapstructure:"SUGGESTION_STEP_MINUTES"`
	CalendarFile          string `mapstructure:"CALENDAR_FILE"`

	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var defaults = map[string]any{
	"PORT":                         "8000",
	"ENV":                          "development",
	"LOG_LEVEL":                    "info",
	"DB_MAX_CONNS":                 20,
	"DB_MIN_CONNS":                 2,
	"CORS_ORIGINS":                 "http://localhost:3000",
	"TOKEN_TTL":                    "12h",
	"SESSION_TIMEOUT_CLINICAL":     "30m",
	"SESSION_TIMEOUT_PATIENT":      "168h",
	"SESSION_REFRESH_THRESHOLD":    "5m",
	"SESSION_MAX_REFRESH_ATTEMPTS": 12,
	"RATE_LIMIT_WINDOW":            "1m",
	"RATE_LIMIT_CEILING":           120,
	"LOGIN_BURST":                  5,
	"LOGIN_INTERVAL":               "12s",
	"SUGGESTION_COUNT":             3,
	"SUGGESTION_STEP_MINUTES":      15,
	"BODY_LIMIT":                   "1M",
	"REQUEST_TIMEOUT":              "30s",
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"CORS_ORIGINS", "JWT_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "TOKEN_TTL",
	"SESSION_TIMEOUT_CLINICAL", "SESSION_TIMEOUT_PATIENT", "SESSION_REFRESH_THRESHOLD",
	"SESSION_MAX_REFRESH_ATTEMPTS", "RATE_LIMIT_WINDOW", "RATE_LIMIT_CEILING", "LOGIN_BURST",
	"LOGIN_INTERVAL", "SUGGESTION_COUNT", "SUGGESTION_STEP_MINUTES", "CALENDAR_FILE",
	"BODY_LIMIT", "REQUEST_TIMEOUT",
}

// Load reads the environment and an optional .env file. It does not
// validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate refuses configurations that would run without verifiable
// credentials or with nonsensical limits.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	if c.DatabaseURL == "" && !c.IsDev() {
		return fmt.Errorf("DATABASE_URL is required outside development")
	}
	if c.JWTSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("one of JWT_SIGNING_KEY or AUTH_JWKS_URL is required")
	}
	if c.JWTSigningKey != "" && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes")
	}
	if c.IsProduction() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER is required in production")
	}
	if c.RateLimitWindow <= 0 || c.RateLimitCeiling <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW and RATE_LIMIT_CEILING must be positive")
	}
	if c.LoginBurst <= 0 || c.LoginInterval <= 0 {
		return fmt.Errorf("LOGIN_BURST and LOGIN_INTERVAL must be positive")
	}
	if c.SuggestionCount < 0 || c.SuggestionStepMinutes <= 0 {
		return fmt.Errorf("SUGGESTION_COUNT must be >= 0 and SUGGESTION_STEP_MINUTES positive")
	}
	if err := c.SessionPolicy().Validate(); err != nil {
		return err
	}
	return nil
}

// SessionPolicy maps the configured budgets onto roles. Staff roles share
// the clinical budget.
func (c *Config) SessionPolicy() session.Policy {
	return session.Policy{
		Budgets: map[auth.Role]time.Duration{
			auth.RoleAdmin:        c.SessionTimeoutClinical,
			auth.RolePractitioner: c.SessionTimeoutClinical,
			auth.RoleTrainee:      c.SessionTimeoutClinical,
			auth.RolePatient:      c.SessionTimeoutPatient,
		},
		RefreshThreshold:   c.RefreshThreshold,
		MaxRefreshAttempts: c.MaxRefreshAttempts,
	}
}

func (c *Config) ResolverOptions() scheduling.Options {
	return scheduling.Options{MaxSuggestions: c.SuggestionCount, StepMinutes: c.SuggestionStepMinutes}
}

func (c *Config) JWT() auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     c.AuthIssuer,
		Audience:   c.AuthAudience,
		JWKSURL:    c.AuthJWKSURL,
		SigningKey: []byte(c.JWTSigningKey),
	}
}
