package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// HTTP control plane
	Port           string        `mapstructure:"PORT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	// MLLP listener
	MLLPAddr          string        `mapstructure:"MLLP_ADDR"`
	MLLPReadTimeout   time.Duration `mapstructure:"MLLP_READ_TIMEOUT"`
	MLLPWriteTimeout  time.Duration `mapstructure:"MLLP_WRITE_TIMEOUT"`
	MLLPMaxFrameBytes int           `mapstructure:"MLLP_MAX_FRAME_BYTES"`
	HandoffTimeout    time.Duration `mapstructure:"HANDOFF_TIMEOUT"`
	AckApplication    string        `mapstructure:"ACK_APPLICATION"`
	AckFacility       string        `mapstructure:"ACK_FACILITY"`

	// Persistence; empty DatabaseURL selects the in-memory store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	// Outbound webhooks registered at startup; more can be added over the API.
	WebhookURLs        []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret      string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents      []string      `mapstructure:"WEBHOOK_EVENTS"`
	WebhookMaxAttempts int           `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookTimeout     time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
}

var defaults = map[string]interface{}{
	"ENV":                  "development",
	"LOG_LEVEL":            "info",
	"PORT":                 "8000",
	"CORS_ORIGINS":         "http://localhost:3000",
	"REQUEST_TIMEOUT":      "30s",
	"RATE_LIMIT_RPS":       20,
	"RATE_LIMIT_BURST":     40,
	"MLLP_ADDR":            ":2575",
	"MLLP_READ_TIMEOUT":    "5m",
	"MLLP_WRITE_TIMEOUT":   "10s",
	"MLLP_MAX_FRAME_BYTES": 1 << 20,
	"HANDOFF_TIMEOUT":      "5s",
	"ACK_APPLICATION":      "HL7GW",
	"ACK_FACILITY":         "GATEWAY",
	"DB_MAX_CONNS":         10,
	"DB_MIN_CONNS":         2,
	"AUTH_ISSUER":          "hl7-gateway",
	"WEBHOOK_EVENTS":       "*",
	"WEBHOOK_MAX_ATTEMPTS": 3,
	"WEBHOOK_TIMEOUT":      "10s",
}

var envKeys = []string{
	"ENV", "LOG_LEVEL",
	"PORT", "CORS_ORIGINS", "REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"MLLP_ADDR", "MLLP_READ_TIMEOUT", "MLLP_WRITE_TIMEOUT", "MLLP_MAX_FRAME_BYTES",
	"HANDOFF_TIMEOUT", "ACK_APPLICATION", "ACK_FACILITY",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_EVENTS", "WEBHOOK_MAX_ATTEMPTS", "WEBHOOK_TIMEOUT",
}

// Load reads configuration from the environment, layered over configFile
// when given or ./.env otherwise. A missing default .env is not an error; a
// missing explicit file is.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	explicit := configFile != ""
	if !explicit {
		configFile = ".env"
	}
	v.SetConfigFile(configFile)
	if strings.HasSuffix(configFile, ".env") {
		v.SetConfigType("env")
	}
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil && explicit {
		return nil, fmt.Errorf("read config file %s: %w", configFile, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = listValue(v, "CORS_ORIGINS", cfg.CORSOrigins)
	cfg.WebhookURLs = listValue(v, "WEBHOOK_URLS", cfg.WebhookURLs)
	cfg.WebhookEvents = listValue(v, "WEBHOOK_EVENTS", cfg.WebhookEvents)

	return cfg, nil
}

// listValue normalises a comma-separated list, whether viper decoded it as
// one element, several untrimmed elements, or not at all.
func listValue(v *viper.Viper, key string, decoded []string) []string {
	if decoded == nil {
		return splitList(v.GetString(key))
	}
	return splitList(strings.Join(decoded, ","))
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

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasDatabase reports whether records are persisted to PostgreSQL.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// Level returns the configured zerolog level, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so the control plane is authenticated.
func (c *Config) Validate() error {
	var errs []error

	if !c.IsDev() && c.AuthSigningKey == "" {
		errs = append(errs, fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env))
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		errs = append(errs, errors.New("AUTH_SIGNING_KEY must be at least 32 characters"))
	}
	if c.MLLPAddr == "" {
		errs = append(errs, errors.New("MLLP_ADDR is required"))
	}
	if c.MLLPMaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("MLLP_MAX_FRAME_BYTES must be positive, got %d", c.MLLPMaxFrameBytes))
	}
	if c.MLLPReadTimeout < 0 || c.MLLPWriteTimeout < 0 {
		errs = append(errs, errors.New("MLLP timeouts must not be negative"))
	}
	if c.HandoffTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HANDOFF_TIMEOUT must be positive, got %s", c.HandoffTimeout))
	}
	if c.AckApplication == "" || c.AckFacility == "" {
		errs = append(errs, errors.New("ACK_APPLICATION and ACK_FACILITY are required"))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err))
	}

	if c.WebhookMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1, got %d", c.WebhookMaxAttempts))
	}
	for _, u := range c.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Errorf("WEBHOOK_URLS: %q is not an http(s) URL", u))
		}
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			errs = append(errs, errors.New("TLS_CERT_FILE is required when TLS_ENABLED is true"))
		}
		if c.TLSKeyFile == "" {
			errs = append(errs, errors.New("TLS_KEY_FILE is required when TLS_ENABLED is true"))
		}
	}

	return errors.Join(errs...)
}
