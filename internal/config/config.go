package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer      string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey  string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	MasterKey       string   `mapstructure:"MASTER_KEY"`
	RateLimitRPS    float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int      `mapstructure:"RATE_LIMIT_BURST"`
	DeliveryWorkers int      `mapstructure:"DELIVERY_WORKERS"`
	MaxAttempts     int      `mapstructure:"MAX_DELIVERY_ATTEMPTS"`
	ProviderTimeout int      `mapstructure:"PROVIDER_TIMEOUT_SECONDS"`
	EscalationSLA   int      `mapstructure:"ESCALATION_SLA_SECONDS"`
	SMTPAddr        string   `mapstructure:"SMTP_ADDR"`
	SMSGatewayURL   string   `mapstructure:"SMS_GATEWAY_URL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("DELIVERY_WORKERS", 8)
	v.SetDefault("MAX_DELIVERY_ATTEMPTS", 5)
	v.SetDefault("PROVIDER_TIMEOUT_SECONDS", 10)
	v.SetDefault("ESCALATION_SLA_SECONDS", 300)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
		"MASTER_KEY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"DELIVERY_WORKERS", "MAX_DELIVERY_ATTEMPTS", "PROVIDER_TIMEOUT_SECONDS",
		"ESCALATION_SLA_SECONDS", "SMTP_ADDR", "SMS_GATEWAY_URL",
	} {
		v.BindEnv(key)
	}

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

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Operator endpoints accept unauthenticated requests and the")
		log.Println("WARNING: in-memory stores are used when DATABASE_URL is unset.")
		log.Println("WARNING: Set ENV=production for real deployments.")
		log.Println("WARNING: ============================================================")
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

// Validate checks that the configuration is safe to run. In production a
// database, an auth signing key, and a master wrapping key are mandatory;
// the master key must be a 64-character hex string (32 bytes decoded).
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
		}
		if c.MasterKey == "" {
			return fmt.Errorf("MASTER_KEY is required in production")
		}
	}
	if c.MasterKey != "" {
		keyBytes, err := hex.DecodeString(c.MasterKey)
		if err != nil {
			return fmt.Errorf("MASTER_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("MASTER_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_DELIVERY_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.DeliveryWorkers < 1 {
		return fmt.Errorf("DELIVERY_WORKERS must be at least 1, got %d", c.DeliveryWorkers)
	}
	return nil
}
