package controlplane

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fitjourney/subscriptions/internal/expiry"
	"github.com/fitjourney/subscriptions/internal/registry"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the subscription service.
type Config struct {
	DataDir        string
	DBDriver       string
	DatabaseURL    string
	BindAddress    string
	Port           int
	AdminKey       string
	CronSecret     string
	PlansFile      string // optional YAML plan table; built-in plans when empty
	ExpiryInterval time.Duration
	LogLevel       string
	LogFormat      string
	PublicMetrics  bool

	LemonSqueezyWebhookSecret string
	PayhipAPIKey              string
	StripeWebhookSecret       string

	PostmarkServerToken string // optional; emails are logged when empty
	EmailFrom           string
	SignupURL           string
}

// RegistryOptions returns the storage options for this configuration.
func (c *Config) RegistryOptions() registry.Options {
	return registry.Options{Driver: c.DBDriver, DataDir: c.DataDir, DSN: c.DatabaseURL}
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("SUBS_PORT", 8080)
	if err != nil {
		return nil, err
	}
	interval, err := envOrDefaultDuration("SUBS_EXPIRY_INTERVAL", expiry.DefaultInterval)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("SUBS_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BindAddress:    envOrDefault("SUBS_BIND_ADDRESS", "0.0.0.0"),
		Port:           port,
		AdminKey:       strings.TrimSpace(os.Getenv("SUBS_ADMIN_KEY")),
		CronSecret:     strings.TrimSpace(os.Getenv("SUBS_CRON_SECRET")),
		ExpiryInterval: interval,
		PublicMetrics:  publicMetrics,

		LemonSqueezyWebhookSecret: strings.TrimSpace(os.Getenv("LEMONSQUEEZY_WEBHOOK_SECRET")),
		PayhipAPIKey:              strings.TrimSpace(os.Getenv("PAYHIP_API_KEY")),
		StripeWebhookSecret:       strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),

		PostmarkServerToken: strings.TrimSpace(os.Getenv("POSTMARK_SERVER_TOKEN")),
		EmailFrom:           envOrDefault("SUBS_EMAIL_FROM", "noreply@fitjourney.app"),
		SignupURL:           envOrDefault("SUBS_SIGNUP_URL", "https://fitjourney.app/signup"),
	}
	cfg.readStorageEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadStorageConfig loads only the settings needed to open the registry and
// log: the data directory, driver, DSN, plan file and log options. One-shot
// commands such as expire use it so they run without webhook secrets.
func LoadStorageConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{ExpiryInterval: expiry.DefaultInterval}
	cfg.readStorageEnv()
	if err := cfg.validateStorage(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) readStorageEnv() {
	c.DataDir = envOrDefault("SUBS_DATA_DIR", "/data")
	c.DBDriver = strings.ToLower(envOrDefault("SUBS_DB_DRIVER", registry.DriverSQLite))
	c.DatabaseURL = strings.TrimSpace(os.Getenv("SUBS_DATABASE_URL"))
	c.PlansFile = strings.TrimSpace(os.Getenv("SUBS_PLANS_FILE"))
	c.LogLevel = envOrDefault("SUBS_LOG_LEVEL", "info")
	c.LogFormat = envOrDefault("SUBS_LOG_FORMAT", "auto")
}

func (c *Config) validateStorage() error {
	if c.DBDriver == registry.DriverPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("missing required environment variables: SUBS_DATABASE_URL")
	}
	return c.validateDriver()
}

func (c *Config) validateDriver() error {
	if c.DBDriver != registry.DriverSQLite && c.DBDriver != registry.DriverPostgres {
		return fmt.Errorf("SUBS_DB_DRIVER must be %q or %q, got %q", registry.DriverSQLite, registry.DriverPostgres, c.DBDriver)
	}
	return nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "SUBS_ADMIN_KEY")
	}
	if c.LemonSqueezyWebhookSecret == "" && c.PayhipAPIKey == "" && c.StripeWebhookSecret == "" {
		missing = append(missing, "LEMONSQUEEZY_WEBHOOK_SECRET|PAYHIP_API_KEY|STRIPE_WEBHOOK_SECRET")
	}
	if c.DBDriver == registry.DriverPostgres && c.DatabaseURL == "" {
		missing = append(missing, "SUBS_DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if err := c.validateDriver(); err != nil {
		return err
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SUBS_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.ExpiryInterval < time.Minute {
		return fmt.Errorf("SUBS_EXPIRY_INTERVAL must be at least 1m, got %s", c.ExpiryInterval)
	}

	signupURL, err := url.Parse(c.SignupURL)
	if err != nil {
		return fmt.Errorf("SUBS_SIGNUP_URL must be a valid URL: %w", err)
	}
	if signupURL.Scheme != "http" && signupURL.Scheme != "https" {
		return fmt.Errorf("SUBS_SIGNUP_URL must use http or https scheme")
	}
	if signupURL.Host == "" {
		return fmt.Errorf("SUBS_SIGNUP_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration like 30m or 1h: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
