package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort string

	// Database configuration
	DatabaseURL    string
	DBMaxConns     int
	DBMinConns     int
	DBConnLifetime time.Duration
	DBConnIdleTime time.Duration

	// Redis configuration
	RedisURL string

	// Provider API credentials and endpoints
	ProviderAPIKey      string
	ProviderAPISecret   string
	ProviderAuthURL     string
	ProviderCheckoutURL string
	ProviderStatusURL   string
	ProviderCallbackURL string
	ProviderReturnURL   string

	// Security settings
	InternalSecret string
	ProviderIPs    []string

	// Request limits
	MaxRequestSize int64

	// Checkout settings
	Currency    string
	Environment string
	SessionTTL  time.Duration

	// Polling reconciliation settings
	PollInterval        time.Duration
	PollGraceWindow     time.Duration
	PollMaxAttempts     int
	PollBaseBackoff     time.Duration
	PollBackoffCeiling  time.Duration
	PollBatchSize       int
	ExpirySweepInterval time.Duration

	// Whether a late terminal result may still resolve a transaction whose
	// session already expired.
	AllowLateResolution bool

	// Operational alerting
	OpsAlertURL    string
	OpsAlertSecret string

	// Worker settings
	WorkerConcurrency int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Server
		ServerPort: getEnv("COURSEPAY_SERVER_PORT", "8080"),

		// Database
		DatabaseURL:    getEnv("COURSEPAY_DATABASE_URL", ""),
		DBMaxConns:     getEnvInt("COURSEPAY_DB_MAX_CONNS", 25),
		DBMinConns:     getEnvInt("COURSEPAY_DB_MIN_CONNS", 5),
		DBConnLifetime: getEnvDuration("COURSEPAY_DB_CONN_LIFETIME", time.Hour),
		DBConnIdleTime: getEnvDuration("COURSEPAY_DB_CONN_IDLE_TIME", 30*time.Minute),

		// Redis
		RedisURL: getEnv("COURSEPAY_REDIS_URL", ""),

		// Provider
		ProviderAPIKey:      getEnv("COURSEPAY_PROVIDER_API_KEY", ""),
		ProviderAPISecret:   getEnv("COURSEPAY_PROVIDER_API_SECRET", ""),
		ProviderAuthURL:     getEnv("COURSEPAY_PROVIDER_AUTH_URL", ""),
		ProviderCheckoutURL: getEnv("COURSEPAY_PROVIDER_CHECKOUT_URL", ""),
		ProviderStatusURL:   getEnv("COURSEPAY_PROVIDER_STATUS_URL", ""),
		ProviderCallbackURL: getEnv("COURSEPAY_PROVIDER_CALLBACK_URL", ""),
		ProviderReturnURL:   getEnv("COURSEPAY_PROVIDER_RETURN_URL", ""),

		// Security
		InternalSecret: getEnv("COURSEPAY_INTERNAL_SECRET", ""),
		MaxRequestSize: getEnvInt64("COURSEPAY_MAX_REQUEST_SIZE", 1<<20), // 1MB

		// Checkout
		Currency:    getEnv("COURSEPAY_CURRENCY", "ILS"),
		Environment: getEnv("COURSEPAY_ENVIRONMENT", "staging"),
		SessionTTL:  getEnvDuration("COURSEPAY_SESSION_TTL", 30*time.Minute),

		// Polling
		PollInterval:        getEnvDuration("COURSEPAY_POLL_INTERVAL", time.Minute),
		PollGraceWindow:     getEnvDuration("COURSEPAY_POLL_GRACE_WINDOW", 3*time.Minute),
		PollMaxAttempts:     getEnvInt("COURSEPAY_POLL_MAX_ATTEMPTS", 10),
		PollBaseBackoff:     getEnvDuration("COURSEPAY_POLL_BASE_BACKOFF", 2*time.Minute),
		PollBackoffCeiling:  getEnvDuration("COURSEPAY_POLL_BACKOFF_CEILING", 30*time.Minute),
		PollBatchSize:       getEnvInt("COURSEPAY_POLL_BATCH_SIZE", 100),
		ExpirySweepInterval: getEnvDuration("COURSEPAY_EXPIRY_SWEEP_INTERVAL", 5*time.Minute),

		AllowLateResolution: getEnvBool("COURSEPAY_ALLOW_LATE_RESOLUTION", true),

		// Alerting
		OpsAlertURL:    getEnv("COURSEPAY_OPS_ALERT_URL", ""),
		OpsAlertSecret: getEnv("COURSEPAY_OPS_ALERT_SECRET", ""),

		// Worker
		WorkerConcurrency: getEnvInt("COURSEPAY_WORKER_CONCURRENCY", 10),
	}

	// Parse IP allowlist
	ipList := getEnv("COURSEPAY_PROVIDER_IPS", "")
	if ipList != "" {
		cfg.ProviderIPs = strings.Split(ipList, ",")
		for i := range cfg.ProviderIPs {
			cfg.ProviderIPs[i] = strings.TrimSpace(cfg.ProviderIPs[i])
		}
	}

	// Validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("COURSEPAY_DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("COURSEPAY_REDIS_URL is required")
	}
	if c.InternalSecret == "" {
		return fmt.Errorf("COURSEPAY_INTERNAL_SECRET is required")
	}
	if c.ProviderAPIKey == "" {
		return fmt.Errorf("COURSEPAY_PROVIDER_API_KEY is required")
	}
	if c.ProviderAPISecret == "" {
		return fmt.Errorf("COURSEPAY_PROVIDER_API_SECRET is required")
	}
	if c.ProviderAuthURL == "" {
		return fmt.Errorf("COURSEPAY_PROVIDER_AUTH_URL is required")
	}
	if c.ProviderCheckoutURL == "" {
		return fmt.Errorf("COURSEPAY_PROVIDER_CHECKOUT_URL is required")
	}
	if c.ProviderStatusURL == "" {
		return fmt.Errorf("COURSEPAY_PROVIDER_STATUS_URL is required")
	}
	if c.ProviderCallbackURL == "" {
		return fmt.Errorf("COURSEPAY_PROVIDER_CALLBACK_URL is required (public URL for webhooks)")
	}
	if c.Environment != "production" && c.Environment != "staging" {
		return fmt.Errorf("COURSEPAY_ENVIRONMENT must be production or staging")
	}
	if c.PollMaxAttempts < 1 {
		return fmt.Errorf("COURSEPAY_POLL_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// LogSafeConfig logs configuration without secrets
func (c *Config) LogSafeConfig() {
	fmt.Printf("Configuration loaded:\n")
	fmt.Printf("  Server Port: %s\n", c.ServerPort)
	fmt.Printf("  Environment: %s\n", c.Environment)
	fmt.Printf("  Database URL: %s\n", maskConnectionString(c.DatabaseURL))
	fmt.Printf("  Redis URL: %s\n", maskConnectionString(c.RedisURL))
	fmt.Printf("  DB Pool: %d min, %d max\n", c.DBMinConns, c.DBMaxConns)
	fmt.Printf("  Worker Concurrency: %d\n", c.WorkerConcurrency)
	fmt.Printf("  Currency: %s\n", c.Currency)
	fmt.Printf("  Session TTL: %s\n", c.SessionTTL)
	fmt.Printf("  Poll: every %s, grace %s, max %d attempts, backoff %s..%s\n",
		c.PollInterval, c.PollGraceWindow, c.PollMaxAttempts, c.PollBaseBackoff, c.PollBackoffCeiling)
	fmt.Printf("  Allow Late Resolution: %v\n", c.AllowLateResolution)
	fmt.Printf("  Provider IP Allowlist: %v\n", c.ProviderIPs)
	fmt.Printf("  Max Request Size: %d bytes\n", c.MaxRequestSize)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func maskConnectionString(connStr string) string {
	if strings.Contains(connStr, "@") {
		parts := strings.Split(connStr, "@")
		if len(parts) == 2 {
			return "***@" + parts[1]
		}
	}
	return "***"
}
