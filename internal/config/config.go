package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries all runtime configuration, loaded from the environment.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	MetricsNamespace string

	HTTPListenAddr string
	PublicBaseURL  string
	PublicBasePath string

	// DatabaseDriver selects "postgres" or "sqlite".
	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	// SessionStore selects "memory" or "redis".
	SessionStore      string
	SessionTTL        time.Duration
	SessionMaxEntries int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	MpesaEnvironment       string
	MpesaConsumerKey       string
	MpesaConsumerSecret    string
	MpesaShortCode         string
	MpesaBusinessShortCode string
	MpesaPasskey           string
	MpesaTransactionType   string
	MpesaCallbackURL       string
	MpesaTimeout           time.Duration

	PendingDeadline time.Duration
	SweepInterval   time.Duration

	WhatsAppStorePath string
	WhatsAppLogLevel  string
}

// Load reads configuration from environment variables and validates the
// values the process cannot run without.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		MetricsNamespace: getEnv("METRICS_NAMESPACE", "mpesabot"),

		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", ""),
		PublicBasePath: getEnv("PUBLIC_BASE_PATH", ""),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", "public"),
		SQLitePath:     getEnv("SQLITE_PATH", "data/mpesabot.db"),

		SessionStore:      getEnv("SESSION_STORE", "memory"),
		SessionTTL:        getEnvDuration("SESSION_TTL", 24*time.Hour),
		SessionMaxEntries: getEnvInt("SESSION_MAX_ENTRIES", 10000),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisTLS:      getEnvBool("REDIS_TLS", false),

		MpesaEnvironment:       getEnv("MPESA_ENVIRONMENT", "sandbox"),
		MpesaConsumerKey:       getEnv("MPESA_CONSUMER_KEY", ""),
		MpesaConsumerSecret:    getEnv("MPESA_CONSUMER_SECRET", ""),
		MpesaShortCode:         getEnv("MPESA_SHORTCODE", ""),
		MpesaBusinessShortCode: getEnv("MPESA_BUSINESS_SHORTCODE", ""),
		MpesaPasskey:           getEnv("MPESA_PASSKEY", ""),
		MpesaTransactionType:   getEnv("MPESA_TRANSACTION_TYPE", "CustomerBuyGoodsOnline"),
		MpesaCallbackURL:       getEnv("MPESA_CALLBACK_URL", ""),
		MpesaTimeout:           getEnvDuration("MPESA_TIMEOUT", 10*time.Second),

		PendingDeadline: getEnvDuration("PAYMENT_PENDING_DEADLINE", 2*time.Minute),
		SweepInterval:   getEnvDuration("PAYMENT_SWEEP_INTERVAL", 30*time.Second),

		WhatsAppStorePath: getEnv("WHATSAPP_STORE_PATH", "data/whatsapp.db"),
		WhatsAppLogLevel:  getEnv("WHATSAPP_LOG_LEVEL", "INFO"),
	}

	if cfg.MpesaCallbackURL == "" && cfg.PublicBaseURL != "" {
		cfg.MpesaCallbackURL = strings.TrimRight(cfg.PublicBaseURL, "/") + "/webhook/daraja"
	}

	var missing []string
	for _, required := range []struct {
		name, value string
	}{
		{"MPESA_CONSUMER_KEY", cfg.MpesaConsumerKey},
		{"MPESA_CONSUMER_SECRET", cfg.MpesaConsumerSecret},
		{"MPESA_SHORTCODE", cfg.MpesaShortCode},
		{"MPESA_PASSKEY", cfg.MpesaPasskey},
	} {
		if required.value == "" {
			missing = append(missing, required.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch cfg.DatabaseDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER=postgres")
		}
	case "sqlite":
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}

	switch cfg.SessionStore {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("unsupported SESSION_STORE %q", cfg.SessionStore)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
