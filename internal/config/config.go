package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the application configuration.
var Module = fx.Provide(Load)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	WebhookSecret   string
	ReplayWindow    time.Duration
	LockTTL         time.Duration
	ResultTTL       time.Duration
	LockMaxRetries  int
	LockBaseBackoff time.Duration
	LockMaxBackoff  time.Duration
	RetentionWindow time.Duration

	ProcessorBaseURL string
	ProcessorToken   string
	ProcessorTimeout time.Duration

	OTLPEnabled  bool
	OTLPEndpoint string
	OTLPProtocol string

	RedisAddr     string
	RedisPassword string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "recon"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		WebhookSecret:   strings.TrimSpace(getenv("WEBHOOK_SECRET", "")),
		ReplayWindow:    getenvDuration("WEBHOOK_REPLAY_WINDOW", 10*time.Minute),
		LockTTL:         getenvDuration("IDEMPOTENCY_LOCK_TTL", 30*time.Second),
		ResultTTL:       getenvDuration("IDEMPOTENCY_RESULT_TTL", 24*time.Hour),
		LockMaxRetries:  getenvInt("IDEMPOTENCY_LOCK_MAX_RETRIES", 5),
		LockBaseBackoff: getenvDuration("IDEMPOTENCY_LOCK_BASE_BACKOFF", 100*time.Millisecond),
		LockMaxBackoff:  getenvDuration("IDEMPOTENCY_LOCK_MAX_BACKOFF", 2*time.Second),
		RetentionWindow: getenvDuration("NOTIFICATION_RETENTION", 30*24*time.Hour),

		ProcessorBaseURL: getenv("PROCESSOR_BASE_URL", "https://api.mercadopago.com"),
		ProcessorToken:   strings.TrimSpace(getenv("PROCESSOR_ACCESS_TOKEN", "")),
		ProcessorTimeout: getenvDuration("PROCESSOR_TIMEOUT", 5*time.Second),

		OTLPEnabled:  getenvBool("OTLP_ENABLED", false),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol: strings.ToLower(getenv("OTLP_PROTOCOL", "grpc")),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "recon"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
	}
}

// IsProduction reports whether the service runs in a production environment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
