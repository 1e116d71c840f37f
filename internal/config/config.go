package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Notification NotificationConfig
	Realtime     RealtimeConfig
	Storage      StorageConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	MaxUploadBytes        int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	TopicPrefix string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines token verification parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// NotificationConfig controls the offline notification dispatcher.
type NotificationConfig struct {
	WebhookURL      string
	CooldownSeconds int
	LedgerTTLHours  int
	Workers         int
	QueueSize       int
}

// RealtimeConfig controls the websocket gateway.
type RealtimeConfig struct {
	Host               string
	Port               string
	AllowedOrigins     []string
	SendBufferSize     int
	SendTimeoutMillis  int
	PongWaitSeconds    int
	RetryDelaySeconds  int
	UseRedisBroker     bool
	// PresenceTTLMinutes bounds how long connection counts in Redis outlive
	// an instance that died without closing its sockets.
	PresenceTTLMinutes int
}

// StorageConfig holds object storage settings for uploaded documents.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "dealroom-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			MaxUploadBytes:        getEnvAsInt("HTTP_MAX_UPLOAD_BYTES", 20<<20),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          redisDB,
			TopicPrefix: getEnv("REDIS_TOPIC_PREFIX", "dealroom"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Notification: NotificationConfig{
			WebhookURL:      getEnv("NOTIFY_WEBHOOK_URL", ""),
			CooldownSeconds: getEnvAsInt("NOTIFY_COOLDOWN_SECONDS", 300),
			LedgerTTLHours:  getEnvAsInt("NOTIFY_LEDGER_TTL_HOURS", 24),
			Workers:         getEnvAsInt("NOTIFY_WORKERS", 4),
			QueueSize:       getEnvAsInt("NOTIFY_QUEUE_SIZE", 256),
		},
		Realtime: RealtimeConfig{
			Host:               getEnv("REALTIME_HOST", "0.0.0.0"),
			Port:               getEnv("REALTIME_PORT", "8081"),
			AllowedOrigins:     getEnvAsList("REALTIME_ALLOWED_ORIGINS", nil),
			SendBufferSize:     getEnvAsInt("REALTIME_SEND_BUFFER", 256),
			SendTimeoutMillis:  getEnvAsInt("REALTIME_SEND_TIMEOUT_MS", 2000),
			PongWaitSeconds:    getEnvAsInt("REALTIME_PONG_WAIT_SECONDS", 20),
			RetryDelaySeconds:  getEnvAsInt("REALTIME_RETRY_DELAY_SECONDS", 3),
			UseRedisBroker:     getEnvAsBool("REALTIME_USE_REDIS", true),
			PresenceTTLMinutes: getEnvAsInt("REALTIME_PRESENCE_TTL_MINUTES", 720),
		},
		Storage: StorageConfig{
			Endpoint:  getEnv("STORAGE_ENDPOINT", ""),
			AccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
			SecretKey: os.Getenv("STORAGE_SECRET_KEY"),
			Bucket:    getEnv("STORAGE_BUCKET", "dealroom-documents"),
			UseSSL:    getEnvAsBool("STORAGE_USE_SSL", false),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Addr returns the websocket bind address.
func (r RealtimeConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// RetryDelay is the fixed backoff between channel subscription attempts.
func (r RealtimeConfig) RetryDelay() time.Duration {
	if r.RetryDelaySeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(r.RetryDelaySeconds) * time.Second
}

// PresenceTTL is the expiry refreshed on every presence change.
func (r RealtimeConfig) PresenceTTL() time.Duration {
	if r.PresenceTTLMinutes <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(r.PresenceTTLMinutes) * time.Minute
}

// Cooldown is the minimum gap between two notices to the same recipient.
func (n NotificationConfig) Cooldown() time.Duration {
	if n.CooldownSeconds <= 0 {
		return 0
	}
	return time.Duration(n.CooldownSeconds) * time.Second
}

// LedgerTTL bounds how long a delivered-notification marker is kept.
func (n NotificationConfig) LedgerTTL() time.Duration {
	if n.LedgerTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(n.LedgerTTLHours) * time.Hour
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
