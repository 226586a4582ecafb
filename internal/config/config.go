package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// パスワードハッシュ方式の識別子。
const (
	HasherArgon2id     = "argon2id"
	HasherBcrypt       = "bcrypt"
	HasherSHA256Legacy = "sha256-legacy"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	DBMaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLife  time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	MigrateOnServe bool          `env:"MIGRATE_ON_SERVE" envDefault:"true"`

	// Session
	SessionTTL       time.Duration `env:"SESSION_TTL" envDefault:"720h"`
	SessionRetention time.Duration `env:"SESSION_RETENTION" envDefault:"720h"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	// Worker
	WorkerMetricsPort string `env:"WORKER_METRICS_PORT" envDefault:"9090"`

	// Password
	PasswordHasher    string `env:"PASSWORD_HASHER" envDefault:"argon2id"`
	PasswordMinLength int    `env:"PASSWORD_MIN_LENGTH" envDefault:"6"`
	BcryptCost        int    `env:"BCRYPT_COST" envDefault:"12"`
	Argon2Time        uint32 `env:"ARGON2_TIME" envDefault:"1"`
	Argon2MemoryKiB   uint32 `env:"ARGON2_MEMORY_KIB" envDefault:"65536"`
	Argon2Threads     uint8  `env:"ARGON2_THREADS" envDefault:"4"`

	// プロバイダ経由で作成したユーザーのプレースホルダメールに使うドメイン
	ServiceDomain string `env:"SERVICE_DOMAIN" envDefault:"sparkom.app"`

	// Telegram
	TelegramBotToken   string        `env:"TELEGRAM_BOT_TOKEN"`
	TelegramAuthMaxAge time.Duration `env:"TELEGRAM_AUTH_MAX_AGE" envDefault:"24h"`

	// OAuth
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`

	// Server
	ServerPort           string        `env:"SERVER_PORT" envDefault:"8080"`
	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	ExposeInternalErrors bool          `env:"EXPOSE_INTERNAL_ERRORS" envDefault:"true"`
	CookieSecure         bool          `env:"COOKIE_SECURE" envDefault:"false"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"*"`

	// Rate Limit
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`
	RateLimitBurst     int `env:"RATE_LIMIT_BURST" envDefault:"10"`

	// Redis（設定時のみ分散レート制限を使う）
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// AMQP（設定時のみ認証イベントを発行する）
	AMQPURL   string `env:"AMQP_URL"`
	AMQPQueue string `env:"AMQP_QUEUE" envDefault:"authgate.events"`

	// Tracing
	OTelEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"authgate"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.PasswordHasher {
	case HasherArgon2id, HasherBcrypt, HasherSHA256Legacy:
	default:
		return fmt.Errorf("unsupported PASSWORD_HASHER: %q", c.PasswordHasher)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive: %s", c.SessionTTL)
	}
	if c.SessionRetention < 0 {
		return fmt.Errorf("SESSION_RETENTION must not be negative: %s", c.SessionRetention)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive: %s", c.CleanupInterval)
	}
	if c.PasswordMinLength < 1 {
		return fmt.Errorf("PASSWORD_MIN_LENGTH must be at least 1: %d", c.PasswordMinLength)
	}
	return nil
}

// GoogleEnabled はGoogleログインに必要な設定が揃っているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}
