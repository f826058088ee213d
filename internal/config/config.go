package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL         string        `mapstructure:"REDIS_URL"`
	IdentityCacheTTL time.Duration `mapstructure:"IDENTITY_CACHE_TTL"`

	JWTSecret      string        `mapstructure:"JWT_SECRET"`
	JWTIssuer      string        `mapstructure:"JWT_ISSUER"`
	AccessTokenTTL time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`

	CORSOrigins      []string `mapstructure:"CORS_ORIGINS"`
	WSAllowedOrigins []string `mapstructure:"WS_ALLOWED_ORIGINS"`
	RateLimitRPS     float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int      `mapstructure:"RATE_LIMIT_BURST"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`

	OpenAIAPIKey      string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel       string        `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL     string        `mapstructure:"OPENAI_BASE_URL"`
	GenerationTimeout time.Duration `mapstructure:"GENERATION_TIMEOUT"`

	InterviewCycleLength int `mapstructure:"INTERVIEW_CYCLE_LENGTH"`
	HistoryWindow        int `mapstructure:"HISTORY_WINDOW"`

	KafkaBrokers      []string `mapstructure:"KAFKA_BROKERS"`
	KafkaSummaryTopic string   `mapstructure:"KAFKA_SUMMARY_TOPIC"`

	SummaryWebhookURL    string `mapstructure:"SUMMARY_WEBHOOK_URL"`
	SummaryWebhookSecret string `mapstructure:"SUMMARY_WEBHOOK_SECRET"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "IDENTITY_CACHE_TTL",
	"JWT_SECRET", "JWT_ISSUER", "ACCESS_TOKEN_TTL",
	"CORS_ORIGINS", "WS_ALLOWED_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
	"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "GENERATION_TIMEOUT",
	"INTERVIEW_CYCLE_LENGTH", "HISTORY_WINDOW",
	"KAFKA_BROKERS", "KAFKA_SUMMARY_TOPIC",
	"SUMMARY_WEBHOOK_URL", "SUMMARY_WEBHOOK_SECRET",
	"MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("IDENTITY_CACHE_TTL", "30s")
	v.SetDefault("JWT_ISSUER", "telehealth")
	v.SetDefault("ACCESS_TOKEN_TTL", "30m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("GENERATION_TIMEOUT", "60s")
	v.SetDefault("INTERVIEW_CYCLE_LENGTH", 5)
	v.SetDefault("HISTORY_WINDOW", 50)
	v.SetDefault("KAFKA_SUMMARY_TOPIC", "interview.summary.generated")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.WSAllowedOrigins = splitList(v.GetString("WS_ALLOWED_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList parses comma separated env values, trimming blanks.
func splitList(raw string) []string {
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

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate refuses configurations that cannot run safely.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes in production")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.InterviewCycleLength < 1 {
		return fmt.Errorf("INTERVIEW_CYCLE_LENGTH must be positive, got %d", c.InterviewCycleLength)
	}
	if c.HistoryWindow < 1 {
		return fmt.Errorf("HISTORY_WINDOW must be positive, got %d", c.HistoryWindow)
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaSummaryTopic == "" {
		return fmt.Errorf("KAFKA_SUMMARY_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.SummaryWebhookURL != "" && c.SummaryWebhookSecret == "" {
		return fmt.Errorf("SUMMARY_WEBHOOK_SECRET is required when SUMMARY_WEBHOOK_URL is set")
	}
	return nil
}

// DevSecret is the signing key used when ENV=development and JWT_SECRET is
// unset.
const DevSecret = "telehealth-development-secret-do-not-use"

func (c *Config) SigningKey() []byte {
	if c.JWTSecret == "" && c.IsDev() {
		return []byte(DevSecret)
	}
	return []byte(c.JWTSecret)
}
