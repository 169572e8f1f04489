package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	SequencerStore = "store"
	SequencerRedis = "redis"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	SQLitePath            string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	SequencerBackend      string
	SaleCacheTTLSeconds   int
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
	LogFormat             string
	LoginRatePerMinute    int
	PhoneRegion           string
}

// Load reads configuration from the environment, after merging an optional
// .env file from the working directory. Variables already set win over .env.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("SEQUENCER_BACKEND", SequencerStore)
	v.SetDefault("SALE_CACHE_TTL_SECONDS", 300)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOGIN_RATE_PER_MINUTE", 10)
	v.SetDefault("PHONE_REGION", "ID")

	cfg := Config{
		Port:                  v.GetString("PORT"),
		AllowedOrigin:         v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:           strings.TrimSpace(v.GetString("DATABASE_URL")),
		SQLitePath:            strings.TrimSpace(v.GetString("SQLITE_PATH")),
		RedisAddr:             strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		SequencerBackend:      strings.ToLower(strings.TrimSpace(v.GetString("SEQUENCER_BACKEND"))),
		SaleCacheTTLSeconds:   positiveOr(v.GetInt("SALE_CACHE_TTL_SECONDS"), 300),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: positiveOr(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 480),
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogFormat:             v.GetString("LOG_FORMAT"),
		LoginRatePerMinute:    positiveOr(v.GetInt("LOGIN_RATE_PER_MINUTE"), 10),
		PhoneRegion:           strings.ToUpper(strings.TrimSpace(v.GetString("PHONE_REGION"))),
	}
	// Unknown backends are kept as given and rejected at startup.
	if cfg.SequencerBackend == "" {
		cfg.SequencerBackend = SequencerStore
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func positiveOr(n int, fallback int) int {
	if n < 1 {
		return fallback
	}
	return n
}
