package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port string

	TelegramToken string

	OpenAIAPIKey string
	OpenAIModel  string
	GeminiAPIKey string
	GeminiModel  string

	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	CachePrefix    string
	SessionTTL     time.Duration
	CacheMaxAge    time.Duration
	TimelineCap    int
	EventRetention time.Duration

	MaxRetries     int
	CostCeilingUSD float64
	LoserWait      time.Duration
	ShutdownGrace  time.Duration
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("missing required env %s", k)
	}
	return v
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("config: bad %s=%q, using %d", k, v, def)
	}
	return def
}

func getEnvFloat(k string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("config: bad %s=%q, using %g", k, v, def)
	}
	return def
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("config: bad %s=%q, using %s", k, v, def)
	}
	return def
}

func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "8000"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		OpenAIAPIKey: mustEnv("OPENAI_API_KEY"),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		GeminiAPIKey: mustEnv("GEMINI_API_KEY"),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		RedisDB:     getEnvInt("REDIS_DB", 0),

		CachePrefix:    getEnv("CACHE_PREFIX", "rp"),
		SessionTTL:     getEnvDuration("SESSION_TTL", 30*time.Minute),
		CacheMaxAge:    getEnvDuration("CACHE_MAX_AGE", 10*time.Minute),
		TimelineCap:    getEnvInt("TIMELINE_CAP", 200),
		EventRetention: getEnvDuration("EVENT_RETENTION", 7*24*time.Hour),

		MaxRetries:     getEnvInt("MAX_RETRIES", 2),
		CostCeilingUSD: getEnvFloat("COST_CEILING_USD", 0.25),
		LoserWait:      getEnvDuration("LOSER_WAIT", 90*time.Second),
		ShutdownGrace:  getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
	}
}
