package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port        string
	CORSOrigins string
	LogLevel    slog.Level

	// Database
	DBDriver   string // postgres or sqlite
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string

	// Auth
	JWTSecret string

	// Providers
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OllamaURL       string
	AnthropicAPIKey string
	DefaultModel    string
	TitleModel      string
	Models          []string

	// Streaming
	GenerationTimeout time.Duration
	InflightGrace     time.Duration
	TitleConcurrency  int64

	// Fan-out
	RedisAddr    string
	RedisChannel string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded .env file")
	}

	return &Config{
		Port:              getEnv("PORT", "8097"),
		CORSOrigins:       getEnv("CORS_ORIGINS", "*"),
		LogLevel:          parseLevel(getEnv("LOG_LEVEL", "info")),
		DBDriver:          strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "5432"),
		DBUser:            getEnv("DB_USER", "postgres"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBName:            getEnv("DB_NAME", "relay_db"),
		DBSSLMode:         getEnv("DB_SSLMODE", "disable"),
		SQLitePath:        getEnv("SQLITE_PATH", "relay.db"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", ""),
		OllamaURL:         getEnv("OLLAMA_URL", ""),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		DefaultModel:      getEnv("DEFAULT_MODEL", "openai/gpt-4o-mini"),
		TitleModel:        getEnv("TITLE_MODEL", ""),
		Models:            splitList(getEnv("MODELS", "")),
		GenerationTimeout: getDuration("GENERATION_TIMEOUT", 5*time.Minute),
		InflightGrace:     getDuration("INFLIGHT_GRACE", time.Minute),
		TitleConcurrency:  int64(getInt("TITLE_CONCURRENCY", 4)),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisChannel:      getEnv("REDIS_CHANNEL", "relay:events"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
