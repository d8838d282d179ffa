package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey string
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string
	JWTSecret    string
	SessionTTL   time.Duration
	UndoWindow   time.Duration
	AuthRPS      int
	AuthBurst    int
}

var AppConfig Config

// LoadConfig populates AppConfig from the environment (and .env, if present).
func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg, err := FromEnv()
	if err != nil {
		log.Fatal(err)
	}
	AppConfig = cfg
}

// FromEnv reads the configuration without touching AppConfig.
func FromEnv() (Config, error) {
	cfg := Config{
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:  getEnv("DATABASE_URL", "tiletalk.db"),
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		SessionTTL:   time.Duration(getEnvAsInt("SESSION_TTL_HOURS", 24)) * time.Hour,
		UndoWindow:   time.Duration(getEnvAsInt("UNDO_WINDOW_SECONDS", 5)) * time.Second,
		AuthRPS:      getEnvAsInt("AUTH_RATE_RPS", 5),
		AuthBurst:    getEnvAsInt("AUTH_RATE_BURST", 10),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("SESSION_TTL_HOURS must be positive")
	}
	if cfg.UndoWindow < 0 {
		return Config{}, fmt.Errorf("UNDO_WINDOW_SECONDS must not be negative")
	}
	return cfg, nil
}

// Debug reports whether verbose logging is enabled.
func (c Config) Debug() bool {
	return c.LogLevel == "DEBUG"
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
