package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Port             string
	Environment      string
	APIKey           string
	Timezone         string
	RedisURL         string
	DatabaseURL      string
	HistoryFile      string
	HistoryDays      int
	EngineConfigPath string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Port:             getEnv("PORT", "8080"),
		Environment:      getEnv("ENVIRONMENT", "development"),
		APIKey:           getEnv("API_KEY", ""),
		Timezone:         getEnv("TIMEZONE", "Asia/Tokyo"),
		RedisURL:         getEnv("REDIS_URL", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		HistoryFile:      getEnv("HISTORY_FILE", ""),
		HistoryDays:      getEnvInt("HISTORY_DAYS", 90),
		EngineConfigPath: getEnv("ENGINE_CONFIG", ""),
	}
}

// Location TIMEZONE を解決する。解決できなければローカルタイム。
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		log.Printf("⚠️ TIMEZONE %q を読み込めません。ローカルタイムを使用します: %v", c.Timezone, err)
		return time.Local
	}
	return loc
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt 整数の環境変数。不正な値は既定値。
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		log.Printf("⚠️ %s の値が不正です（%q）。既定値 %d を使用します", key, value, defaultValue)
		return defaultValue
	}
	return n
}
