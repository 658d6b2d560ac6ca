package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Upstream chat backend
	BackendURL string

	// Redis (refresh fan-out + shared guest counter)
	RedisURL string

	// JWT (session token verification; optional, requests without a
	// verifiable token proceed as guests)
	JWTSecret string

	// Guest limits
	GuestMessageLimit int

	// Terminal client
	StateDir     string
	DefaultModel string

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:              getEnvOrDefault("PORT", "8080"),
		Env:               getEnvOrDefault("ENV", "development"),
		BackendURL:        mustGetEnv("BACKEND_URL"),
		RedisURL:          mustGetEnv("REDIS_URL"),
		JWTSecret:         getEnvOrDefault("JWT_SECRET", ""),
		GuestMessageLimit: getEnvAsIntOrDefault("GUEST_MESSAGE_LIMIT", 3),
		StateDir:          getEnvOrDefault("STATE_DIR", defaultStateDir()),
		DefaultModel:      getEnvOrDefault("DEFAULT_MODEL", "openrouter/auto"),
		FrontendURL:       getEnvOrDefault("FRONTEND_URL", "http://localhost:3000"),
	}

	return cfg
}

// LoadClient is the terminal client's variant of Load: the gateway address
// replaces BACKEND_URL as the only meaningful setting and Redis is optional.
func LoadClient() *Config {
	godotenv.Load()

	return &Config{
		BackendURL:        getEnvOrDefault("GATEWAY_URL", "http://localhost:8080"),
		RedisURL:          getEnvOrDefault("REDIS_URL", ""),
		GuestMessageLimit: getEnvAsIntOrDefault("GUEST_MESSAGE_LIMIT", 3),
		StateDir:          getEnvOrDefault("STATE_DIR", defaultStateDir()),
		DefaultModel:      getEnvOrDefault("DEFAULT_MODEL", "openrouter/auto"),
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrelay"
	}
	return filepath.Join(home, ".local", "state", "chatrelay")
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
