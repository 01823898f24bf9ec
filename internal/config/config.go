package config

import (
	"os"

	"github.com/joho/godotenv"
)

type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

type Config struct {
	ServerPort     string
	DatabaseURL    string
	RedisURL       string
	AdminJWTSecret string
	AdminSecret    string
	Providers      map[string]ProviderConfig
}

func Load() (*Config, error) {
	godotenv.Load()

	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379"),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", "secret"),
		AdminSecret:    getEnv("ADMIN_SECRET", ""),
		Providers: map[string]ProviderConfig{
			"anthropic": {
				BaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				APIKey:  getEnv("ANTHROPIC_API_KEY", ""),
			},
			"openai": {
				BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
				APIKey:  getEnv("OPENAI_API_KEY", ""),
			},
			"google": {
				BaseURL: getEnv("GOOGLE_BASE_URL", "https://generativelanguage.googleapis.com"),
				APIKey:  getEnv("GOOGLE_API_KEY", ""),
			},
		},
	}, nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}
