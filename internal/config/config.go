package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the full process configuration, loaded from the
// environment (optionally seeded from a .env file).
type Config struct {
	ListenAddr  string
	DBPath      string
	SwaggerFile string
	LogLevel    string

	Upstream UpstreamConfig
	Proxy    ProxyConfig
}

// UpstreamConfig describes the canonical API we proxy to.
type UpstreamConfig struct {
	BaseURL   string // e.g. https://api.hubstaff.com/v1
	AppToken  string
	AuthToken string
	Username  string
	Password  string
}

// ProxyConfig tunes the permutation pipeline and admission control.
type ProxyConfig struct {
	MaxFailedBeforeBlock int
	SupportEmail         string
	APIKey               string
	PermuteMethods       bool
	PermuteFormats       bool
	MixerCacheSize       int
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return v, nil
}

func Load() (*Config, error) {
	// A .env file is a convenience for local runs; absence is fine.
	_ = godotenv.Load()

	upstreamBase := os.Getenv("UPSTREAM_BASE_URL")
	if upstreamBase == "" {
		return nil, errors.New("UPSTREAM_BASE_URL environment variable is required but not set")
	}
	appToken := os.Getenv("APP_TOKEN")
	if appToken == "" {
		return nil, errors.New("APP_TOKEN environment variable is required but not set")
	}
	authToken := os.Getenv("AUTH_TOKEN")
	if authToken == "" {
		return nil, errors.New("AUTH_TOKEN environment variable is required but not set")
	}
	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		return nil, errors.New("API_KEY environment variable is required but not set")
	}

	maxFailed, err := getEnvInt("MAX_FAILED_BEFORE_BLOCK", 3)
	if err != nil {
		return nil, err
	}
	cacheSize, err := getEnvInt("MIXER_CACHE_SIZE", 32)
	if err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		return nil, errors.New("MIXER_CACHE_SIZE must be positive")
	}

	return &Config{
		ListenAddr:  getEnvOrDefault("LISTEN_ADDR", ":8080"),
		DBPath:      getEnvOrDefault("DB_PATH", "apimutator.db"),
		SwaggerFile: getEnvOrDefault("SWAGGER_FILE", "data/hubstaff.v1.swagger.json"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
		Upstream: UpstreamConfig{
			BaseURL:   upstreamBase,
			AppToken:  appToken,
			AuthToken: authToken,
			Username:  os.Getenv("UPSTREAM_USERNAME"),
			Password:  os.Getenv("UPSTREAM_PASSWORD"),
		},
		Proxy: ProxyConfig{
			MaxFailedBeforeBlock: maxFailed,
			SupportEmail:         getEnvOrDefault("SUPPORT_EMAIL", "support@localhost"),
			APIKey:               apiKey,
			PermuteMethods:       getEnvBool("PERMUTE_METHODS"),
			PermuteFormats:       getEnvBool("PERMUTE_FORMATS"),
			MixerCacheSize:       cacheSize,
		},
	}, nil
}
