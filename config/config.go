package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server ServerConfig
	Auth   AuthConfig
	Fleet  FleetConfig
	Redis  RedisConfig
	App    AppConfig
}

type ServerConfig struct {
	Port string
}

type AuthConfig struct {
	JWTSecret  string
	AdminUsers []string
}

// FleetConfig holds paths and limits for managed bot projects.
type FleetConfig struct {
	DataDir            string
	ProjectsDir        string
	TemplatesDir       string
	WorkerBin          string
	MaxProjectsPerUser int
}

type RedisConfig struct {
	Addr string
}

type AppConfig struct {
	Environment string
	LogLevel    string
	Version     string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "3000"),
		},
		Auth: AuthConfig{
			JWTSecret:  os.Getenv("JWT_SECRET"),
			AdminUsers: splitList(os.Getenv("ADMIN_USERS")),
		},
		Fleet: FleetConfig{
			DataDir:            getEnv("DATA_DIR", "data"),
			ProjectsDir:        getEnv("PROJECTS_DIR", "projects"),
			TemplatesDir:       getEnv("TEMPLATES_DIR", "templates"),
			WorkerBin:          getEnv("WORKER_BIN", "node"),
			MaxProjectsPerUser: getEnvAsInt("MAX_PROJECTS_PER_USER", 3),
		},
		Redis: RedisConfig{
			Addr: os.Getenv("REDIS_ADDR"),
		},
		App: AppConfig{
			Environment: getEnv("APP_ENV", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			Version:     getEnv("APP_VERSION", "1.0.0"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Fleet.MaxProjectsPerUser < 1 {
		return fmt.Errorf("MAX_PROJECTS_PER_USER must be at least 1")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer for %s, using default: %d", key, defaultValue)
		return defaultValue
	}

	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
