package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration, loaded from the environment (with .env as a
// fallback source) per the teacher's three-step precedence: .env -> os.Getenv -> default.
type Config struct {
	// Server
	APIHost     string
	APIPort     int
	CORSOrigins []string
	DevMode     bool

	// Database
	DatabaseURL string

	// Agent runtime defaults
	DefaultAIModel      string
	DefaultMaxTurns     int
	DefaultAgentTimeout time.Duration

	// Feature toggles
	SkipMarketCheck bool
	SkipAgentGraph  bool

	// Subprocess tool configuration (MCP stdio)
	MarketMCPCommand string
	MarketMCPArgs    []string
	MemoryMCPCommand string
	MemoryMCPArgs    []string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables, loading a .env file first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		APIHost:             getEnv("API_HOST", "0.0.0.0"),
		APIPort:             getEnvAsInt("API_PORT", 8000),
		CORSOrigins:         getEnvAsList("CORS_ORIGINS", []string{"*"}),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		DatabaseURL:         getEnv("DATABASE_URL", "./data/agents.db"),
		DefaultAIModel:      getEnv("DEFAULT_AI_MODEL", "openai/gpt-4o-mini"),
		DefaultMaxTurns:     getEnvAsInt("DEFAULT_MAX_TURNS", 20),
		DefaultAgentTimeout: time.Duration(getEnvAsInt("DEFAULT_AGENT_TIMEOUT", 300)) * time.Second,
		SkipMarketCheck:     getEnvAsBool("SKIP_MARKET_CHECK", false),
		SkipAgentGraph:      getEnvAsBool("SKIP_AGENT_GRAPH", false),
		MarketMCPCommand:    getEnv("MARKET_MCP_COMMAND", "casual-market-mcp"),
		MarketMCPArgs:       getEnvAsList("MARKET_MCP_ARGS", nil),
		MemoryMCPCommand:    getEnv("MEMORY_MCP_COMMAND", "memory-mcp"),
		MemoryMCPArgs:       getEnvAsList("MEMORY_MCP_ARGS", nil),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required configuration is present.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.APIPort <= 0 {
		return fmt.Errorf("API_PORT must be positive")
	}
	if c.DefaultAgentTimeout <= 0 {
		return fmt.Errorf("DEFAULT_AGENT_TIMEOUT must be positive")
	}
	return nil
}

// Helper functions, same idiom as the teacher's internal/config/config.go.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				out = append(out, value[start:i])
			}
			start = i + 1
		}
	}
	if out == nil {
		return defaultValue
	}
	return out
}
