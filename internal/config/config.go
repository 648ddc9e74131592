// Package config loads the process-wide Config from the environment, the
// single place §9 allows ambient configuration to be read. No other package
// calls os.Getenv directly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	DatabaseURL string
	RedisAddr   string
	KafkaBrokers []string

	LLMAPIKey   string
	LLMModel    string
	LLMBaseURL  string
	LLMRPM      int
	LLMTPM      int

	MaxQueueDepth int

	PreFilterMinMessages   int
	PreFilterMinTotalChars int

	CircuitFailureThreshold int
	CircuitCooldownSeconds  int

	ShutdownGraceSeconds int

	HTTPAddr string
}

// ShutdownGrace returns ShutdownGraceSeconds as a time.Duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// CircuitCooldown returns CircuitCooldownSeconds as a time.Duration.
func (c *Config) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitCooldownSeconds) * time.Second
}

// Load reads the process configuration from the environment, following the
// defaults documented in spec.md §6.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("MAX_QUEUE_DEPTH", 1000)
	v.SetDefault("PRE_FILTER_MIN_MESSAGES", 2)
	v.SetDefault("PRE_FILTER_MIN_TOTAL_CHARS", 40)
	v.SetDefault("CIRCUIT_FAILURE_THRESHOLD", 5)
	v.SetDefault("CIRCUIT_COOLDOWN_SECONDS", 60)
	v.SetDefault("SHUTDOWN_GRACE_SECONDS", 30)
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_BASE_URL", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("LLM_RPM", 60)
	v.SetDefault("LLM_TPM", 0)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("HTTP_ADDR", ":8080")

	cfg := &Config{
		DatabaseURL:             v.GetString("DATABASE_URL"),
		RedisAddr:               v.GetString("REDIS_ADDR"),
		LLMAPIKey:               v.GetString("LLM_API_KEY"),
		LLMModel:                v.GetString("LLM_MODEL"),
		LLMBaseURL:              v.GetString("LLM_BASE_URL"),
		LLMRPM:                  v.GetInt("LLM_RPM"),
		LLMTPM:                  v.GetInt("LLM_TPM"),
		MaxQueueDepth:           v.GetInt("MAX_QUEUE_DEPTH"),
		PreFilterMinMessages:    v.GetInt("PRE_FILTER_MIN_MESSAGES"),
		PreFilterMinTotalChars:  v.GetInt("PRE_FILTER_MIN_TOTAL_CHARS"),
		CircuitFailureThreshold: v.GetInt("CIRCUIT_FAILURE_THRESHOLD"),
		CircuitCooldownSeconds:  v.GetInt("CIRCUIT_COOLDOWN_SECONDS"),
		ShutdownGraceSeconds:    v.GetInt("SHUTDOWN_GRACE_SECONDS"),
		HTTPAddr:                v.GetString("HTTP_ADDR"),
	}

	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}

	return cfg, nil
}
