// Package config defines Reservoir's process-wide configuration: a
// single immutable struct, loaded eagerly from the environment and
// threaded through every component constructor rather than discovered
// through a singleton.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the single, eagerly-loaded, immutable configuration struct
// for the whole process.
type Config struct {
	Port int

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OllamaBaseURL    string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string

	EmbeddingModel      string
	EmbeddingBaseURL    string
	EmbeddingDimensions int

	MaxTokens int

	KSim      int
	KRec      int
	SimTau    float32

	UpstreamTimeout time.Duration
	EmbeddingTimeout time.Duration
	GraphTimeout    time.Duration

	UpstreamPoolSize int
	GraphPoolSize    int
	EmbeddingPoolSize int

	BreakerFailureThreshold uint32
	BreakerSuccessThreshold uint32
	BreakerResetTimeout     time.Duration
}

// Load reads Config from the environment, applying defaults for
// everything the caller does not set.
func Load() Config {
	return Config{
		Port: envInt("RESERVOIR_PORT", 3017),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: envStr("RSV_OPENAI_BASE_URL", "https://api.openai.com/v1/chat/completions"),
		OllamaBaseURL: envStr("RSV_OLLAMA_BASE_URL", "http://localhost:11434/v1/chat/completions"),

		Neo4jURI:      envStr("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:     envStr("NEO4J_USER", "neo4j"),
		Neo4jPassword: envStr("NEO4J_PASSWORD", "password"),

		RedisAddr:     envStr("RESERVOIR_REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("RESERVOIR_REDIS_PASSWORD"),
		RedisDB:       envInt("RESERVOIR_REDIS_DB", 0),

		KafkaBrokers: envList("RESERVOIR_KAFKA_BROKERS", nil),

		EmbeddingModel:      envStr("RESERVOIR_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingBaseURL:    os.Getenv("RESERVOIR_EMBEDDING_BASE_URL"),
		EmbeddingDimensions: envInt("RESERVOIR_EMBEDDING_DIMENSIONS", 1536),

		MaxTokens: envInt("MAX_TOKENS", 8192),

		KSim:   envInt("RESERVOIR_K_SIM", 5),
		KRec:   envInt("RESERVOIR_K_REC", 5),
		SimTau: float32(envFloat("RESERVOIR_SIM_TAU", 0.85)),

		UpstreamTimeout:  envDuration("RESERVOIR_UPSTREAM_TIMEOUT", 120*time.Second),
		EmbeddingTimeout: envDuration("RESERVOIR_EMBEDDING_TIMEOUT", 15*time.Second),
		GraphTimeout:     envDuration("RESERVOIR_GRAPH_TIMEOUT", 5*time.Second),

		UpstreamPoolSize:  envInt("RESERVOIR_UPSTREAM_POOL_SIZE", 32),
		GraphPoolSize:     envInt("RESERVOIR_GRAPH_POOL_SIZE", 32),
		EmbeddingPoolSize: envInt("RESERVOIR_EMBEDDING_POOL_SIZE", 16),

		BreakerFailureThreshold: uint32(envInt("RESERVOIR_BREAKER_FAILURE_THRESHOLD", 5)),
		BreakerSuccessThreshold: uint32(envInt("RESERVOIR_BREAKER_SUCCESS_THRESHOLD", 2)),
		BreakerResetTimeout:     envDuration("RESERVOIR_BREAKER_RESET_TIMEOUT", 30*time.Second),
	}
}

// InputCeiling is the hard per-message ceiling used by input
// validation: by default a fraction of the total budget, large enough
// to leave room for injected context and the model's own reply.
func (c Config) InputCeiling() int {
	ceiling := c.MaxTokens / 2
	if ceiling < 1 {
		return 1
	}
	return ceiling
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
