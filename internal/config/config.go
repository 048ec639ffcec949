// Package config loads taskd configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported LLM and embedding providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds all configuration values.
type Config struct {
	// Backends: "nats"/"memory" for the broker, "surrealdb"/"memory"
	// for the job store. Memory backends run everything in one process.
	BrokerBackend string
	StoreBackend  string

	// NATS connection
	NATSURL string

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Queue topology
	QueuesFile string

	// Worker
	WorkerConcurrency int
	MaxTasksPerWorker int64
	DrainTimeout      time.Duration
	StaleJobAfter     time.Duration

	// Admission control
	CPUThreshold    float64
	MemoryThreshold float64
	SampleInterval  time.Duration

	// Retry policy
	RetryInitial  time.Duration
	RetryMax      time.Duration
	RetryAttempts int

	// Task time limits
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration

	// LLM provider for the llm-call runner. Empty disables the runner.
	LLMProvider string
	LLMModel    string

	// Embedding provider for the model-evaluation runner. Empty disables
	// the runner.
	EmbedProvider  string
	EmbedModel     string
	EmbedDimension int

	// Provider credentials and endpoints
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string

	// Callback delivery
	CallbackTimeout time.Duration

	// HTTP API
	ServerPort string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		BrokerBackend: getEnv("TASKD_BROKER", "nats"),
		StoreBackend:  getEnv("TASKD_STORE", "surrealdb"),

		NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "platform"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "jobs"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		QueuesFile: getEnv("TASKD_QUEUES_FILE", ""),

		WorkerConcurrency: getEnvInt("TASKD_WORKER_CONCURRENCY", 4),
		MaxTasksPerWorker: int64(getEnvInt("TASKD_MAX_TASKS_PER_WORKER", 0)),
		DrainTimeout:      getEnvDuration("TASKD_DRAIN_TIMEOUT", 30*time.Second),
		StaleJobAfter:     getEnvDuration("TASKD_STALE_JOB_AFTER", time.Hour),

		CPUThreshold:    getEnvFloat("TASKD_CPU_THRESHOLD", 80),
		MemoryThreshold: getEnvFloat("TASKD_MEMORY_THRESHOLD", 90),
		SampleInterval:  getEnvDuration("TASKD_SAMPLE_INTERVAL", 10*time.Second),

		RetryInitial:  getEnvDuration("TASKD_RETRY_INITIAL", 5*time.Second),
		RetryMax:      getEnvDuration("TASKD_RETRY_MAX", 10*time.Second),
		RetryAttempts: getEnvInt("TASKD_RETRY_ATTEMPTS", 3),

		SoftTimeLimit: getEnvDuration("TASKD_SOFT_TIME_LIMIT", 5*time.Minute),
		HardTimeLimit: getEnvDuration("TASKD_HARD_TIME_LIMIT", 10*time.Minute),

		LLMProvider: getEnv("TASKD_LLM_PROVIDER", ""),
		LLMModel:    getEnv("TASKD_LLM_MODEL", "llama3.2"),

		EmbedProvider:  getEnv("TASKD_EMBED_PROVIDER", ""),
		EmbedModel:     getEnv("TASKD_EMBED_MODEL", "all-minilm:l6-v2"),
		EmbedDimension: getEnvInt("TASKD_EMBED_DIMENSION", 384),

		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),

		CallbackTimeout: getEnvDuration("TASKD_CALLBACK_TIMEOUT", 10*time.Second),

		ServerPort: getEnv("TASKD_SERVER_PORT", "8480"),

		LogFile:  getEnv("TASKD_LOG_FILE", "/tmp/taskd.log"),
		LogLevel: parseLogLevel(getEnv("TASKD_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
