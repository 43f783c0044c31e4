package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Node identity
	ServerID string   // written into every QueueMessage and used by the partitioner
	NodeList []string // sorted on load; empty disables consumer partitioning
	Rooms    int      // fixed room set 1..Rooms
	Port     string

	// External queue
	QueuePrefix   string
	FIFOEnabled   bool
	QueueURLRetry time.Duration
	AWSRegion     string
	SQSEndpoint   string // optional override for local stacks

	// Consumer
	ConsumerEnabled           bool
	ConsumerThreads           int
	ConsumerMaxMessages       int
	ConsumerWaitTime          time.Duration
	ConsumerVisibilityTimeout time.Duration

	// Producer micro-batching
	ProducerBatchEnabled bool
	ProducerBatchMaxSize int
	ProducerBatchFlush   time.Duration

	// Batch writer
	BatchWriterSize           int
	BatchWriterFlush          time.Duration
	BatchWriterBufferCapacity int

	// Dead-letter queue
	DLQEnabled   bool
	DLQQueueName string

	// Write serializer
	WriterThreads             int
	SessionWriteQueueCapacity int

	// Broadcaster
	BroadcastExcludeSender bool

	// Database (optional; empty DSN disables persistence)
	DBDSN string

	// Presence (optional)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Ambient
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string
	RateLimitWsIP   string
	OTelEnabled     bool
	OTelCollector   string
}

// ValidateEnv validates all environment variables and returns a Config object.
// Returns an error listing every invalid or missing variable at once.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.ServerID = getEnvOrDefault("NODE_ID", "node-1")

	if raw := os.Getenv("NODE_LIST"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				cfg.NodeList = append(cfg.NodeList, trimmed)
			}
		}
		sort.Strings(cfg.NodeList)
	}

	cfg.Rooms = getEnvInt("ROOM_COUNT", 20, &errs)
	if cfg.Rooms < 1 {
		errs = append(errs, fmt.Sprintf("ROOM_COUNT must be at least 1 (got %d)", cfg.Rooms))
	}

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.QueuePrefix = getEnvOrDefault("QUEUE_PREFIX", "chatflow-room-")
	cfg.FIFOEnabled = getEnvBool("FIFO_ENABLED", true)
	cfg.QueueURLRetry = getEnvDurationMs("QUEUE_URL_RETRY_MS", 60_000, &errs)
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", "us-east-1")
	cfg.SQSEndpoint = os.Getenv("SQS_ENDPOINT")

	cfg.ConsumerEnabled = getEnvBool("CONSUMER_ENABLED", true)
	cfg.ConsumerThreads = getEnvInt("CONSUMER_THREADS", 40, &errs)
	cfg.ConsumerMaxMessages = getEnvInt("CONSUMER_MAX_MESSAGES", 10, &errs)
	cfg.ConsumerWaitTime = time.Duration(getEnvInt("CONSUMER_WAIT_TIME_S", 20, &errs)) * time.Second
	cfg.ConsumerVisibilityTimeout = time.Duration(getEnvInt("CONSUMER_VISIBILITY_TIMEOUT_S", 30, &errs)) * time.Second
	if cfg.ConsumerThreads < 1 {
		errs = append(errs, fmt.Sprintf("CONSUMER_THREADS must be at least 1 (got %d)", cfg.ConsumerThreads))
	}
	if cfg.ConsumerMaxMessages < 1 || cfg.ConsumerMaxMessages > 10 {
		errs = append(errs, fmt.Sprintf("CONSUMER_MAX_MESSAGES must be between 1 and 10 (got %d)", cfg.ConsumerMaxMessages))
	}

	cfg.ProducerBatchEnabled = getEnvBool("PRODUCER_BATCH_ENABLED", false)
	cfg.ProducerBatchMaxSize = getEnvInt("PRODUCER_BATCH_MAX_SIZE", 10, &errs)
	cfg.ProducerBatchFlush = getEnvDurationMs("PRODUCER_BATCH_FLUSH_MS", 100, &errs)
	if cfg.ProducerBatchMaxSize < 1 || cfg.ProducerBatchMaxSize > 10 {
		errs = append(errs, fmt.Sprintf("PRODUCER_BATCH_MAX_SIZE must be between 1 and 10 (got %d)", cfg.ProducerBatchMaxSize))
	}

	cfg.BatchWriterSize = getEnvInt("BATCH_WRITER_SIZE", 1000, &errs)
	cfg.BatchWriterFlush = getEnvDurationMs("BATCH_WRITER_FLUSH_MS", 1000, &errs)
	cfg.BatchWriterBufferCapacity = getEnvInt("BATCH_WRITER_BUFFER_CAPACITY", 10_000, &errs)
	if cfg.BatchWriterSize > cfg.BatchWriterBufferCapacity {
		errs = append(errs, fmt.Sprintf("BATCH_WRITER_SIZE (%d) cannot exceed BATCH_WRITER_BUFFER_CAPACITY (%d)",
			cfg.BatchWriterSize, cfg.BatchWriterBufferCapacity))
	}

	cfg.DLQEnabled = getEnvBool("DLQ_ENABLED", true)
	cfg.DLQQueueName = getEnvOrDefault("DLQ_QUEUE_NAME", "chatflow-db-dlq")

	cfg.WriterThreads = getEnvInt("WRITER_THREADS", 50, &errs)
	cfg.SessionWriteQueueCapacity = getEnvInt("SESSION_WRITE_QUEUE_CAPACITY", 1000, &errs)
	if cfg.WriterThreads < 1 {
		errs = append(errs, fmt.Sprintf("WRITER_THREADS must be at least 1 (got %d)", cfg.WriterThreads))
	}
	if cfg.SessionWriteQueueCapacity < 1 {
		errs = append(errs, fmt.Sprintf("SESSION_WRITE_QUEUE_CAPACITY must be at least 1 (got %d)", cfg.SessionWriteQueueCapacity))
	}

	cfg.BroadcastExcludeSender = getEnvBool("BROADCAST_EXCLUDE_SENDER", false)

	cfg.DBDSN = os.Getenv("DB_DSN")

	cfg.RedisEnabled = getEnvBool("REDIS_ENABLED", false)
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = getEnvBool("DEVELOPMENT_MODE", false)
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.OTelEnabled = getEnvBool("OTEL_ENABLED", false)
	cfg.OTelCollector = getEnvOrDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"server_id", cfg.ServerID,
		"node_list", cfg.NodeList,
		"rooms", cfg.Rooms,
		"port", cfg.Port,
		"queue_prefix", cfg.QueuePrefix,
		"fifo_enabled", cfg.FIFOEnabled,
		"consumer_threads", cfg.ConsumerThreads,
		"producer_batch_enabled", cfg.ProducerBatchEnabled,
		"batch_writer_size", cfg.BatchWriterSize,
		"batch_writer_buffer", cfg.BatchWriterBufferCapacity,
		"dlq_enabled", cfg.DLQEnabled,
		"db_configured", cfg.DBDSN != "",
		"redis_enabled", cfg.RedisEnabled,
		"go_env", cfg.GoEnv,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return value == "true"
}

func getEnvInt(key string, defaultValue int, errs *[]string) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}

func getEnvDurationMs(key string, defaultMs int, errs *[]string) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs, errs)) * time.Millisecond
}
