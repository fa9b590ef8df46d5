// Package configs provides application configuration loaded from environment
// variables. All configuration is externalized for 12-factor app compliance.
package configs

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// ServerPort is the HTTP listen port.
	ServerPort string

	// LogLevel is the logrus level name (debug, info, warn, error).
	LogLevel string

	Kafka     KafkaConfig
	Consumer  ConsumerConfig
	Publisher PublisherConfig
	Pipeline  PipelineConfig
}

// KafkaConfig holds broker and topic settings. The retry and dead-letter
// topics derive from the inbound topic by suffix convention.
type KafkaConfig struct {
	Broker        string
	InboundTopic  string
	OutboundTopic string
	GroupID       string
}

// RetryTopic returns the inbound requeue topic name.
func (k KafkaConfig) RetryTopic() string { return k.InboundTopic + ".retry" }

// InboundDLT returns the inbound dead-letter topic name.
func (k KafkaConfig) InboundDLT() string { return k.InboundTopic + ".DLT" }

// OutboundDLT returns the outbound dead-letter topic name.
func (k KafkaConfig) OutboundDLT() string { return k.OutboundTopic + ".DLT" }

// ConsumerConfig holds inbound consumption settings.
type ConsumerConfig struct {
	// WorkerCount is the size of the processing worker pool.
	WorkerCount int

	// MaxAttempts bounds processing attempts per message before the
	// dead-letter topic takes it.
	MaxAttempts int

	// RetryBaseDelay is the backoff before the first requeue; it grows by
	// RetryMultiplier per attempt.
	RetryBaseDelay  time.Duration
	RetryMultiplier float64
}

// PublisherConfig holds outbound publish settings. The retry parameters are
// tunables, not contract.
type PublisherConfig struct {
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMultiplier  float64

	// BreakerMaxFailures is the consecutive write failure count that opens
	// the outbound circuit breaker; BreakerResetTimeout is the wait before
	// it probes the broker again.
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// PublishRate throttles outbound messages per second; 0 = unlimited.
	PublishRate float64
}

// PipelineConfig holds orchestrator settings.
type PipelineConfig struct {
	// UploadWindow is the maximum number of in-flight trades during
	// file-upload fan-out.
	UploadWindow int64
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() *AppConfig {
	_ = godotenv.Load() // Ignore error - .env is optional

	return &AppConfig{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		Kafka: KafkaConfig{
			Broker:        getEnv("KAFKA_BROKER", "localhost:9092"),
			InboundTopic:  getEnv("KAFKA_INBOUND_TOPIC", "trade-instructions"),
			OutboundTopic: getEnv("KAFKA_OUTBOUND_TOPIC", "platform-trades"),
			GroupID:       getEnv("KAFKA_GROUP_ID", "instructions-capture"),
		},
		Consumer: ConsumerConfig{
			WorkerCount:     getEnvInt("CONSUMER_WORKER_COUNT", 4),
			MaxAttempts:     getEnvInt("CONSUMER_RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:  getEnvDuration("CONSUMER_RETRY_BASE_DELAY", time.Second),
			RetryMultiplier: getEnvFloat("CONSUMER_RETRY_MULTIPLIER", 2.0),
		},
		Publisher: PublisherConfig{
			RetryMaxAttempts:    getEnvInt("PUBLISH_RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:      getEnvDuration("PUBLISH_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:       getEnvDuration("PUBLISH_RETRY_MAX_DELAY", 30*time.Second),
			RetryMultiplier:     getEnvFloat("PUBLISH_RETRY_MULTIPLIER", 2.0),
			BreakerMaxFailures:  getEnvInt("PUBLISH_BREAKER_MAX_FAILURES", 5),
			BreakerResetTimeout: getEnvDuration("PUBLISH_BREAKER_RESET_TIMEOUT", 30*time.Second),
			PublishRate:         getEnvFloat("PUBLISH_RATE_PER_SECOND", 0),
		},
		Pipeline: PipelineConfig{
			UploadWindow: int64(getEnvInt("UPLOAD_WINDOW", 8)),
		},
	}
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvFloat returns the environment variable as float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration returns the environment variable as a duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
