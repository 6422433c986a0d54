package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Qdrant    QdrantConfig
	Gemini    GeminiConfig
	Storage   StorageConfig
	Worker    WorkerConfig
	Queue     QueueConfig
	Retry     RetryConfig
	Log       LogConfig
	Tracing   TracingConfig
	Ingestion IngestionConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type QdrantConfig struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	Collection     string
	Distance       string
	RequestTimeout time.Duration
}

type GeminiConfig struct {
	APIKey             string
	GenerationModel    string
	EmbeddingModel     string
	EmbeddingDimension int
	RequestTimeout     time.Duration
}

type StorageConfig struct {
	UploadPath  string
	MaxFileSize int64
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	StaleAfter   time.Duration
}

type QueueConfig struct {
	Backend     string
	RedisAddr   string
	RedisDB     int
	RedisPass   string
	KeyPrefix   string
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

type LogConfig struct {
	Level string
	JSON  bool
}

type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Environment string
	Endpoint    string
	Headers     string
	Insecure    bool
	SampleRatio float64
}

type IngestionConfig struct {
	ReferenceDir string
	Version      string
	ChunkSize    int
	ChunkOverlap int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found. Using default values.")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() *Config {
	env := getEnv("ENV", "development")

	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "3000"),
			Env:  env,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "cv_evaluation"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Qdrant: QdrantConfig{
			Host:           getEnv("QDRANT_HOST", "localhost"),
			Port:           getEnvAsInt("QDRANT_PORT", 6334),
			APIKey:         getEnv("QDRANT_API_KEY", ""),
			UseTLS:         getEnvAsBool("QDRANT_USE_TLS", false),
			Collection:     getEnv("QDRANT_COLLECTION", "cv_evaluator_docs"),
			Distance:       getEnv("QDRANT_DISTANCE", "cosine"),
			RequestTimeout: getEnvAsDuration("QDRANT_TIMEOUT", "10s"),
		},
		Gemini: GeminiConfig{
			APIKey:             getEnv("GEMINI_API_KEY", ""),
			GenerationModel:    getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			EmbeddingModel:     getEnv("GEMINI_EMBEDDING_MODEL", "gemini-embedding-001"),
			EmbeddingDimension: getEnvAsInt("EMBEDDING_DIMENSION", 1536),
			RequestTimeout:     getEnvAsDuration("GEMINI_TIMEOUT", "60s"),
		},
		Storage: StorageConfig{
			UploadPath:  getEnv("UPLOAD_PATH", "./uploads"),
			MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 10485760),
		},
		Worker: WorkerConfig{
			Concurrency:  getEnvAsInt("WORKER_CONCURRENCY", 1),
			PollInterval: getEnvAsDuration("WORKER_POLL_INTERVAL", "5s"),
			StaleAfter:   getEnvAsDuration("WORKER_STALE_AFTER", "10m"),
		},
		Queue: QueueConfig{
			Backend:     strings.ToLower(getEnv("QUEUE_BACKEND", "memory")),
			RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
			RedisDB:     getEnvAsInt("REDIS_DB", 0),
			RedisPass:   getEnv("REDIS_PASSWORD", ""),
			KeyPrefix:   getEnv("QUEUE_KEY_PREFIX", "cv_eval:jobs"),
			MaxAttempts: getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
			BaseBackoff: getEnvAsDuration("QUEUE_BASE_BACKOFF", "1s"),
			MaxBackoff:  getEnvAsDuration("QUEUE_MAX_BACKOFF", "1m"),
		},
		Retry: RetryConfig{
			MaxAttempts:       getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:         getEnvAsDuration("RETRY_BASE_DELAY", "1s"),
			MaxDelay:          getEnvAsDuration("RETRY_MAX_DELAY", "10s"),
			BackoffMultiplier: getEnvAsFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			JSON:  strings.EqualFold(getEnv("LOG_FORMAT", defaultLogFormat(env)), "json"),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvAsBool("OTEL_ENABLED", false),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "cv-evaluation-pipeline"),
			Environment: env,
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:     getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			Insecure:    getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			SampleRatio: getEnvAsFloat("OTEL_SAMPLER_RATIO", 1.0),
		},
		Ingestion: IngestionConfig{
			ReferenceDir: getEnv("REFERENCE_DOCS_DIR", "./documents"),
			Version:      getEnv("REFERENCE_DOCS_VERSION", "v1"),
			ChunkSize:    getEnvAsInt("CHUNK_SIZE", 512),
			ChunkOverlap: getEnvAsInt("CHUNK_OVERLAP", 64),
		},
	}
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func defaultLogFormat(env string) string {
	if env == "production" {
		return "json"
	}
	return "console"
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	if duration, err := time.ParseDuration(getEnv(key, defaultValue)); err == nil {
		return duration
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
