package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the worker configuration, read from the environment.
type Config struct {
	ServiceName string
	LogLevel    string
	LogFormat   string

	// ComfyUI server
	ServerAddress     string
	ServerPort        int
	ProbeAttempts     int
	ProbeInterval     time.Duration
	HandshakeAttempts int
	HandshakeInterval time.Duration
	ExecutionTimeout  time.Duration

	// Job inputs
	WorkflowPath     string
	ExampleImagePath string
	WorkDir          string
	UploadInputImage bool

	// Model weights
	ModelsRoot    string
	ModelDownload bool

	// Artifact storage
	StorageProvider  string
	StorageLocalRoot string
	BucketEndpoint   string
	BucketName       string
	BucketRegion     string
	BucketAccessKey  string
	BucketSecretKey  string
	BucketURLExpiry  time.Duration
	GDriveClientID   string
	GDriveSecret     string
	GDriveRefresh    string
	GDriveFolderID   string

	// Job transport
	WorkerMode        string
	HTTPAddr          string
	RedisURL          string
	QueueName         string
	WorkerConcurrency int
	ResultTTL         time.Duration
}

// Load reads the configuration from the environment, applying defaults where a
// variable is unset.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "i2v-worker"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),

		ServerAddress:     getEnv("SERVER_ADDRESS", "127.0.0.1"),
		ServerPort:        getEnvInt("SERVER_PORT", 8188),
		ProbeAttempts:     getEnvInt("HTTP_PROBE_ATTEMPTS", 180),
		ProbeInterval:     getEnvDuration("HTTP_PROBE_INTERVAL", time.Second),
		HandshakeAttempts: getEnvInt("WS_HANDSHAKE_ATTEMPTS", 60),
		HandshakeInterval: getEnvDuration("WS_HANDSHAKE_INTERVAL", 5*time.Second),
		ExecutionTimeout:  getEnvDuration("EXECUTION_TIMEOUT", 30*time.Minute),

		WorkflowPath:     getEnv("WORKFLOW_PATH", "/new-workflow.json"),
		ExampleImagePath: getEnv("EXAMPLE_IMAGE_PATH", "example_image.png"),
		WorkDir:          getEnv("WORK_DIR", os.TempDir()),
		UploadInputImage: getEnvBool("UPLOAD_INPUT_IMAGE", false),

		ModelsRoot:    getEnv("MODELS_ROOT", "/ComfyUI/models"),
		ModelDownload: getEnvBool("MODEL_DOWNLOAD", true),

		StorageProvider:  strings.ToLower(getEnv("STORAGE_PROVIDER", "auto")),
		StorageLocalRoot: getEnv("STORAGE_LOCAL_ROOT", "simulated_uploaded"),
		BucketEndpoint:   os.Getenv("BUCKET_ENDPOINT_URL"),
		BucketName:       os.Getenv("BUCKET_NAME"),
		BucketRegion:     getEnv("BUCKET_REGION", "us-east-1"),
		BucketAccessKey:  os.Getenv("BUCKET_ACCESS_KEY_ID"),
		BucketSecretKey:  os.Getenv("BUCKET_SECRET_ACCESS_KEY"),
		BucketURLExpiry:  getEnvDuration("BUCKET_URL_EXPIRY", 7*24*time.Hour),
		GDriveClientID:   os.Getenv("GDRIVE_CLIENT_ID"),
		GDriveSecret:     os.Getenv("GDRIVE_CLIENT_SECRET"),
		GDriveRefresh:    os.Getenv("GDRIVE_REFRESH_TOKEN"),
		GDriveFolderID:   os.Getenv("GDRIVE_FOLDER_ID"),

		WorkerMode:        strings.ToLower(getEnv("WORKER_MODE", "http")),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8000"),
		RedisURL:          getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueName:         getEnv("QUEUE_NAME", "i2v:jobs"),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 1),
		ResultTTL:         getEnvDuration("RESULT_TTL", 24*time.Hour),
	}

	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		return nil, fmt.Errorf("SERVER_PORT out of range: %d", cfg.ServerPort)
	}
	if cfg.ProbeAttempts < 1 {
		return nil, fmt.Errorf("HTTP_PROBE_ATTEMPTS must be at least 1")
	}
	if cfg.HandshakeAttempts < 1 {
		return nil, fmt.Errorf("WS_HANDSHAKE_ATTEMPTS must be at least 1")
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}

	switch cfg.StorageProvider {
	case "auto", "localfs", "s3", "gdrive":
	default:
		return nil, fmt.Errorf("unknown STORAGE_PROVIDER: %s", cfg.StorageProvider)
	}

	switch cfg.WorkerMode {
	case "http", "asynq", "list", "once":
	default:
		return nil, fmt.Errorf("unknown WORKER_MODE: %s", cfg.WorkerMode)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvBool accepts anything strconv.ParseBool does; invalid values fall back.
func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s", "5m") or a bare number of
// seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
