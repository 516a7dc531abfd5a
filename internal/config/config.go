package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Model     ModelConfig
	Probe     ProbeConfig
	Telemetry TelemetryConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	MaxUploadSizeMB int64
}

// StorageConfig controls where uploads land and how long they are kept.
type StorageConfig struct {
	UploadDir      string
	Retention      time.Duration
	SweepInterval  time.Duration
	MaxImagePixels int64
}

// RedisConfig holds the optional retention index connection. An empty Addr
// selects the directory-scan index instead.
type RedisConfig struct {
	Addr         string
	Password     string
	RetentionKey string
}

// ModelConfig describes the classifier model and its runtime.
type ModelConfig struct {
	Path              string
	InputName         string
	OutputName        string
	ClassCount        int
	PneumoniaIndex    int
	Device            string
	SharedLibraryPath string
	Sessions          int
	AcquireTimeout    time.Duration
	IntraOpThreads    int
}

// ProbeConfig holds the gRPC health probe listener address. Empty disables it.
type ProbeConfig struct {
	GRPCAddr string
}

// TelemetryConfig holds OpenTelemetry exporter configuration.
type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Insecure    bool
	SampleRatio float64
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level       string
	Development bool
}

// Load reads configuration from a .env file, when present, and the process
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
			MaxUploadSizeMB: getEnvAsInt64("MAX_UPLOAD_SIZE_MB", 10),
		},
		Storage: StorageConfig{
			UploadDir:      getEnv("UPLOAD_DIR", "uploaded_images"),
			Retention:      getEnvAsDuration("UPLOAD_RETENTION", 24*time.Hour),
			SweepInterval:  getEnvAsDuration("SWEEP_INTERVAL", 10*time.Minute),
			MaxImagePixels: getEnvAsInt64("MAX_IMAGE_PIXELS", 25_000_000),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", ""),
			Password:     getEnv("REDIS_PASSWORD", ""),
			RetentionKey: getEnv("REDIS_RETENTION_KEY", "radiology:uploads"),
		},
		Model: ModelConfig{
			Path:              getEnv("MODEL_PATH", "models/densenet121.onnx"),
			InputName:         getEnv("MODEL_INPUT_NAME", "input"),
			OutputName:        getEnv("MODEL_OUTPUT_NAME", "output"),
			ClassCount:        getEnvAsInt("MODEL_CLASS_COUNT", 1000),
			PneumoniaIndex:    getEnvAsInt("PNEUMONIA_CLASS_INDEX", 1),
			Device:            strings.ToLower(getEnv("INFERENCE_DEVICE", "auto")),
			SharedLibraryPath: getEnv("ONNXRUNTIME_LIB", ""),
			Sessions:          getEnvAsInt("MODEL_SESSIONS", 2),
			AcquireTimeout:    getEnvAsDuration("MODEL_ACQUIRE_TIMEOUT", 5*time.Second),
			IntraOpThreads:    getEnvAsInt("MODEL_INTRA_OP_THREADS", 0),
		},
		Probe: ProbeConfig{
			GRPCAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:     getEnvAsBool("OTEL_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "radiology-api"),
			Insecure:    getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio: getEnvAsFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		Log: LogConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the service cannot start with.
func (c *Config) Validate() error {
	if c.Storage.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR is required")
	}
	if c.Server.MaxUploadSizeMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE_MB must be positive, got %d", c.Server.MaxUploadSizeMB)
	}
	if c.Storage.MaxImagePixels <= 0 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be positive, got %d", c.Storage.MaxImagePixels)
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("UPLOAD_RETENTION must not be negative")
	}
	if c.Storage.Retention > 0 && c.Storage.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive when UPLOAD_RETENTION is set")
	}
	if c.Model.Path == "" {
		return fmt.Errorf("MODEL_PATH is required")
	}
	if c.Model.ClassCount <= 0 {
		return fmt.Errorf("MODEL_CLASS_COUNT must be positive, got %d", c.Model.ClassCount)
	}
	if c.Model.PneumoniaIndex < 0 || c.Model.PneumoniaIndex >= c.Model.ClassCount {
		return fmt.Errorf("PNEUMONIA_CLASS_INDEX %d out of range [0,%d)", c.Model.PneumoniaIndex, c.Model.ClassCount)
	}
	switch c.Model.Device {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("INFERENCE_DEVICE must be one of auto, cpu, cuda; got %q", c.Model.Device)
	}
	if c.Model.Sessions <= 0 {
		return fmt.Errorf("MODEL_SESSIONS must be positive, got %d", c.Model.Sessions)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0,1]")
	}
	return nil
}

// MaxUploadBytes returns the upload cap in bytes.
func (c ServerConfig) MaxUploadBytes() int64 {
	return c.MaxUploadSizeMB << 20
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsInt64(key string, fallback int64) int64 {
	value, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("90s", "24h") and bare
// integers, which are read as seconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
