package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	StorageDir string `env:"STORAGE_DIR" envDefault:"./storage"`
	ModelsDir  string `env:"MODELS_DIR" envDefault:"./models"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// Pipeline tuning. MaxConcurrentJobs is only the bootstrap value; the
	// settings row takes over once the database is up.
	MaxConcurrentJobs       int           `env:"MAX_CONCURRENT_JOBS" envDefault:"3"`
	HeartbeatInterval       time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	StallThreshold          time.Duration `env:"STALL_THRESHOLD" envDefault:"120s"`
	StallScanInterval       time.Duration `env:"STALL_SCAN_INTERVAL" envDefault:"15s"`
	ProgressPersistInterval time.Duration `env:"PROGRESS_PERSIST_INTERVAL" envDefault:"1s"`
	EngineLoadTimeout       time.Duration `env:"ENGINE_LOAD_TIMEOUT" envDefault:"300s"`
	EngineCacheMax          int           `env:"ENGINE_CACHE_MAX" envDefault:"2"`
	CapabilityCacheTTL      time.Duration `env:"CAPABILITY_CACHE_TTL" envDefault:"30s"`
	PersistRetryMax         int           `env:"PERSIST_RETRY_MAX" envDefault:"5"`
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Engine binaries.
	WhisperBin  string `env:"WHISPER_BIN" envDefault:"whisper-cli"`
	PyannoteBin string `env:"PYANNOTE_BIN" envDefault:"pyannote-audio"`

	S3 S3Config
}

// S3Config enables the optional transcript archive when Bucket is set.
type S3Config struct {
	Bucket    string `env:"S3_BUCKET"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	Endpoint  string `env:"S3_ENDPOINT"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Prefix    string `env:"S3_PREFIX"`
}

// Enabled reports whether the S3 archive is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	StorageDir  string
	ModelsDir   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.StorageDir != "" {
		cfg.StorageDir = overrides.StorageDir
	}
	if overrides.ModelsDir != "" {
		cfg.ModelsDir = overrides.ModelsDir
	}

	return cfg, nil
}
