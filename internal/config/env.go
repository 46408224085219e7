package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3100"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	// APIKey guards the HTTP API when set; empty disables the check.
	APIKey string `envconfig:"API_KEY"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".velo/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"velo/"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
}

type GeneratorEnv struct {
	GeminiAPIKey   string        `envconfig:"GEMINI_API_KEY"`
	GeminiModel    string        `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash"`
	GeminiEndpoint string        `envconfig:"GEMINI_ENDPOINT"`
	Timeout        time.Duration `envconfig:"GENERATOR_TIMEOUT" default:"2m"`
}

type TrackerEnv struct {
	Type      string `envconfig:"TRACKER_TYPE" default:"none"`
	BaseURL   string `envconfig:"TRACKER_BASE_URL" default:"https://api.plane.so"`
	APIKey    string `envconfig:"TRACKER_API_KEY"`
	Workspace string `envconfig:"TRACKER_WORKSPACE"`
}

type WorkflowEnv struct {
	MaxRetries    int           `envconfig:"MAX_RETRIES" default:"5"`
	MaxIterations int           `envconfig:"MAX_ITERATIONS" default:"10"`
	PollInterval  time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
}

type WorkerEnv struct {
	ProfilesPath string `envconfig:"WORKER_PROFILES" default:"workers.yaml"`
	WatchReload  bool   `envconfig:"WORKER_WATCH_RELOAD" default:"true"`
}

type Env struct {
	BaseEnv
	StorageEnv
	GeneratorEnv
	TrackerEnv
	WorkflowEnv
	WorkerEnv
}

const namespace = "VELO"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}
