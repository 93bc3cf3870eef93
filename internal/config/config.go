// Package config provides configuration for posepipe.
// Defaults follow the fixed project layout; environment variables override
// them and cobra flags override both.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Default project layout
	DefaultVideoDir    = "data/raw"
	DefaultDatasetPath = "data/pose_data.csv"
	DefaultModelDir    = "models"
	DefaultOutputDir   = "output/tfjs_model"
	DefaultRegistry    = "data/runs.db"

	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultPort         = 8788
	DefaultWorkerScript = "python/pose_worker.py"
	DefaultTrainScript  = "python/train_keras.py"
	DefaultConverter    = "tensorflowjs_converter"
	DefaultFrameTimeout = 30 * time.Second

	// Environment variable names
	EnvVideoDir     = "POSEPIPE_VIDEO_DIR"
	EnvDatasetPath  = "POSEPIPE_DATASET"
	EnvModelDir     = "POSEPIPE_MODEL_DIR"
	EnvOutputDir    = "POSEPIPE_OUTPUT_DIR"
	EnvDB           = "POSEPIPE_DB"
	EnvLogLevel     = "POSEPIPE_LOG_LEVEL"
	EnvLogFormat    = "POSEPIPE_LOG_FORMAT"
	EnvPort         = "POSEPIPE_PORT"
	EnvPython       = "POSEPIPE_PYTHON"
	EnvWorkerScript = "POSEPIPE_WORKER_SCRIPT"
	EnvTrainScript  = "POSEPIPE_TRAIN_SCRIPT"
	EnvConverter    = "POSEPIPE_CONVERTER"
	EnvFrameTimeout = "POSEPIPE_FRAME_TIMEOUT"
)

// Config is the resolved configuration shared by all subcommands.
type Config struct {
	VideoDir    string
	DatasetPath string
	ModelDir    string
	OutputDir   string
	DBURL       string

	LogLevel  string
	LogFormat string
	Port      int

	PythonPath   string
	WorkerScript string
	TrainScript  string
	Converter    string
	FrameTimeout time.Duration
}

// New returns a Config with defaults and environment variable overrides.
func New() (*Config, error) {
	cfg := &Config{
		VideoDir:     envOr(EnvVideoDir, DefaultVideoDir),
		DatasetPath:  envOr(EnvDatasetPath, DefaultDatasetPath),
		ModelDir:     envOr(EnvModelDir, DefaultModelDir),
		OutputDir:    envOr(EnvOutputDir, DefaultOutputDir),
		DBURL:        registryURL(),
		LogLevel:     envOr(EnvLogLevel, DefaultLogLevel),
		LogFormat:    envOr(EnvLogFormat, DefaultLogFormat),
		Port:         DefaultPort,
		PythonPath:   os.Getenv(EnvPython),
		WorkerScript: envOr(EnvWorkerScript, DefaultWorkerScript),
		TrainScript:  envOr(EnvTrainScript, DefaultTrainScript),
		Converter:    envOr(EnvConverter, DefaultConverter),
		FrameTimeout: DefaultFrameTimeout,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.Port = port
	}

	if ft := os.Getenv(EnvFrameTimeout); ft != "" {
		d, err := time.ParseDuration(ft)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvFrameTimeout, err)
		}
		cfg.FrameTimeout = d
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ModelPath returns the path of the native model file.
func (c *Config) ModelPath() string {
	return filepath.Join(c.ModelDir, "model.json")
}

// KerasModelPath returns the path the Keras backend saves to. It is an HDF5
// file because tensorflowjs_converter --input_format=keras reads HDF5.
func (c *Config) KerasModelPath() string {
	return filepath.Join(c.ModelDir, "model.h5")
}

// LabelMapPath returns the path of the label map CSV.
func (c *Config) LabelMapPath() string {
	return filepath.Join(c.ModelDir, "label_map.csv")
}

// registryURL builds the run registry location. POSEPIPE_DB wins, then a
// Postgres URL assembled from POSTGRES_* variables, then the local SQLite file.
func registryURL() string {
	if db := os.Getenv(EnvDB); db != "" {
		return db
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return DefaultRegistry
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)
