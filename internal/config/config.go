// Package config loads service configuration from an optional YAML file and the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreBadger    = "badger"
	StoreSurrealDB = "surrealdb"
)

// Config holds all configuration values.
type Config struct {
	// Document store
	Store      string          `yaml:"store"`
	BadgerPath string          `yaml:"badger_path"`
	SurrealDB  SurrealDBConfig `yaml:"surrealdb"`

	// Snapshots are cloned under DataDir/repos/<job_id>
	DataDir       string        `yaml:"data_dir"`
	CloneTimeout  time.Duration `yaml:"clone_timeout"`
	KeepSnapshots bool          `yaml:"keep_snapshots"`
	AllowedHosts  []string      `yaml:"allowed_hosts"`

	// Discovery and chunking
	MaxFileSize   int64 `yaml:"max_file_size"`
	ChunkMaxChars int   `yaml:"chunk_max_chars"`

	// Upload
	BatchEndpoint      string        `yaml:"batch_endpoint"`
	BatchSize          int           `yaml:"batch_size"`
	UploadConcurrency  int           `yaml:"upload_concurrency"`
	UploadAttempts     int           `yaml:"upload_attempts"`
	UploadBaseDelay    time.Duration `yaml:"upload_base_delay"`
	UploadTimeout      time.Duration `yaml:"upload_timeout"`
	MaxInFlightUploads int           `yaml:"max_inflight_uploads"`

	// Service
	Addr    string `yaml:"addr"`
	MaxJobs int    `yaml:"max_jobs"`

	// Logging
	LogFile      string     `yaml:"log_file"`
	LogLevelName string     `yaml:"log_level"`
	LogLevel     slog.Level `yaml:"-"`
}

// SurrealDBConfig holds SurrealDB connection settings.
type SurrealDBConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Database  string `yaml:"database"`
	User      string `yaml:"user"`
	Pass      string `yaml:"pass"`
	AuthLevel string `yaml:"auth_level"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Store:      StoreBadger,
		BadgerPath: "./data/badger",
		SurrealDB: SurrealDBConfig{
			URL:       "ws://localhost:8000/rpc",
			Namespace: "codeingest",
			Database:  "ingest",
			User:      "root",
			Pass:      "root",
			AuthLevel: "root",
		},
		DataDir:            "./data",
		CloneTimeout:       5 * time.Minute,
		MaxFileSize:        10 << 20,
		ChunkMaxChars:      3200,
		BatchEndpoint:      "http://localhost:9000/api/v1/chunks/batch",
		BatchSize:          200,
		UploadConcurrency:  2,
		UploadAttempts:     3,
		UploadBaseDelay:    time.Second,
		UploadTimeout:      60 * time.Second,
		MaxInFlightUploads: 8,
		Addr:               ":8484",
		MaxJobs:            4,
		LogFile:            "/tmp/codeingest.log",
		LogLevelName:       "INFO",
		LogLevel:           slog.LevelInfo,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CODEINGEST_CONFIG (if set), then environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CODEINGEST_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside the pipeline.
func (c Config) Validate() error {
	switch c.Store {
	case StoreBadger, StoreSurrealDB:
	default:
		return fmt.Errorf("unknown store %q (want %s or %s)", c.Store, StoreBadger, StoreSurrealDB)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.UploadConcurrency <= 0 {
		return fmt.Errorf("upload concurrency must be positive, got %d", c.UploadConcurrency)
	}
	if c.UploadAttempts <= 0 {
		return fmt.Errorf("upload attempts must be positive, got %d", c.UploadAttempts)
	}
	if c.ChunkMaxChars <= 0 {
		return fmt.Errorf("chunk max chars must be positive, got %d", c.ChunkMaxChars)
	}
	if c.BatchEndpoint == "" {
		return fmt.Errorf("batch endpoint is required")
	}
	return nil
}

// ReposDir is the directory snapshots are cloned into.
func (c Config) ReposDir() string {
	return filepath.Join(c.DataDir, "repos")
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	configDir := filepath.Dir(path)
	cfg.DataDir = expandPath(cfg.DataDir, configDir)
	cfg.BadgerPath = expandPath(cfg.BadgerPath, configDir)
	return nil
}

// expandPath resolves paths starting with "./" relative to the config file.
func expandPath(path, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	return path
}

func applyEnv(cfg *Config) error {
	cfg.Store = getEnv("CODEINGEST_STORE", cfg.Store)
	cfg.BadgerPath = getEnv("CODEINGEST_BADGER_PATH", cfg.BadgerPath)

	cfg.SurrealDB.URL = getEnv("SURREALDB_URL", cfg.SurrealDB.URL)
	cfg.SurrealDB.Namespace = getEnv("SURREALDB_NAMESPACE", cfg.SurrealDB.Namespace)
	cfg.SurrealDB.Database = getEnv("SURREALDB_DATABASE", cfg.SurrealDB.Database)
	cfg.SurrealDB.User = getEnv("SURREALDB_USER", cfg.SurrealDB.User)
	cfg.SurrealDB.Pass = getEnv("SURREALDB_PASS", cfg.SurrealDB.Pass)
	cfg.SurrealDB.AuthLevel = getEnv("SURREALDB_AUTH_LEVEL", cfg.SurrealDB.AuthLevel)

	cfg.DataDir = getEnv("CODEINGEST_DATA_DIR", cfg.DataDir)
	cfg.BatchEndpoint = getEnv("CODEINGEST_BATCH_ENDPOINT", cfg.BatchEndpoint)
	cfg.Addr = getEnv("CODEINGEST_ADDR", cfg.Addr)
	cfg.LogFile = getEnv("CODEINGEST_LOG_FILE", cfg.LogFile)
	cfg.LogLevelName = getEnv("CODEINGEST_LOG_LEVEL", cfg.LogLevelName)

	if hosts := os.Getenv("CODEINGEST_ALLOWED_HOSTS"); hosts != "" {
		cfg.AllowedHosts = splitList(hosts)
	}

	var err error
	if cfg.KeepSnapshots, err = envBool("CODEINGEST_KEEP_SNAPSHOTS", cfg.KeepSnapshots); err != nil {
		return err
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CODEINGEST_BATCH_SIZE", &cfg.BatchSize},
		{"CODEINGEST_UPLOAD_CONCURRENCY", &cfg.UploadConcurrency},
		{"CODEINGEST_UPLOAD_ATTEMPTS", &cfg.UploadAttempts},
		{"CODEINGEST_MAX_INFLIGHT_UPLOADS", &cfg.MaxInFlightUploads},
		{"CODEINGEST_CHUNK_MAX_CHARS", &cfg.ChunkMaxChars},
		{"CODEINGEST_MAX_JOBS", &cfg.MaxJobs},
	}
	for _, v := range ints {
		if *v.dst, err = envInt(v.key, *v.dst); err != nil {
			return err
		}
	}

	size, err := envInt("CODEINGEST_MAX_FILE_SIZE", int(cfg.MaxFileSize))
	if err != nil {
		return err
	}
	cfg.MaxFileSize = int64(size)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CODEINGEST_CLONE_TIMEOUT", &cfg.CloneTimeout},
		{"CODEINGEST_UPLOAD_BASE_DELAY", &cfg.UploadBaseDelay},
		{"CODEINGEST_UPLOAD_TIMEOUT", &cfg.UploadTimeout},
	}
	for _, v := range durations {
		if *v.dst, err = envDuration(v.key, *v.dst); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, val)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, val)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, val)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
