// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Server, Library, Captioner, LangData, Search, Store,
// Redis, Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Library   LibraryConfig   `yaml:"library"`
	Captioner CaptionerConfig `yaml:"captioner"`
	LangData  LangDataConfig  `yaml:"langData"`
	Search    SearchConfig    `yaml:"search"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LibraryConfig controls the coordinator's ingestion concurrency.
type LibraryConfig struct {
	MaxConcurrentIngests int64 `yaml:"maxConcurrentIngests"`
}

// CaptionerConfig holds the AI captioner endpoint parameters.
type CaptionerConfig struct {
	BaseURL        string        `yaml:"baseUrl"`
	Model          string        `yaml:"model"`
	Prompt         string        `yaml:"prompt"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
}

// LangDataConfig controls where language data lives and where it is
// downloaded from.
type LangDataConfig struct {
	DataDir   string `yaml:"dataDir"`
	SourceURL string `yaml:"sourceUrl"`
}

// SearchConfig controls query execution limits and ranking weights.
type SearchConfig struct {
	DefaultPageSize int           `yaml:"defaultPageSize"`
	MaxPageSize     int           `yaml:"maxPageSize"`
	RecencyWeight   float64       `yaml:"recencyWeight"`
	RecencyHalfLife time.Duration `yaml:"recencyHalfLife"`
}

// StoreConfig holds the persistence directory.
type StoreConfig struct {
	DataDir string `yaml:"dataDir"`
}

// RedisConfig holds Redis connection and query-cache parameters. Redis is
// optional: when unreachable the service runs without a query cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment
// variable overrides. It returns a Config populated with sensible defaults
// for any missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with defaults suitable for a local library.
func defaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := home + "/.metascan"
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			ReadTimeout: 30 * time.Second,
			// Ingest requests wait on the local captioner, which can take
			// minutes per file on CPU-only machines.
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Library: LibraryConfig{
			MaxConcurrentIngests: 4,
		},
		Captioner: CaptionerConfig{
			BaseURL:        "http://localhost:11434",
			Model:          "llava",
			Prompt:         "Describe this image in one detailed sentence, then list its key subjects as comma-separated tags.",
			RequestTimeout: 120 * time.Second,
			MaxAttempts:    3,
		},
		LangData: LangDataConfig{
			DataDir:   base + "/langdata",
			SourceURL: "https://raw.githubusercontent.com/stopwords-iso/stopwords-en/master/stopwords-en.txt",
		},
		Search: SearchConfig{
			DefaultPageSize: 50,
			MaxPageSize:     500,
			RecencyWeight:   0.25,
			RecencyHalfLife: 72 * time.Hour,
		},
		Store: StoreConfig{
			DataDir: base + "/db",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads MS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MS_CAPTIONER_BASE_URL"); v != "" {
		cfg.Captioner.BaseURL = v
	}
	if v := os.Getenv("MS_CAPTIONER_MODEL"); v != "" {
		cfg.Captioner.Model = v
	}
	if v := os.Getenv("MS_LANGDATA_DIR"); v != "" {
		cfg.LangData.DataDir = v
	}
	if v := os.Getenv("MS_LANGDATA_SOURCE_URL"); v != "" {
		cfg.LangData.SourceURL = v
	}
	if v := os.Getenv("MS_STORE_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("MS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MS_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("MS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MS_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("MS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
