// Package config loads configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Abooow/EzLiveServer/internal/storage"
)

// FileEnv names the environment variable holding the config file path.
const FileEnv = "EZLIVE_CONFIG"

// Config holds the live server configuration.
type Config struct {
	// Served directory
	Dir              string   `yaml:"dir"`
	DefaultExtension string   `yaml:"default_extension"`
	Ignore           []string `yaml:"ignore"`

	// Server
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"` // 0 picks a random free port
	MetricsAddr string `yaml:"metrics_addr"`

	// Pages
	InjectFile    string `yaml:"inject_file"`
	NotFoundFile  string `yaml:"not_found_file"`
	HTMLCacheSize int    `yaml:"html_cache_size"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Watcher
	Debounce time.Duration `yaml:"debounce"`

	// Live reload
	SendInterval time.Duration `yaml:"send_interval"`
	CloseTimeout time.Duration `yaml:"close_timeout"`
	MaxQueue     int           `yaml:"max_queue"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Dir:              ".",
		DefaultExtension: "html",
		Host:             "localhost",
		HTMLCacheSize:    128,
		LogLevel:         "info",
		LogFormat:        "console",
		Debounce:         50 * time.Millisecond,
		SendInterval:     250 * time.Millisecond,
		CloseTimeout:     2500 * time.Millisecond,
		MaxQueue:         1024,
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// the one named by EZLIVE_CONFIG when path is empty) and environment
// variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(FileEnv)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Dir = envOr("EZLIVE_DIR", cfg.Dir)
	cfg.DefaultExtension = envOr("EZLIVE_DEFAULT_EXTENSION", cfg.DefaultExtension)
	cfg.Ignore = envList("EZLIVE_IGNORE", cfg.Ignore)
	cfg.Host = envOr("EZLIVE_HOST", cfg.Host)
	cfg.Port = envInt("EZLIVE_PORT", cfg.Port)
	cfg.MetricsAddr = envOr("EZLIVE_METRICS_ADDR", cfg.MetricsAddr)
	cfg.InjectFile = envOr("EZLIVE_INJECT_FILE", cfg.InjectFile)
	cfg.NotFoundFile = envOr("EZLIVE_NOT_FOUND_FILE", cfg.NotFoundFile)
	cfg.HTMLCacheSize = envInt("EZLIVE_HTML_CACHE_SIZE", cfg.HTMLCacheSize)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.Debounce = envDuration("EZLIVE_DEBOUNCE", cfg.Debounce)
	cfg.SendInterval = envDuration("EZLIVE_SEND_INTERVAL", cfg.SendInterval)
	cfg.CloseTimeout = envDuration("EZLIVE_CLOSE_TIMEOUT", cfg.CloseTimeout)
	cfg.MaxQueue = envInt("EZLIVE_MAX_QUEUE", cfg.MaxQueue)

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Dir == "" {
		errs = append(errs, errors.New("dir is required"))
	} else if info, err := os.Stat(c.Dir); err != nil {
		errs = append(errs, fmt.Errorf("dir: %w", err))
	} else if !info.IsDir() {
		errs = append(errs, fmt.Errorf("dir: %s is not a directory", c.Dir))
	}

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimPrefix(c.DefaultExtension, ".") == "" {
		errs = append(errs, errors.New("default_extension is required"))
	}
	if c.Debounce <= 0 {
		errs = append(errs, errors.New("debounce must be positive"))
	}
	if c.SendInterval <= 0 {
		errs = append(errs, errors.New("send_interval must be positive"))
	}
	if c.CloseTimeout <= 0 {
		errs = append(errs, errors.New("close_timeout must be positive"))
	}
	if c.MaxQueue <= 0 {
		errs = append(errs, errors.New("max_queue must be positive"))
	}
	if c.HTMLCacheSize <= 0 {
		errs = append(errs, errors.New("html_cache_size must be positive"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be json or console", c.LogFormat))
	}
	if _, err := storage.NewIgnore(c.Ignore); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envList reads a comma separated list.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
