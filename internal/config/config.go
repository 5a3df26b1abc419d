// Package config loads mount configuration from defaults, an optional YAML
// file and HTTPDIRFS_* environment variables. Command-line flags are
// applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/httpdirfs/httpdirfs/internal/retry"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HTTPDIRFS_"

// Mount backends.
const (
	BackendGoFuse  = "gofuse"
	BackendCgoFuse = "cgofuse"
)

// Config holds all httpdirfs configuration.
type Config struct {
	// URL is the directory listing to mount. Set from the command line.
	URL string `yaml:"-"`

	// Mountpoint is the local directory the listing is mounted on. Set
	// from the command line.
	Mountpoint string `yaml:"-"`

	HTTP  HTTPConfig  `yaml:"http"`
	Cache CacheConfig `yaml:"cache"`
	Log   LogConfig   `yaml:"log"`
	Mount MountConfig `yaml:"mount"`

	// MetricsAddr enables a Prometheus listener when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`
}

// HTTPConfig configures requests to the remote site.
type HTTPConfig struct {
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	UserAgent   string        `yaml:"user_agent"`
	Proxy       string        `yaml:"proxy"`
	InsecureTLS bool          `yaml:"insecure_tls"`
	Timeout     time.Duration `yaml:"timeout"`

	// MaxConns bounds the connections per host.
	MaxConns int `yaml:"max_conns"`

	// MaxConcurrentHeads bounds the HEAD requests issued per listing.
	MaxConcurrentHeads int `yaml:"max_concurrent_heads"`

	Retry retry.Config `yaml:"retry"`
}

// CacheConfig configures the on-disk block cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`

	// MaxSize is the cache size limit in bytes. 0 means unbounded.
	MaxSize   int64 `yaml:"max_size"`
	BlockSize int64 `yaml:"block_size"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// MountConfig configures the kernel side of the mount.
type MountConfig struct {
	Backend    string `yaml:"backend"`
	AllowOther bool   `yaml:"allow_other"`

	// Debug logs every FUSE request.
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			UserAgent:          "httpdirfs",
			Timeout:            30 * time.Second,
			MaxConns:           10,
			MaxConcurrentHeads: 8,
			Retry:              retry.DefaultConfig(),
		},
		Cache: CacheConfig{
			Dir:       DefaultCacheDir(),
			MaxSize:   1 << 30,
			BlockSize: 1 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Mount: MountConfig{
			Backend: BackendGoFuse,
		},
	}
}

// DefaultCacheDir returns the per-user cache directory for httpdirfs.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "httpdirfs")
	}
	return filepath.Join(dir, "httpdirfs")
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and then with the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Username = envOr("USERNAME", c.HTTP.Username)
	c.HTTP.Password = envOr("PASSWORD", c.HTTP.Password)
	c.HTTP.UserAgent = envOr("USER_AGENT", c.HTTP.UserAgent)
	c.HTTP.Proxy = envOr("PROXY", c.HTTP.Proxy)
	c.HTTP.InsecureTLS = envBool("INSECURE_TLS", c.HTTP.InsecureTLS)
	c.HTTP.Timeout = envDuration("TIMEOUT", c.HTTP.Timeout)
	c.HTTP.MaxConns = envInt("MAX_CONNS", c.HTTP.MaxConns)
	c.HTTP.MaxConcurrentHeads = envInt("MAX_CONCURRENT_HEADS", c.HTTP.MaxConcurrentHeads)
	c.HTTP.Retry.MaxAttempts = envInt("RETRY_ATTEMPTS", c.HTTP.Retry.MaxAttempts)

	c.Cache.Enabled = envBool("CACHE", c.Cache.Enabled)
	c.Cache.Dir = envOr("CACHE_DIR", c.Cache.Dir)
	c.Cache.MaxSize = envInt64("CACHE_MAX_SIZE", c.Cache.MaxSize)
	c.Cache.BlockSize = envInt64("CACHE_BLOCK_SIZE", c.Cache.BlockSize)

	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("LOG_FORMAT", c.Log.Format)

	c.Mount.Backend = envOr("BACKEND", c.Mount.Backend)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
}

// Validate checks the configuration after all sources were applied.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", c.URL)
	}

	if c.Mountpoint == "" {
		return errors.New("mount point is required")
	}

	switch c.Mount.Backend {
	case BackendGoFuse, BackendCgoFuse:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Mount.Backend, BackendGoFuse, BackendCgoFuse)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	if c.Cache.Enabled {
		if c.Cache.Dir == "" {
			return errors.New("cache dir is required when the cache is enabled")
		}
		if c.Cache.BlockSize <= 0 {
			return fmt.Errorf("cache block size must be positive, got %d", c.Cache.BlockSize)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
