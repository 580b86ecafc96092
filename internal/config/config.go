// Package config loads lsisoroot settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/meigma/isoroot/internal/layout"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. LSISOROOT_CACHE_DIR.
	EnvPrefix = "LSISOROOT"

	appName = "lsisoroot"
)

// Config holds settings that apply to every run. Command-line flags take
// precedence over these values.
type Config struct {
	// CacheDir enables the disk block cache when non-empty.
	CacheDir string `envconfig:"CACHE_DIR" yaml:"cacheDir"`

	// CacheMaxBytes bounds the disk block cache. Zero means unlimited.
	CacheMaxBytes int64 `envconfig:"CACHE_MAX_BYTES" yaml:"cacheMaxBytes"`

	// CacheBlockSize is the size of one cache entry. It must be a positive
	// multiple of the 2048-byte image block.
	CacheBlockSize int64 `envconfig:"CACHE_BLOCK_SIZE" yaml:"cacheBlockSize"`

	// CacheReadahead is the number of cache blocks fetched per cache miss.
	CacheReadahead int `envconfig:"CACHE_READAHEAD" yaml:"cacheReadahead"`

	// MaxImageBytes bounds the decompressed size of zstd images.
	MaxImageBytes uint64 `envconfig:"MAX_IMAGE_BYTES" yaml:"maxImageBytes"`

	// ValidateExtents rejects entries that point past the end of the image.
	ValidateExtents bool `envconfig:"VALIDATE_EXTENTS" yaml:"validateExtents"`

	// LogLevel is one of debug, info, warn, or error.
	LogLevel string `envconfig:"LOG_LEVEL" yaml:"logLevel"`

	// LogFormat is text or json.
	LogFormat string `envconfig:"LOG_FORMAT" yaml:"logFormat"`

	// HTTPHeaders are added to every request for http and https images.
	HTTPHeaders map[string]string `envconfig:"HTTP_HEADERS" yaml:"httpHeaders"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		CacheBlockSize: 32 << 10,
		CacheReadahead: 2,
		MaxImageBytes:  4 << 30,
		LogLevel:       "warn",
		LogFormat:      "text",
	}
}

// DefaultPath returns the config file consulted when neither a path nor
// $LSISOROOT_CONFIG_FILE is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName+".yaml")
}

// Load reads the config file at path and overlays environment variables.
// The result is not validated: callers apply their own overrides, such as
// command-line flags, and then call Validate.
//
// If path is empty, $LSISOROOT_CONFIG_FILE is used, falling back to
// DefaultPath. A missing file is an error only when it was named
// explicitly.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG_FILE")
	}
	if path == "" {
		path = DefaultPath()
		explicit = false
	}

	c := Default()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // config path is supplied by the user
		switch {
		case err == nil:
			if c, err = Parse(data); err != nil {
				return nil, fmt.Errorf("config file `%s`: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	return &c, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return c, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.CacheMaxBytes < 0 {
		return invalid("cacheMaxBytes", "CACHE_MAX_BYTES", "must be >= 0")
	}
	if c.CacheBlockSize <= 0 || c.CacheBlockSize%layout.BlockSize != 0 {
		return invalid("cacheBlockSize", "CACHE_BLOCK_SIZE",
			fmt.Sprintf("must be a positive multiple of %d", layout.BlockSize))
	}
	if c.CacheReadahead < 1 {
		return invalid("cacheReadahead", "CACHE_READAHEAD", "must be >= 1")
	}
	if _, err := c.Level(); err != nil {
		return invalid("logLevel", "LOG_LEVEL", err.Error())
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return invalid("logFormat", "LOG_FORMAT", fmt.Sprintf("unknown format %q", c.LogFormat))
	}
	return nil
}

// Level returns LogLevel as a slog level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, err
	}
	return level, nil
}

func invalid(yamlKey, envKey, reason string) error {
	return fmt.Errorf("invalid configuration: %s / %s_%s: %s", yamlKey, EnvPrefix, envKey, reason)
}
