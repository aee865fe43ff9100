package ext2

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

const (
	envVarPrefix = "EXT2FS"
	appName      = "ext2fs"
)

// Config is the driver's process-wide configuration: default mount flags,
// inode cache sizing, and the symlink-traversal ceiling.
// Fields here deliberately carry no envconfig "default" tag: envconfig
// applies a default whenever its environment variable is unset, which would
// stomp a value already loaded from the YAML file. The effectiveCacheSize,
// effectiveSymlinkDepth and slogLevel methods below supply the real
// fallbacks, applied after both layers have had a chance to set a value.
type Config struct {
	DefaultReadOnly bool   `envconfig:"EXT2FS_DEFAULT_READ_ONLY"  yaml:"defaultReadOnly"`
	InodeCacheSize  int    `envconfig:"EXT2FS_INODE_CACHE_SIZE"   yaml:"inodeCacheSize"`
	MaxSymlinkDepth int    `envconfig:"EXT2FS_MAX_SYMLINK_DEPTH"  yaml:"maxSymlinkDepth"`
	LogLevel        string `envconfig:"EXT2FS_LOG_LEVEL"          yaml:"logLevel"`
}

// LoadConfig reads EXT2FS_CONFIG_FILE (default $HOME/.config/ext2fs.yaml)
// if it exists, then layers environment variables over it.
func LoadConfig() (*Config, error) {
	configFile := os.Getenv(envVarPrefix + "_CONFIG_FILE")
	if configFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		configFile = filepath.Join(home, ".config", appName+".yaml")
	}

	var c Config
	data, err := os.ReadFile(configFile)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := yaml.UnmarshalStrict(data, &c); err != nil {
			return nil, fmt.Errorf("unmarshaling config file: %w", err)
		}
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}

	return &c, nil
}

func (c *Config) effectiveCacheSize() int {
	if c.InodeCacheSize <= 0 {
		return DefaultCacheCapacity
	}
	return c.InodeCacheSize
}

func (c *Config) effectiveSymlinkDepth() int {
	if c.MaxSymlinkDepth <= 0 {
		return DefaultSymlinkDepth
	}
	return c.MaxSymlinkDepth
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
