package ext2

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_DefaultsWhenFileMissing(t *testing.T) {
	// Given EXT2FS_CONFIG_FILE pointing at a path that doesn't exist
	dir := t.TempDir()
	t.Setenv("EXT2FS_CONFIG_FILE", filepath.Join(dir, "missing.yaml"))

	// When the config is loaded
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig(): unexpected err: %v", err)
	}

	// Then it should fall back to the documented defaults
	if got := cfg.effectiveCacheSize(); got != DefaultCacheCapacity {
		t.Fatalf("wanted cache size `%d`; found `%d`", DefaultCacheCapacity, got)
	}
	if got := cfg.effectiveSymlinkDepth(); got != DefaultSymlinkDepth {
		t.Fatalf("wanted symlink depth `%d`; found `%d`", DefaultSymlinkDepth, got)
	}
}

func TestLoadConfig_ReadsYAMLFile(t *testing.T) {
	// Given a config file setting a custom cache size and read-only default
	dir := t.TempDir()
	path := filepath.Join(dir, "ext2fs.yaml")
	contents := "defaultReadOnly: true\ninodeCacheSize: 128\nmaxSymlinkDepth: 4\nlogLevel: debug\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test config file: unexpected err: %v", err)
	}
	t.Setenv("EXT2FS_CONFIG_FILE", path)

	// When the config is loaded
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig(): unexpected err: %v", err)
	}

	// Then its fields should reflect the file's contents
	if !cfg.DefaultReadOnly {
		t.Fatal("wanted DefaultReadOnly true")
	}
	if cfg.InodeCacheSize != 128 {
		t.Fatalf("wanted InodeCacheSize `128`; found `%d`", cfg.InodeCacheSize)
	}
	if cfg.MaxSymlinkDepth != 4 {
		t.Fatalf("wanted MaxSymlinkDepth `4`; found `%d`", cfg.MaxSymlinkDepth)
	}
	if cfg.slogLevel() != slog.LevelDebug {
		t.Fatalf("wanted LevelDebug; found `%v`", cfg.slogLevel())
	}
}

func TestLoadConfig_EnvVarOverridesFile(t *testing.T) {
	// Given a config file setting one cache size, and an environment
	// variable setting a different one
	dir := t.TempDir()
	path := filepath.Join(dir, "ext2fs.yaml")
	if err := os.WriteFile(path, []byte("inodeCacheSize: 16\n"), 0o644); err != nil {
		t.Fatalf("writing test config file: unexpected err: %v", err)
	}
	t.Setenv("EXT2FS_CONFIG_FILE", path)
	t.Setenv("EXT2FS_INODE_CACHE_SIZE", "256")

	// When the config is loaded
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig(): unexpected err: %v", err)
	}

	// Then the environment variable should win
	if cfg.InodeCacheSize != 256 {
		t.Fatalf("wanted InodeCacheSize `256`; found `%d`", cfg.InodeCacheSize)
	}
}

func TestConfig_SlogLevelDefaultsToInfo(t *testing.T) {
	cfg := &Config{}
	if got := cfg.slogLevel(); got != slog.LevelInfo {
		t.Fatalf("wanted LevelInfo; found `%v`", got)
	}
}
