// Package config loads cellarman's on-disk configuration.
//
// Configuration lives in a single TOML file (default: ~/.config/cellarman/
// cellarman.toml). Every field has a sensible default, so a missing file is
// not an error - Load returns the defaults.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
)

// CacheBackend selects the metadata cache implementation.
type CacheBackend string

const (
	// CacheBackendFile stores cached definitions under the cache directory.
	CacheBackendFile CacheBackend = "file"
	// CacheBackendRedis stores cached definitions in a Redis instance.
	CacheBackendRedis CacheBackend = "redis"
	// CacheBackendNone disables definition caching.
	CacheBackendNone CacheBackend = "none"
)

// Config holds all engine settings.
type Config struct {
	// Prefix is the root of the shared install tree (bin/, lib/, share/).
	Prefix string `toml:"prefix"`
	// Cellar is the per-formula install root: Cellar/<name>/<version>.
	Cellar string `toml:"cellar"`
	// Caskroom is the per-cask install root: Caskroom/<token>/<version>.
	Caskroom string `toml:"caskroom"`
	// TapDir is the directory holding package definition files.
	TapDir string `toml:"tap_dir"`
	// DownloadDir is the content cache for downloaded artifacts.
	DownloadDir string `toml:"download_dir"`
	// PrivateStoreDir, when set, is consulted for pre-seeded source
	// tarballs before any network access.
	PrivateStoreDir string `toml:"private_store_dir"`

	// Workers bounds the install worker pool. Zero means auto
	// (clamp(NumCPU-1, 1, 6)).
	Workers int `toml:"workers"`
	// BuildFromSource forces source builds even when a bottle exists.
	BuildFromSource bool `toml:"build_from_source"`
	// IncludeOptional resolves optional dependencies.
	IncludeOptional bool `toml:"include_optional"`
	// SkipRecommended skips recommended dependencies.
	SkipRecommended bool `toml:"skip_recommended"`

	// Platform overrides the detected bottle platform tag (e.g. "arm64_sonoma").
	Platform string `toml:"platform"`

	// Cache configures the definition metadata cache.
	Cache CacheConfig `toml:"cache"`

	// DownloadTimeoutSeconds bounds a single artifact download.
	DownloadTimeoutSeconds int `toml:"download_timeout_seconds"`
}

// CacheConfig selects and configures the metadata cache backend.
type CacheConfig struct {
	Backend    CacheBackend `toml:"backend"`
	RedisAddr  string       `toml:"redis_addr"`
	TTLMinutes int          `toml:"ttl_minutes"`
}

// Default returns the default configuration rooted at prefix.
// If prefix is empty, ~/.local/cellarman is used.
func Default(prefix string) Config {
	if prefix == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		prefix = filepath.Join(home, ".local", "cellarman")
	}
	return Config{
		Prefix:      prefix,
		Cellar:      filepath.Join(prefix, "Cellar"),
		Caskroom:    filepath.Join(prefix, "Caskroom"),
		TapDir:      filepath.Join(prefix, "tap"),
		DownloadDir: filepath.Join(prefix, "downloads"),
		Workers:     0,
		Platform:    detectPlatform(),
		Cache: CacheConfig{
			Backend:    CacheBackendFile,
			RedisAddr:  "localhost:6379",
			TTLMinutes: 60,
		},
		DownloadTimeoutSeconds: 300,
	}
}

// Load reads the config file at path, filling unset fields with defaults.
// A missing file returns the defaults without error.
func Load(path string) (Config, error) {
	cfg := Default("")

	if path == "" {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, cerrors.Wrap(cerrors.ErrCodeInvalidInput, err, "parse config %s", path)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for inconsistencies.
func (c Config) Validate() error {
	if c.Prefix == "" {
		return cerrors.New(cerrors.ErrCodeInvalidInput, "prefix must not be empty")
	}
	if c.Workers < 0 {
		return cerrors.New(cerrors.ErrCodeInvalidInput, "workers must not be negative")
	}
	switch c.Cache.Backend {
	case CacheBackendFile, CacheBackendRedis, CacheBackendNone, "":
	default:
		return cerrors.New(cerrors.ErrCodeInvalidInput, "unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

// OptDir returns the directory of stable per-package symlinks
// (Prefix/opt/<name> -> Cellar/<name>/<version>).
func (c Config) OptDir() string { return filepath.Join(c.Prefix, "opt") }

// BinDir returns the shared executable directory.
func (c Config) BinDir() string { return filepath.Join(c.Prefix, "bin") }

// ManDir returns the shared manpage root.
func (c Config) ManDir() string { return filepath.Join(c.Prefix, "share", "man") }

// AppsDir returns the directory receiving cask application bundles.
func (c Config) AppsDir() string { return filepath.Join(c.Prefix, "Applications") }

// detectPlatform derives the default bottle platform tag from the build
// architecture. The OS version half of the tag cannot be detected portably,
// so the default is the architecture-only tag; catalogs are expected to
// declare a matching fallback bottle.
func detectPlatform() string {
	return runtime.GOARCH
}
