package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/cellarman/pkg/buildinfo"
	"github.com/matzehuels/cellarman/pkg/cache"
	"github.com/matzehuels/cellarman/pkg/config"
	"github.com/matzehuels/cellarman/pkg/definition"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// appName is the application name used for directories and display.
	appName = "cellarman"

	// defaultTap is the tap name recorded in receipts when definitions
	// come from the local tap directory.
	defaultTap = "local"
)

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger     *log.Logger
	ConfigPath string
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "cellarman",
		Short:        "Cellarman installs formulas and casks with their dependencies",
		Long:         `Cellarman is a package installation engine: it resolves transitive dependencies, downloads and verifies artifacts concurrently, installs them in dependency order, and records everything it did so installs can be reversed.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
			return nil
		},
	}

	root.SetVersionTemplate(buildinfo.Template())
	root.PersistentFlags().StringVar(&c.ConfigPath, "config", "", "path to cellarman.toml (default: ~/.config/cellarman/cellarman.toml)")

	// Register all subcommands
	root.AddCommand(c.installCommand())
	root.AddCommand(c.upgradeCommand())
	root.AddCommand(c.reinstallCommand())
	root.AddCommand(c.uninstallCommand())
	root.AddCommand(c.pinCommand())
	root.AddCommand(c.unpinCommand())
	root.AddCommand(c.listCommand())
	root.AddCommand(c.depsCommand())
	root.AddCommand(c.cacheCommand())

	return root
}

// =============================================================================
// Config & Catalog Factories
// =============================================================================

// loadConfig reads the configuration, falling back to the default path.
func (c *CLI) loadConfig() (config.Config, error) {
	path := c.ConfigPath
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".config", appName, appName+".toml")
		}
	}
	return config.Load(path)
}

// newCatalog builds the definition catalog: the TOML tap directory wrapped
// in the configured metadata cache. The caller owns the returned cache and
// must close it.
func (c *CLI) newCatalog(ctx context.Context, cfg config.Config) (definition.Catalog, cache.Cache, error) {
	metaCache, err := newMetadataCache(ctx, cfg)
	if err != nil {
		c.Logger.Warn("metadata cache unavailable, continuing without", "error", err)
		metaCache = cache.NewNullCache()
	}
	tap := definition.NewTapCatalog(cfg.TapDir)
	ttl := time.Duration(cfg.Cache.TTLMinutes) * time.Minute
	return definition.NewCachedCatalog(tap, metaCache, defaultTap, ttl), metaCache, nil
}

func newMetadataCache(ctx context.Context, cfg config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case config.CacheBackendNone:
		return cache.NewNullCache(), nil
	case config.CacheBackendRedis:
		return cache.NewRedisCache(ctx, cfg.Cache.RedisAddr)
	default:
		return cache.NewFileCache(metadataCacheDir())
	}
}

// =============================================================================
// Paths
// =============================================================================

// metadataCacheDir returns the metadata cache directory using the XDG
// standard (~/.cache/cellarman/).
func metadataCacheDir() string {
	if cacheHome := os.Getenv("XDG_CACHE_HOME"); cacheHome != "" {
		return filepath.Join(cacheHome, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appName)
	}
	return filepath.Join(home, ".cache", appName)
}

// =============================================================================
// Durations
// =============================================================================

// downloadTimeout converts the configured timeout to a duration.
func downloadTimeout(cfg config.Config) time.Duration {
	if cfg.DownloadTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(cfg.DownloadTimeoutSeconds) * time.Second
}
