package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/keg"
	"github.com/matzehuels/cellarman/pkg/manifest"
)

// =============================================================================
// uninstall / pin / unpin
// =============================================================================

func (c *CLI) uninstallCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "uninstall <package>...",
		Short: "Remove installed packages and their recorded artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			un := manifest.NewUninstaller(nil, c.Logger)
			kegs := keg.NewRegistry(cfg.Cellar)

			for _, name := range args {
				if err := c.uninstallOne(cmd.Context(), cfg.Caskroom, kegs, un, name, all); err != nil {
					return err
				}
				printSuccess("Uninstalled %s", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove every installed version, not just the newest")
	return cmd
}

// uninstallOne removes a formula's kegs or a cask's caskroom versions,
// whichever the name matches on disk.
func (c *CLI) uninstallOne(ctx context.Context, caskroom string, kegs *keg.Registry, un *manifest.Uninstaller, name string, all bool) error {
	installed, err := kegs.InstalledKegs(name)
	if err != nil {
		return err
	}
	if len(installed) > 0 {
		if kegs.IsPinned(name) {
			return cerrors.New(cerrors.ErrCodeInvalidInput, "%s is pinned; unpin it before uninstalling", name)
		}
		targets := installed
		if !all {
			latest, _, err := kegs.Latest(name)
			if err != nil {
				return err
			}
			targets = []keg.InstalledKeg{latest}
		}
		for _, k := range targets {
			c.Logger.Debug("removing keg", "name", k.Name, "version", k.Version)
			if err := un.UninstallFormula(ctx, kegs, k); err != nil {
				return err
			}
		}
		return nil
	}

	versions, err := caskVersions(caskroom, name)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return cerrors.New(cerrors.ErrCodeNotFound, "%s is not installed", name)
	}
	for _, dir := range versions {
		c.Logger.Debug("removing cask version", "token", name, "dir", dir)
		if err := un.UninstallCask(ctx, dir); err != nil {
			return err
		}
	}
	return nil
}

// caskVersions lists the version directories of an installed cask.
func caskVersions(caskroom, token string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(caskroom, token))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cerrors.Wrap(cerrors.ErrCodeInternal, err, "reading caskroom for %s", token)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(caskroom, token, e.Name()))
		}
	}
	return dirs, nil
}

func (c *CLI) pinCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pin <formula>...",
		Short: "Hold formulas back from upgrades",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			kegs := keg.NewRegistry(cfg.Cellar)
			for _, name := range args {
				if err := kegs.Pin(name); err != nil {
					return err
				}
				printSuccess("Pinned %s", name)
			}
			return nil
		},
	}
}

func (c *CLI) unpinCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unpin <formula>...",
		Short: "Allow pinned formulas to upgrade again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			kegs := keg.NewRegistry(cfg.Cellar)
			for _, name := range args {
				if err := kegs.Unpin(name); err != nil {
					return err
				}
				printSuccess("Unpinned %s", name)
			}
			return nil
		},
	}
}
