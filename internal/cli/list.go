package cli

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/matzehuels/cellarman/pkg/keg"
)

// =============================================================================
// list
// =============================================================================

func (c *CLI) listCommand() *cobra.Command {
	var casksOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if !casksOnly {
				if err := listFormulas(keg.NewRegistry(cfg.Cellar)); err != nil {
					return err
				}
			}
			return listCasks(cfg.Caskroom)
		},
	}
	cmd.Flags().BoolVar(&casksOnly, "casks", false, "list casks only")
	return cmd
}

func listFormulas(kegs *keg.Registry) error {
	names, err := kegs.InstalledNames()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	printInfo("Formulas")
	for _, name := range names {
		latest, ok, err := kegs.Latest(name)
		if err != nil || !ok {
			continue
		}
		version := latest.Version
		if rec, err := keg.ReadReceipt(latest.Path); err == nil && rec.InstalledAsDependency {
			version += " (dependency)"
		}
		printTarget(name, version, kegs.IsPinned(name))
	}
	return nil
}

func listCasks(caskroom string) error {
	entries, err := os.ReadDir(caskroom)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var tokens []string
	for _, e := range entries {
		if e.IsDir() {
			tokens = append(tokens, e.Name())
		}
	}
	if len(tokens) == 0 {
		return nil
	}
	sort.Strings(tokens)

	printInfo("Casks")
	for _, token := range tokens {
		versions, err := caskVersions(caskroom, token)
		if err != nil || len(versions) == 0 {
			continue
		}
		sort.Strings(versions)
		printTarget(token, filepath.Base(versions[len(versions)-1]), false)
	}
	return nil
}
