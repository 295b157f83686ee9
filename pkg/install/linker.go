package install

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/manifest"
)

// PrefixLinker exposes keg contents in the shared prefix: executables from
// the keg's bin directory, manpages from its share/man tree, and the
// per-name opt symlink pointing at the active keg.
type PrefixLinker struct {
	BinDir string
	ManDir string
	OptDir string
	Logger *log.Logger
}

// NewPrefixLinker creates a linker for the given prefix directories.
func NewPrefixLinker(binDir, manDir, optDir string, logger *log.Logger) *PrefixLinker {
	if logger == nil {
		logger = log.Default()
	}
	return &PrefixLinker{BinDir: binDir, ManDir: manDir, OptDir: optDir, Logger: logger}
}

// LinkFormula implements Linker.
func (l *PrefixLinker) LinkFormula(kegPath, name string) ([]manifest.InstalledArtifact, error) {
	var artifacts []manifest.InstalledArtifact

	// Opt link first: build environments resolve dependencies through it.
	optLink := filepath.Join(l.OptDir, name)
	if err := placeLink(optLink, kegPath); err != nil {
		return nil, err
	}
	artifacts = append(artifacts, manifest.BinaryLink(optLink, kegPath))

	bins, err := dirEntries(filepath.Join(kegPath, "bin"))
	if err != nil {
		return artifacts, err
	}
	for _, bin := range bins {
		link := filepath.Join(l.BinDir, bin)
		target := filepath.Join(kegPath, "bin", bin)
		if err := placeLink(link, target); err != nil {
			return artifacts, err
		}
		artifacts = append(artifacts, manifest.BinaryLink(link, target))
	}

	manRoot := filepath.Join(kegPath, "share", "man")
	sections, err := dirEntries(manRoot)
	if err != nil {
		return artifacts, err
	}
	for _, section := range sections {
		pages, err := dirEntries(filepath.Join(manRoot, section))
		if err != nil {
			return artifacts, err
		}
		for _, page := range pages {
			link := filepath.Join(l.ManDir, section, page)
			target := filepath.Join(manRoot, section, page)
			if err := placeLink(link, target); err != nil {
				return artifacts, err
			}
			artifacts = append(artifacts, manifest.ManpageLink(link, target))
		}
	}

	l.Logger.Debug("linked keg", "name", name, "links", len(artifacts))
	return artifacts, nil
}

// dirEntries lists a directory's entry names; a missing directory is
// simply empty.
func dirEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeIO, err, "read %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
