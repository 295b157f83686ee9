// Package install performs the synchronous install steps for one job:
// unpacking bottles into kegs, building formulas from source, placing cask
// artifacts and linking keg contents into the shared prefix.
//
// The pipeline only depends on the four interfaces below. The shipped
// implementations work on staged directories and plain archives; anything
// platform-specific beyond that (disk images, privileged installers) plugs
// in by swapping the implementation.
package install

import (
	"context"

	"github.com/matzehuels/cellarman/pkg/definition"
	"github.com/matzehuels/cellarman/pkg/manifest"
)

// BottleInstaller unpacks a prebuilt bottle into a keg directory.
type BottleInstaller interface {
	InstallBottle(ctx context.Context, f *definition.Formula, archive, kegPath string) error
}

// SourceBuilder compiles a source archive and installs the result into a
// keg directory. depOptPaths are the opt prefixes of the build and runtime
// dependencies, used to construct the build environment.
type SourceBuilder interface {
	Build(ctx context.Context, f *definition.Formula, archive, kegPath string, depOptPaths []string) error
}

// CaskInstaller stages a downloaded cask payload into its caskroom version
// directory and places the declared artifacts, returning one manifest
// entry per side effect.
type CaskInstaller interface {
	InstallCask(ctx context.Context, cask *definition.Cask, download, versionDir string) ([]manifest.InstalledArtifact, error)
}

// Linker exposes a keg's contents in the shared prefix (bin and man
// symlinks plus the opt path) and reports what it created.
type Linker interface {
	LinkFormula(kegPath, name string) ([]manifest.InstalledArtifact, error)
}
