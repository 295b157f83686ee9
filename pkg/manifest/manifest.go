// Package manifest records what an install actually did, so uninstall can
// reverse exactly that.
//
// Every side effect of an install - an app bundle moved into place, a
// symlink created, a package receipt registered - is one InstalledArtifact
// entry. The entries are persisted as a JSON manifest next to the
// installed content (the keg directory for formulas, the caskroom version
// directory for casks) and replayed in reverse by the uninstaller.
//
// Entries are never mutated after write; the manifest is removed as a
// whole together with its install.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
)

// FileName is the manifest file written into each install directory.
const FileName = "INSTALL_MANIFEST.json"

// Kind discriminates InstalledArtifact variants. New kinds are additive;
// readers must warn on kinds they do not know rather than skip silently.
type Kind string

const (
	// KindAppBundle is an application bundle moved into the applications
	// directory. Reversal removes the bundle.
	KindAppBundle Kind = "app_bundle"
	// KindBinaryLink is a symlink into the shared bin directory. Reversal
	// removes the link, never its target.
	KindBinaryLink Kind = "binary_link"
	// KindManpageLink is a symlink into the shared man tree.
	KindManpageLink Kind = "manpage_link"
	// KindMovedResource is any other file or tree moved out of the staged
	// content. Reversal removes it.
	KindMovedResource Kind = "moved_resource"
	// KindPkgUtilReceipt is a receipt registered with the platform package
	// database. Reversal forgets the receipt.
	KindPkgUtilReceipt Kind = "pkgutil_receipt"
	// KindLaunchd is a background service. Reversal unloads the label
	// before removing the definition file.
	KindLaunchd Kind = "launchd"
	// KindCaskroomLink is a symlink under the caskroom.
	KindCaskroomLink Kind = "caskroom_link"
	// KindCaskroomReference is a reference copy kept under the caskroom
	// version directory.
	KindCaskroomReference Kind = "caskroom_reference"
)

// InstalledArtifact is one recorded side effect. Which fields are set
// depends on Kind.
type InstalledArtifact struct {
	Kind Kind `json:"kind"`
	// Path is the installed location (app bundles, moved resources,
	// launchd definition files, caskroom references).
	Path string `json:"path,omitempty"`
	// LinkPath and TargetPath describe symlink variants.
	LinkPath   string `json:"link_path,omitempty"`
	TargetPath string `json:"target_path,omitempty"`
	// ID is the platform package receipt identifier.
	ID string `json:"id,omitempty"`
	// Label is the launchd service label.
	Label string `json:"label,omitempty"`
}

// AppBundle records an installed application bundle.
func AppBundle(path string) InstalledArtifact {
	return InstalledArtifact{Kind: KindAppBundle, Path: path}
}

// BinaryLink records a bin symlink.
func BinaryLink(link, target string) InstalledArtifact {
	return InstalledArtifact{Kind: KindBinaryLink, LinkPath: link, TargetPath: target}
}

// ManpageLink records a manpage symlink.
func ManpageLink(link, target string) InstalledArtifact {
	return InstalledArtifact{Kind: KindManpageLink, LinkPath: link, TargetPath: target}
}

// MovedResource records a moved file or tree.
func MovedResource(path string) InstalledArtifact {
	return InstalledArtifact{Kind: KindMovedResource, Path: path}
}

// PkgUtilReceipt records a platform package receipt.
func PkgUtilReceipt(id string) InstalledArtifact {
	return InstalledArtifact{Kind: KindPkgUtilReceipt, ID: id}
}

// Launchd records a background service definition.
func Launchd(label, path string) InstalledArtifact {
	return InstalledArtifact{Kind: KindLaunchd, Label: label, Path: path}
}

// CaskroomLink records a symlink under the caskroom.
func CaskroomLink(link, target string) InstalledArtifact {
	return InstalledArtifact{Kind: KindCaskroomLink, LinkPath: link, TargetPath: target}
}

// CaskroomReference records a reference copy under the caskroom.
func CaskroomReference(path string) InstalledArtifact {
	return InstalledArtifact{Kind: KindCaskroomReference, Path: path}
}

// Write persists a manifest into dir atomically.
func Write(dir string, artifacts []InstalledArtifact) error {
	data, err := json.MarshalIndent(artifacts, "", "  ")
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeInternal, err, "encode manifest")
	}

	dest := filepath.Join(dir, FileName)
	tmp, err := os.CreateTemp(dir, FileName+".tmp-*")
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "create manifest temp file")
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "write manifest")
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "move manifest into place")
	}
	return nil
}

// Read loads the manifest from dir. A missing manifest returns an empty
// list, not an error: installs that created no reversible artifacts are
// legal.
func Read(dir string) ([]InstalledArtifact, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeIO, err, "read manifest")
	}

	var artifacts []InstalledArtifact
	if err := json.Unmarshal(data, &artifacts); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeIO, err, "decode manifest in %s", dir)
	}
	return artifacts, nil
}
