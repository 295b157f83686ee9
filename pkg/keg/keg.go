// Package keg queries and records installed formula versions on disk.
//
// A keg is one installed version of a formula, living at
// Cellar/<name>/<version>. The Registry scans that tree and is the ground
// truth for "what is currently installed" - the planner and the uninstaller
// both consult it rather than keeping their own state.
package keg

import (
	"os"
	"path/filepath"
	"sort"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/version"
)

// InstalledKeg is one installed version+revision of a formula.
type InstalledKeg struct {
	// Name is the formula name.
	Name string
	// Version is the full version string including any "_N" revision
	// suffix (the keg directory name).
	Version string
	// Revision is the package revision parsed from the version suffix.
	Revision int
	// Path is the keg directory.
	Path string
}

// Compare orders kegs of the same formula by version.
func (k InstalledKeg) Compare(other InstalledKeg) int {
	return version.Parse(k.Version).Compare(version.Parse(other.Version))
}

// Registry queries installed kegs under a cellar root.
type Registry struct {
	cellar string
}

// NewRegistry creates a registry over the given cellar directory. The
// directory does not need to exist yet; a missing cellar reads as empty.
func NewRegistry(cellar string) *Registry {
	return &Registry{cellar: cellar}
}

// Cellar returns the cellar root directory.
func (r *Registry) Cellar() string { return r.cellar }

// KegPath returns where a keg for the given name and version lives.
func (r *Registry) KegPath(name, ver string) string {
	return filepath.Join(r.cellar, name, ver)
}

// InstalledKegs returns all installed kegs for a formula, ordered oldest to
// newest. A formula with no kegs returns an empty slice and no error.
func (r *Registry) InstalledKegs(name string) ([]InstalledKeg, error) {
	if err := cerrors.ValidateName(name); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(r.cellar, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeIO, err, "scan cellar for %s", name)
	}

	var kegs []InstalledKeg
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ver := entry.Name()
		kegs = append(kegs, InstalledKeg{
			Name:     name,
			Version:  ver,
			Revision: version.Parse(ver).Revision(),
			Path:     r.KegPath(name, ver),
		})
	}

	sort.Slice(kegs, func(i, j int) bool { return kegs[i].Compare(kegs[j]) < 0 })
	return kegs, nil
}

// Latest returns the newest installed keg for a formula.
func (r *Registry) Latest(name string) (InstalledKeg, bool, error) {
	kegs, err := r.InstalledKegs(name)
	if err != nil || len(kegs) == 0 {
		return InstalledKeg{}, false, err
	}
	return kegs[len(kegs)-1], true, nil
}

// IsInstalled reports whether any version of the formula is installed.
func (r *Registry) IsInstalled(name string) (bool, error) {
	kegs, err := r.InstalledKegs(name)
	return len(kegs) > 0, err
}

// InstalledNames returns all formula names with at least one keg, sorted.
func (r *Registry) InstalledNames() ([]string, error) {
	entries, err := os.ReadDir(r.cellar)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeIO, err, "scan cellar")
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		installed, err := r.IsInstalled(entry.Name())
		if err != nil {
			continue
		}
		if installed {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// pinFile marks a formula as pinned; pinned formulas are skipped by upgrade
// planning.
const pinFile = ".pinned"

// Pin marks a formula so upgrades skip it.
func (r *Registry) Pin(name string) error {
	if err := cerrors.ValidateName(name); err != nil {
		return err
	}
	dir := filepath.Join(r.cellar, name)
	if _, err := os.Stat(dir); err != nil {
		return cerrors.New(cerrors.ErrCodeKegNotFound, "%s is not installed", name)
	}
	return os.WriteFile(filepath.Join(dir, pinFile), nil, 0644)
}

// Unpin removes the pin marker; unpinning an unpinned formula is a no-op.
func (r *Registry) Unpin(name string) error {
	if err := cerrors.ValidateName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(r.cellar, name, pinFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsPinned reports whether a formula has been pinned.
func (r *Registry) IsPinned(name string) bool {
	_, err := os.Stat(filepath.Join(r.cellar, name, pinFile))
	return err == nil
}

// Remove deletes a keg directory. When removal fails with a permission
// error and elevated is non-nil, the elevated fallback is tried once;
// any other failure is returned as-is.
func (r *Registry) Remove(k InstalledKeg, elevated func(path string) error) error {
	err := os.RemoveAll(k.Path)
	if err == nil {
		r.pruneNameDir(k.Name)
		return nil
	}
	if !os.IsPermission(err) || elevated == nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "remove keg %s", k.Path)
	}
	if err := elevated(k.Path); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "remove keg %s (elevated)", k.Path)
	}
	r.pruneNameDir(k.Name)
	return nil
}

// pruneNameDir removes the per-name directory once its last keg is gone.
// Pin markers keep the directory alive.
func (r *Registry) pruneNameDir(name string) {
	dir := filepath.Join(r.cellar, name)
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 0 {
		return
	}
	_ = os.Remove(dir)
}
