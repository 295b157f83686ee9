package manifest

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/keg"
)

// Uninstaller reverses recorded installs.
type Uninstaller struct {
	Hooks  Hooks
	Logger *log.Logger
}

// NewUninstaller creates an uninstaller. A nil hooks implementation gets
// ExecHooks; a nil logger falls back to log.Default().
func NewUninstaller(hooks Hooks, logger *log.Logger) *Uninstaller {
	if hooks == nil {
		hooks = ExecHooks{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Uninstaller{Hooks: hooks, Logger: logger}
}

// UninstallFormula removes an installed keg: the recorded prefix symlinks
// first, then the keg directory itself. The elevated hook is consulted
// only when plain removal hits a permission error.
func (u *Uninstaller) UninstallFormula(ctx context.Context, reg *keg.Registry, k keg.InstalledKeg) error {
	artifacts, err := Read(k.Path)
	if err != nil {
		return err
	}
	if err := u.revert(ctx, artifacts); err != nil {
		return err
	}
	if err := reg.Remove(k, u.Hooks.ElevatedRemove); err != nil {
		return err
	}
	u.Logger.Info("uninstalled", "name", k.Name, "version", k.Version)
	return nil
}

// UninstallCask replays a cask version's manifest in reverse and removes
// the caskroom version directory.
func (u *Uninstaller) UninstallCask(ctx context.Context, versionDir string) error {
	artifacts, err := Read(versionDir)
	if err != nil {
		return err
	}
	if err := u.revert(ctx, artifacts); err != nil {
		return err
	}
	if err := os.RemoveAll(versionDir); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "remove %s", versionDir)
	}
	pruneParent(versionDir)
	return nil
}

// revert undoes artifacts newest-first. A failing entry is reported but
// does not stop the remaining entries from being reverted; leaving one
// artifact behind is better than leaving all of them.
func (u *Uninstaller) revert(ctx context.Context, artifacts []InstalledArtifact) error {
	var failed []string
	for i := len(artifacts) - 1; i >= 0; i-- {
		if err := u.revertOne(ctx, artifacts[i]); err != nil {
			u.Logger.Warn("could not revert artifact",
				"kind", artifacts[i].Kind, "error", err)
			failed = append(failed, string(artifacts[i].Kind))
		}
	}
	if len(failed) > 0 {
		return cerrors.New(cerrors.ErrCodeInstall,
			"%d artifact(s) could not be reverted: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func (u *Uninstaller) revertOne(ctx context.Context, a InstalledArtifact) error {
	switch a.Kind {
	case KindAppBundle, KindMovedResource, KindCaskroomReference:
		if err := os.RemoveAll(a.Path); err != nil {
			return cerrors.Wrap(cerrors.ErrCodeIO, err, "remove %s", a.Path)
		}
		return nil

	case KindBinaryLink, KindManpageLink, KindCaskroomLink:
		return removeLink(a.LinkPath)

	case KindPkgUtilReceipt:
		return u.Hooks.ForgetPackage(ctx, a.ID)

	case KindLaunchd:
		if err := u.Hooks.UnloadService(ctx, a.Label); err != nil {
			return err
		}
		if a.Path == "" {
			return nil
		}
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			return cerrors.Wrap(cerrors.ErrCodeIO, err, "remove %s", a.Path)
		}
		return nil

	default:
		// Future kinds must never be dropped silently; a dangling
		// resource with a warning beats one without.
		u.Logger.Warn("unknown artifact kind left in place", "kind", a.Kind)
		return nil
	}
}

// removeLink removes a symlink and only a symlink. The target is never
// touched, and a link already gone is not an error.
func removeLink(link string) error {
	info, err := os.Lstat(link)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "stat %s", link)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return cerrors.New(cerrors.ErrCodeIO, "%s is not a symlink, refusing to remove", link)
	}
	if err := os.Remove(link); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "remove link %s", link)
	}
	return nil
}

// pruneParent drops the per-token directory once its last version is gone.
func pruneParent(versionDir string) {
	parent := filepath.Dir(versionDir)
	entries, err := os.ReadDir(parent)
	if err == nil && len(entries) == 0 {
		os.Remove(parent)
	}
}
