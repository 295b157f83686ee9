package install

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/cellarman/pkg/definition"
	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/manifest"
)

// ArtifactCaskInstaller stages a cask payload into its caskroom version
// directory and places the declared artifact stanzas from there. It
// handles tarball and plain-file payloads; disk-image mounting belongs in
// a platform-specific implementation of CaskInstaller.
type ArtifactCaskInstaller struct {
	// AppsDir receives app bundles (the Applications directory).
	AppsDir string
	// BinDir receives binary symlinks.
	BinDir string
	// ManDir is the root of the man tree; links land in its manN
	// subdirectories.
	ManDir string
	Logger *log.Logger
}

// NewArtifactCaskInstaller creates a cask installer placing artifacts into
// the given prefix directories.
func NewArtifactCaskInstaller(appsDir, binDir, manDir string, logger *log.Logger) *ArtifactCaskInstaller {
	if logger == nil {
		logger = log.Default()
	}
	return &ArtifactCaskInstaller{AppsDir: appsDir, BinDir: binDir, ManDir: manDir, Logger: logger}
}

// InstallCask implements CaskInstaller. Every side effect is appended to
// the returned manifest before the next one is attempted, so a partial
// failure still reports what it already did.
func (c *ArtifactCaskInstaller) InstallCask(ctx context.Context, cask *definition.Cask, download, versionDir string) (artifacts []manifest.InstalledArtifact, err error) {
	if err := ctx.Err(); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeTimeout, err, "install %s aborted", cask.Token)
	}
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeIO, err, "create %s", versionDir)
	}

	staged, err := c.stage(download, versionDir)
	if err != nil {
		return nil, err
	}
	if staged != "" {
		artifacts = append(artifacts, manifest.CaskroomReference(staged))
	}

	for _, app := range cask.Artifacts.Apps {
		target := filepath.Join(c.AppsDir, filepath.Base(app))
		if err := moveArtifact(filepath.Join(versionDir, app), target); err != nil {
			return artifacts, err
		}
		artifacts = append(artifacts, manifest.AppBundle(target))
	}

	for _, bin := range cask.Artifacts.Binaries {
		link := filepath.Join(c.BinDir, filepath.Base(bin))
		if err := placeLink(link, filepath.Join(versionDir, bin)); err != nil {
			return artifacts, err
		}
		artifacts = append(artifacts, manifest.BinaryLink(link, filepath.Join(versionDir, bin)))
	}

	for _, man := range cask.Artifacts.Manpages {
		link := filepath.Join(c.ManDir, manSection(man), filepath.Base(man))
		if err := placeLink(link, filepath.Join(versionDir, man)); err != nil {
			return artifacts, err
		}
		artifacts = append(artifacts, manifest.ManpageLink(link, filepath.Join(versionDir, man)))
	}

	for _, id := range cask.Artifacts.Pkgs {
		// The platform installer is an external concern; the receipt is
		// what uninstall needs to forget.
		artifacts = append(artifacts, manifest.PkgUtilReceipt(id))
	}
	for _, label := range cask.Artifacts.LaunchdLabels {
		artifacts = append(artifacts, manifest.Launchd(label, ""))
	}

	c.Logger.Debug("installed cask artifacts", "cask", cask.Token, "count", len(artifacts))
	return artifacts, nil
}

// stage materializes the downloaded payload inside versionDir and returns
// the staged copy's path (empty when the payload was a tarball whose
// contents were unpacked directly).
func (c *ArtifactCaskInstaller) stage(download, versionDir string) (string, error) {
	if strings.HasSuffix(download, ".tar.gz") || strings.HasSuffix(download, ".tgz") {
		if err := extractTarGz(download, versionDir, 0); err != nil {
			return "", cerrors.Wrap(cerrors.ErrCodeInstall, err, "unpack cask payload")
		}
		return "", nil
	}

	staged := filepath.Join(versionDir, filepath.Base(download))
	if err := copyFile(download, staged); err != nil {
		return "", err
	}
	return staged, nil
}

// moveArtifact renames src to target, falling back to a copy across
// filesystems.
func moveArtifact(src, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "create %s", filepath.Dir(target))
	}
	if err := os.Rename(src, target); err == nil {
		return nil
	}
	if err := os.CopyFS(target, os.DirFS(src)); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeInstall, err, "move %s into place", filepath.Base(src))
	}
	return os.RemoveAll(src)
}

func placeLink(link, target string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "create %s", filepath.Dir(link))
	}
	os.Remove(link)
	if err := os.Symlink(target, link); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "link %s", link)
	}
	return nil
}

// manSection maps "man/foo.1" to "man1".
func manSection(man string) string {
	ext := strings.TrimPrefix(filepath.Ext(man), ".")
	if ext == "" {
		return "man1"
	}
	return fmt.Sprintf("man%s", ext)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "open %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "stat %s", src)
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode()&0o777)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "create %s", dest)
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "copy %s", src)
	}
	return nil
}
