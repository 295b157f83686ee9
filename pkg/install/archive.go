package install

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
)

// extractTarGz unpacks a gzipped tarball into dest, dropping the first
// strip leading path components of every entry. Entries that escape dest
// are rejected outright.
func extractTarGz(archive, dest string, strip int) error {
	f, err := os.Open(archive)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "open archive %s", archive)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "read gzip header of %s", archive)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return cerrors.Wrap(cerrors.ErrCodeIO, err, "read archive %s", archive)
		}

		rel, ok := stripComponents(hdr.Name, strip)
		if !ok {
			continue // metadata entry above the strip depth
		}
		target, err := securePath(dest, rel)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&0o777|0o700); err != nil {
				return cerrors.Wrap(cerrors.ErrCodeIO, err, "create %s", target)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return cerrors.Wrap(cerrors.ErrCodeIO, err, "create %s", filepath.Dir(target))
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return cerrors.Wrap(cerrors.ErrCodeIO, err, "link %s", target)
			}
		default:
			// Block/char devices etc. have no business in a package.
		}
	}
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "create %s", filepath.Dir(target))
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode&0o777)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "create %s", target)
	}
	_, err = io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "write %s", target)
	}
	return nil
}

// stripComponents removes the first n path components. It reports false
// when the entry does not reach below the strip depth.
func stripComponents(name string, n int) (string, bool) {
	clean := strings.Trim(filepath.ToSlash(name), "/")
	parts := strings.Split(clean, "/")
	if len(parts) <= n {
		return "", false
	}
	return strings.Join(parts[n:], "/"), true
}

// securePath joins rel under dest and rejects traversal outside dest.
func securePath(dest, rel string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(rel))
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", cerrors.New(cerrors.ErrCodeInvalidPath, "archive entry %q escapes destination", rel)
	}
	return target, nil
}
