package install

import (
	"context"
	"os"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/cellarman/pkg/definition"
	cerrors "github.com/matzehuels/cellarman/pkg/errors"
)

// TarBottleInstaller unpacks gzipped bottle tarballs. Bottles lay their
// contents out as <name>/<version>/..., so two leading components are
// stripped when extracting into the keg directory.
type TarBottleInstaller struct {
	Logger *log.Logger
}

// NewTarBottleInstaller creates a bottle installer.
func NewTarBottleInstaller(logger *log.Logger) *TarBottleInstaller {
	if logger == nil {
		logger = log.Default()
	}
	return &TarBottleInstaller{Logger: logger}
}

// InstallBottle implements BottleInstaller.
func (b *TarBottleInstaller) InstallBottle(ctx context.Context, f *definition.Formula, archive, kegPath string) error {
	if err := ctx.Err(); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeTimeout, err, "install %s aborted", f.Name)
	}
	if err := os.MkdirAll(kegPath, 0o755); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "create keg %s", kegPath)
	}
	if err := extractTarGz(archive, kegPath, 2); err != nil {
		// Leave no half-unpacked keg behind.
		os.RemoveAll(kegPath)
		return cerrors.Wrap(cerrors.ErrCodeInstall, err, "unpack bottle for %s", f.Name)
	}
	b.Logger.Debug("unpacked bottle", "formula", f.Name, "keg", kegPath)
	return nil
}
