package keg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
)

// ReceiptName is the receipt filename inside every keg directory.
const ReceiptName = "INSTALL_RECEIPT.json"

// Receipt records how a keg came to be installed. It is written by the
// install worker on success and consulted by listing and uninstall.
type Receipt struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	// Tap is the catalog namespace the definition came from.
	Tap string `json:"tap,omitempty"`
	// BuiltFromSource is false for bottle installs.
	BuiltFromSource bool `json:"built_from_source"`
	// InstalledAsDependency is true when the keg was pulled in by another
	// package rather than requested directly.
	InstalledAsDependency bool `json:"installed_as_dependency"`
	// RuntimeDependencies are the resolved runtime deps at install time.
	RuntimeDependencies []string  `json:"runtime_dependencies,omitempty"`
	InstalledAt         time.Time `json:"installed_at"`
}

// WriteReceipt persists the receipt into the keg directory. The write is
// atomic (temp file + rename) so a crashed install never leaves a truncated
// receipt behind.
func WriteReceipt(kegPath string, rec Receipt) error {
	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeInternal, err, "encode receipt for %s", rec.Name)
	}

	tmp, err := os.CreateTemp(kegPath, ".receipt-*")
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "write receipt for %s", rec.Name)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "write receipt for %s", rec.Name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "write receipt for %s", rec.Name)
	}

	if err := os.Rename(tmpName, filepath.Join(kegPath, ReceiptName)); err != nil {
		os.Remove(tmpName)
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "write receipt for %s", rec.Name)
	}
	return nil
}

// ReadReceipt loads the receipt from a keg directory.
func ReadReceipt(kegPath string) (Receipt, error) {
	data, err := os.ReadFile(filepath.Join(kegPath, ReceiptName))
	if err != nil {
		if os.IsNotExist(err) {
			return Receipt{}, cerrors.New(cerrors.ErrCodeNotFound, "no receipt in %s", kegPath)
		}
		return Receipt{}, cerrors.Wrap(cerrors.ErrCodeIO, err, "read receipt in %s", kegPath)
	}

	var rec Receipt
	if err := json.Unmarshal(data, &rec); err != nil {
		return Receipt{}, cerrors.Wrap(cerrors.ErrCodeInvalidDefinition, err, "parse receipt in %s", kegPath)
	}
	return rec, nil
}
