package manifest

import (
	"context"
	"os/exec"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
)

// Hooks are the platform operations uninstall needs but cannot perform
// with plain filesystem calls. Implementations other than ExecHooks are
// used in tests.
type Hooks interface {
	// ForgetPackage removes a receipt from the platform package database.
	ForgetPackage(ctx context.Context, id string) error
	// UnloadService stops a background service by label.
	UnloadService(ctx context.Context, label string) error
	// ElevatedRemove removes a path with raised privileges. Called only
	// after a plain removal failed with a permission error.
	ElevatedRemove(path string) error
}

// ExecHooks shells out to the platform tools.
type ExecHooks struct{}

// ForgetPackage implements Hooks via pkgutil.
func (ExecHooks) ForgetPackage(ctx context.Context, id string) error {
	if out, err := exec.CommandContext(ctx, "pkgutil", "--forget", id).CombinedOutput(); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeInstall, err, "pkgutil --forget %s: %s", id, out)
	}
	return nil
}

// UnloadService implements Hooks via launchctl.
func (ExecHooks) UnloadService(ctx context.Context, label string) error {
	if out, err := exec.CommandContext(ctx, "launchctl", "remove", label).CombinedOutput(); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeInstall, err, "launchctl remove %s: %s", label, out)
	}
	return nil
}

// ElevatedRemove implements Hooks via sudo.
func (ExecHooks) ElevatedRemove(path string) error {
	if out, err := exec.Command("sudo", "rm", "-rf", "--", path).CombinedOutput(); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "elevated removal of %s: %s", path, out)
	}
	return nil
}
