package install

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/cellarman/pkg/definition"
	cerrors "github.com/matzehuels/cellarman/pkg/errors"
)

// ExecSourceBuilder builds formulas the classic way: unpack the source
// tarball, configure with the keg as prefix, make, make install. The
// build environment exposes each dependency's opt prefix on PATH,
// CPPFLAGS and LDFLAGS.
type ExecSourceBuilder struct {
	Logger *log.Logger
}

// NewExecSourceBuilder creates a source builder.
func NewExecSourceBuilder(logger *log.Logger) *ExecSourceBuilder {
	if logger == nil {
		logger = log.Default()
	}
	return &ExecSourceBuilder{Logger: logger}
}

// requiredTools must be on PATH before a source build can start.
var requiredTools = []string{"sh", "make"}

// Build implements SourceBuilder.
func (b *ExecSourceBuilder) Build(ctx context.Context, f *definition.Formula, archive, kegPath string, depOptPaths []string) error {
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			return cerrors.New(cerrors.ErrCodeBuildEnv, "required build tool %q not found", tool)
		}
	}

	stage, err := os.MkdirTemp("", "cellarman-build-"+f.Name+"-*")
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "create build stage")
	}
	defer os.RemoveAll(stage)

	if err := extractTarGz(archive, stage, 1); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeInstall, err, "unpack source for %s", f.Name)
	}

	if err := os.MkdirAll(kegPath, 0o755); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "create keg %s", kegPath)
	}

	script := buildScript(stage, kegPath)
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = stage
	cmd.Env = buildEnv(os.Environ(), depOptPaths)

	b.Logger.Info("building from source", "formula", f.Name, "stage", stage)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(kegPath)
		return cerrors.Wrap(cerrors.ErrCodeInstall, err,
			"build %s failed: %s", f.Name, tail(string(out), 2048))
	}
	return nil
}

// buildScript picks the build recipe from what the source tree provides.
func buildScript(stage, kegPath string) string {
	if _, err := os.Stat(filepath.Join(stage, "configure")); err == nil {
		return fmt.Sprintf("./configure --prefix=%q && make && make install", kegPath)
	}
	return fmt.Sprintf("make && make install PREFIX=%q", kegPath)
}

// buildEnv prepends dependency prefixes to PATH and exposes their include
// and lib directories to the toolchain.
func buildEnv(base []string, depOptPaths []string) []string {
	if len(depOptPaths) == 0 {
		return base
	}

	var bins, includes, libs []string
	for _, opt := range depOptPaths {
		bins = append(bins, filepath.Join(opt, "bin"))
		includes = append(includes, "-I"+filepath.Join(opt, "include"))
		libs = append(libs, "-L"+filepath.Join(opt, "lib"))
	}

	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, "PATH=") {
			kv = "PATH=" + strings.Join(bins, string(os.PathListSeparator)) +
				string(os.PathListSeparator) + strings.TrimPrefix(kv, "PATH=")
		}
		env = append(env, kv)
	}
	env = append(env,
		"CPPFLAGS="+strings.Join(includes, " "),
		"LDFLAGS="+strings.Join(libs, " "))
	return env
}

func tail(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-n:])
}
