package definition

import (
	"context"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
)

// Catalog looks definitions up by name. Implementations must be safe for
// concurrent use: the resolver looks names up from multiple goroutines.
type Catalog interface {
	// Load returns the definition for name, or an error with code
	// PACKAGE_NOT_FOUND if no such package exists.
	Load(ctx context.Context, name string) (Definition, error)
}

// TapCatalog reads TOML definition files from a tap directory. Each package
// is one file, <dir>/<name>.toml, holding either a [formula] or a [cask]
// table.
type TapCatalog struct {
	dir string
}

// NewTapCatalog creates a catalog over a local tap directory.
func NewTapCatalog(dir string) *TapCatalog {
	return &TapCatalog{dir: dir}
}

// tapFile is the on-disk TOML shape of a definition file.
type tapFile struct {
	Formula *tapFormula `toml:"formula"`
	Cask    *tapCask    `toml:"cask"`
}

// tapDependency carries the raw tag names before bitset conversion.
type tapDependency struct {
	Name string   `toml:"name"`
	Tags []string `toml:"tags"`
}

type tapFormula struct {
	Formula
	Dependencies []tapDependency `toml:"dependencies"`
}

type tapCask struct {
	Cask
	Dependencies []tapDependency `toml:"dependencies"`
}

// Load implements Catalog.
func (t *TapCatalog) Load(ctx context.Context, name string) (Definition, error) {
	if err := cerrors.ValidateName(name); err != nil {
		return nil, err
	}

	path := filepath.Join(t.dir, name+".toml")
	var file tapFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.New(cerrors.ErrCodePackageNotFound, "no formula or cask named %q", name)
		}
		return nil, cerrors.Wrap(cerrors.ErrCodeInvalidDefinition, err, "parse definition %s", path)
	}

	switch {
	case file.Formula != nil && file.Cask != nil:
		return nil, cerrors.New(cerrors.ErrCodeInvalidDefinition, "%s declares both a formula and a cask", path)
	case file.Formula != nil:
		deps, err := convertDeps(file.Formula.Dependencies)
		if err != nil {
			return nil, err
		}
		f := file.Formula.Formula
		f.Deps = deps
		return validate(&f, name)
	case file.Cask != nil:
		deps, err := convertDeps(file.Cask.Dependencies)
		if err != nil {
			return nil, err
		}
		c := file.Cask.Cask
		c.Deps = deps
		return validate(&c, name)
	default:
		return nil, cerrors.New(cerrors.ErrCodeInvalidDefinition, "%s declares neither a formula nor a cask", path)
	}
}

func convertDeps(raw []tapDependency) ([]Dependency, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	deps := make([]Dependency, 0, len(raw))
	for _, d := range raw {
		tags, err := ParseTags(d.Tags)
		if err != nil {
			return nil, err
		}
		deps = append(deps, Dependency{Name: d.Name, Tags: tags})
	}
	return deps, nil
}

func validate(def Definition, name string) (Definition, error) {
	if def.ID() != name {
		return nil, cerrors.New(cerrors.ErrCodeInvalidDefinition,
			"definition file for %q declares name %q", name, def.ID())
	}
	if def.PackageVersion() == "" {
		return nil, cerrors.New(cerrors.ErrCodeInvalidDefinition, "%s declares no version", name)
	}
	return def, nil
}

// Ensure TapCatalog implements Catalog.
var _ Catalog = (*TapCatalog)(nil)
