// Package definition models package definitions consumed by the install
// pipeline: formulas (compiled packages with optional prebuilt bottles) and
// casks (application bundles installed by artifact stanza).
//
// Definitions arrive already deserialized - the pipeline never inspects raw
// definition syntax. The Catalog interface abstracts where definitions come
// from (a local tap directory, a remote API, a test fixture), and
// CachedCatalog adds transparent metadata caching on top of any Catalog.
package definition

import (
	"sort"
	"strings"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
)

// Tag classifies a dependency edge. Tags are a bitset: a dependency pulled
// in as a build dep by one parent and a runtime dep by another carries both
// bits after resolution.
type Tag uint8

const (
	// TagRuntime marks a dependency needed at run time. A dependency with
	// no tags at all is treated as runtime.
	TagRuntime Tag = 1 << iota
	// TagBuild marks a dependency needed only to build from source.
	TagBuild
	// TagTest marks a dependency needed only for the test suite.
	TagTest
	// TagOptional marks a dependency included only on request.
	TagOptional
	// TagRecommended marks a dependency included unless explicitly skipped.
	TagRecommended
)

// Has reports whether t contains all bits of other.
func (t Tag) Has(other Tag) bool { return t&other == other }

// Effective returns the tag set with the default applied: an empty set is
// runtime.
func (t Tag) Effective() Tag {
	if t == 0 {
		return TagRuntime
	}
	return t
}

// String renders the tag set as a stable comma-separated list.
func (t Tag) String() string {
	names := []struct {
		tag  Tag
		name string
	}{
		{TagRuntime, "runtime"},
		{TagBuild, "build"},
		{TagTest, "test"},
		{TagOptional, "optional"},
		{TagRecommended, "recommended"},
	}
	var parts []string
	for _, n := range names {
		if t.Has(n.tag) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "runtime"
	}
	return strings.Join(parts, ",")
}

// ParseTags converts tag names (as they appear in definition files) into a
// bitset. Unknown names are rejected.
func ParseTags(names []string) (Tag, error) {
	var t Tag
	for _, name := range names {
		switch strings.ToLower(name) {
		case "runtime":
			t |= TagRuntime
		case "build":
			t |= TagBuild
		case "test":
			t |= TagTest
		case "optional":
			t |= TagOptional
		case "recommended":
			t |= TagRecommended
		default:
			return 0, cerrors.New(cerrors.ErrCodeInvalidDefinition, "unknown dependency tag %q", name)
		}
	}
	return t, nil
}

// Dependency is one declared dependency edge.
type Dependency struct {
	Name string `json:"name" toml:"name"`
	Tags Tag    `json:"tags" toml:"-"`
}

// Kind distinguishes the two definition shapes.
type Kind string

const (
	// KindFormula is a compiled package installed into the cellar.
	KindFormula Kind = "formula"
	// KindCask is an application bundle installed into the caskroom.
	KindCask Kind = "cask"
)

// Definition is the union of Formula and Cask consumed by the pipeline.
type Definition interface {
	// ID returns the unique token (formula name or cask token).
	ID() string
	// DefinitionKind reports whether this is a formula or a cask.
	DefinitionKind() Kind
	// PackageVersion returns the declared version string.
	PackageVersion() string
	// Dependencies returns the declared dependency edges.
	Dependencies() []Dependency
}

// Bottle is one prebuilt binary artifact for a specific platform tag.
type Bottle struct {
	URL     string   `json:"url" toml:"url"`
	Sha256  string   `json:"sha256" toml:"sha256"`
	Mirrors []string `json:"mirrors,omitempty" toml:"mirrors"`
}

// Source describes the upstream source tarball of a formula.
type Source struct {
	URL     string   `json:"url" toml:"url"`
	Sha256  string   `json:"sha256" toml:"sha256"`
	Mirrors []string `json:"mirrors,omitempty" toml:"mirrors"`
}

// Formula is a compiled package definition.
type Formula struct {
	Name     string `json:"name" toml:"name"`
	Version  string `json:"version" toml:"version"`
	Desc     string `json:"desc,omitempty" toml:"desc"`
	Homepage string `json:"homepage,omitempty" toml:"homepage"`

	Source Source `json:"source" toml:"source"`
	// Bottles maps platform tags (e.g. "arm64_sonoma", "sonoma") to
	// prebuilt artifacts.
	Bottles map[string]Bottle `json:"bottles,omitempty" toml:"bottles"`

	Deps []Dependency `json:"dependencies,omitempty" toml:"-"`
}

// ID implements Definition.
func (f *Formula) ID() string { return f.Name }

// DefinitionKind implements Definition.
func (f *Formula) DefinitionKind() Kind { return KindFormula }

// PackageVersion implements Definition.
func (f *Formula) PackageVersion() string { return f.Version }

// Dependencies implements Definition.
func (f *Formula) Dependencies() []Dependency { return f.Deps }

// BottleFor selects the bottle for a platform tag. Matching falls back from
// the exact "arch_osversion" tag to the bare "osversion" half before giving
// up.
func (f *Formula) BottleFor(platform string) (Bottle, bool) {
	if b, ok := f.Bottles[platform]; ok {
		return b, true
	}
	if _, rest, ok := strings.Cut(platform, "_"); ok {
		if b, ok := f.Bottles[rest]; ok {
			return b, true
		}
	}
	return Bottle{}, false
}

// PlatformTags returns the declared bottle platforms in sorted order.
func (f *Formula) PlatformTags() []string {
	tags := make([]string, 0, len(f.Bottles))
	for tag := range f.Bottles {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// CaskArtifacts declares what a cask installs. This is the eagerly decoded
// form of the cask's artifact stanzas; the pipeline never sees raw stanza
// maps.
type CaskArtifacts struct {
	// Apps are application bundles moved into the applications directory.
	Apps []string `json:"apps,omitempty" toml:"apps"`
	// Binaries are executables symlinked into the shared bin directory,
	// relative to the staged content root.
	Binaries []string `json:"binaries,omitempty" toml:"binaries"`
	// Manpages are manual pages symlinked into the shared man tree.
	Manpages []string `json:"manpages,omitempty" toml:"manpages"`
	// Pkgs are installer package files recorded by receipt identifier.
	Pkgs []string `json:"pkgs,omitempty" toml:"pkgs"`
	// LaunchdLabels are background service labels registered on install.
	LaunchdLabels []string `json:"launchd_labels,omitempty" toml:"launchd_labels"`
}

// Cask is an application bundle definition.
type Cask struct {
	Token    string `json:"token" toml:"token"`
	Version  string `json:"version" toml:"version"`
	Desc     string `json:"desc,omitempty" toml:"desc"`
	Homepage string `json:"homepage,omitempty" toml:"homepage"`

	URL     string   `json:"url" toml:"url"`
	Sha256  string   `json:"sha256" toml:"sha256"`
	Mirrors []string `json:"mirrors,omitempty" toml:"mirrors"`

	Artifacts CaskArtifacts `json:"artifacts" toml:"artifacts"`

	Deps []Dependency `json:"dependencies,omitempty" toml:"-"`
}

// ID implements Definition.
func (c *Cask) ID() string { return c.Token }

// DefinitionKind implements Definition.
func (c *Cask) DefinitionKind() Kind { return KindCask }

// PackageVersion implements Definition.
func (c *Cask) PackageVersion() string { return c.Version }

// Dependencies implements Definition.
func (c *Cask) Dependencies() []Dependency { return c.Deps }
