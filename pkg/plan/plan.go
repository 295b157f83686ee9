// Package plan turns a resolved dependency graph into concrete install
// actions.
//
// The planner compares each resolved package against the installed state
// on disk (kegs for formulas, caskroom versions for casks) and decides per
// package: install fresh, upgrade an older version, reinstall the current
// one, or skip because it is already up to date. It also decides the
// artifact source - a prebuilt bottle when one matches the platform, a
// source build otherwise.
//
// The planner preserves the resolver's topological order; the pipeline
// relies on that ordering for its dependency-readiness checks.
package plan

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/matzehuels/cellarman/pkg/definition"
	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/keg"
	"github.com/matzehuels/cellarman/pkg/resolve"
	"github.com/matzehuels/cellarman/pkg/version"
)

// Intent is the user-level command driving planning.
type Intent int

// Outdated installed packages are upgraded under every intent: a newer
// resolved definition always wins, so dependencies stay consistent with
// what the resolver loaded. The intents differ only in how they treat
// packages that are already current.
const (
	// IntentInstall installs missing packages and skips current ones.
	IntentInstall Intent = iota
	// IntentUpgrade behaves like IntentInstall; it exists so the CLI can
	// name the operation the user asked for.
	IntentUpgrade
	// IntentReinstall reinstalls requested roots even when current.
	IntentReinstall
)

// ActionKind classifies a planned job.
type ActionKind int

const (
	// ActionInstall installs a package that is not present.
	ActionInstall ActionKind = iota
	// ActionUpgrade replaces an older installed version.
	ActionUpgrade
	// ActionReinstall reinstalls the currently installed version.
	ActionReinstall
)

// String returns the lowercase action name.
func (k ActionKind) String() string {
	switch k {
	case ActionUpgrade:
		return "upgrade"
	case ActionReinstall:
		return "reinstall"
	default:
		return "install"
	}
}

// Action describes what a job does to the installed state.
type Action struct {
	Kind ActionKind
	// FromVersion and OldPath are set for upgrades.
	FromVersion string
	OldPath     string
	// CurrentPath is set for reinstalls.
	CurrentPath string
}

// Job is one planned unit of work, immutable once created and consumed
// exactly once by the pipeline.
type Job struct {
	// TargetID is the formula name or cask token.
	TargetID string
	// Definition is the package being installed.
	Definition definition.Definition
	// Action is the install/upgrade/reinstall decision.
	Action Action
	// IsSourceBuild is true when no usable bottle exists or a source
	// build was requested.
	IsSourceBuild bool
	// PrivateStorePath, when non-empty, is a pre-seeded source archive
	// to use instead of any network download.
	PrivateStorePath string
	// RequestedByUser distinguishes roots from pulled-in dependencies.
	RequestedByUser bool
}

// Plan is the planner's output: jobs in topological order plus the
// packages that needed no work.
type Plan struct {
	Jobs []Job
	// UpToDate lists packages skipped because the installed version
	// matches the resolved one.
	UpToDate []string
	// Pinned lists packages skipped because they are pinned against
	// upgrades.
	Pinned []string
}

// Planner combines resolver output with installed state.
type Planner struct {
	Kegs     *keg.Registry
	Caskroom string
	// Platform is the bottle platform tag (e.g. "arm64_sonoma").
	Platform string
	// ForceSource builds every formula from source.
	ForceSource bool
	// PrivateStore, when set, is checked for pre-seeded source archives.
	PrivateStore string
}

// SourceBuild reports whether a definition will be built from source under
// this planner's settings. It doubles as the resolver's BuildFromSource
// predicate so both stages agree.
func (p *Planner) SourceBuild(def definition.Definition) bool {
	f, ok := def.(*definition.Formula)
	if !ok {
		return false // casks are never compiled
	}
	if p.ForceSource {
		return true
	}
	_, hasBottle := f.BottleFor(p.Platform)
	return !hasBottle
}

// Build produces the ordered job list for a resolved graph.
func (p *Planner) Build(g *resolve.Graph, intent Intent) (*Plan, error) {
	plan := &Plan{}

	for _, node := range g.Order() {
		job, err := p.planOne(node, intent, plan)
		if err != nil {
			return nil, err
		}
		if job != nil {
			plan.Jobs = append(plan.Jobs, *job)
		}
	}
	return plan, nil
}

func (p *Planner) planOne(node resolve.ResolvedDependency, intent Intent, plan *Plan) (*Job, error) {
	def := node.Definition
	resolved := version.Parse(def.PackageVersion())

	installedVersion, installedPath, installed, err := p.installedState(def)
	if err != nil {
		return nil, err
	}

	job := &Job{
		TargetID:        node.Name,
		Definition:      def,
		IsSourceBuild:   p.SourceBuild(def),
		RequestedByUser: node.Root,
	}
	if job.IsSourceBuild {
		job.PrivateStorePath = p.privateStorePath(def)
	}
	if f, ok := def.(*definition.Formula); ok && !job.IsSourceBuild {
		// A formula must have a usable bottle if it is not source-built.
		if _, ok := f.BottleFor(p.Platform); !ok {
			return nil, cerrors.New(cerrors.ErrCodeUnsupportedPlatform,
				"%s has no bottle for %s", node.Name, p.Platform)
		}
	}

	if !installed {
		job.Action = Action{Kind: ActionInstall}
		return job, nil
	}

	current := version.Parse(installedVersion)
	switch {
	case resolved.NewerThan(current):
		if def.DefinitionKind() == definition.KindFormula && p.Kegs.IsPinned(node.Name) {
			plan.Pinned = append(plan.Pinned, node.Name)
			return nil, nil
		}
		job.Action = Action{Kind: ActionUpgrade, FromVersion: installedVersion, OldPath: installedPath}
		return job, nil
	case intent == IntentReinstall && node.Root:
		job.Action = Action{Kind: ActionReinstall, CurrentPath: installedPath}
		return job, nil
	default:
		plan.UpToDate = append(plan.UpToDate, node.Name)
		return nil, nil
	}
}

// installedState queries the on-disk state for a definition.
func (p *Planner) installedState(def definition.Definition) (ver, path string, installed bool, err error) {
	switch d := def.(type) {
	case *definition.Formula:
		latest, ok, err := p.Kegs.Latest(d.Name)
		if err != nil || !ok {
			return "", "", false, err
		}
		return latest.Version, latest.Path, true, nil
	case *definition.Cask:
		versions, err := p.caskVersions(d.Token)
		if err != nil || len(versions) == 0 {
			return "", "", false, err
		}
		newest := versions[len(versions)-1]
		return newest, filepath.Join(p.Caskroom, d.Token, newest), true, nil
	default:
		return "", "", false, cerrors.New(cerrors.ErrCodeInternal, "unknown definition type %T", def)
	}
}

// caskVersions lists installed versions of a cask, oldest first.
func (p *Planner) caskVersions(token string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(p.Caskroom, token))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeIO, err, "scan caskroom for %s", token)
	}

	var versions []string
	for _, entry := range entries {
		if entry.IsDir() {
			versions = append(versions, entry.Name())
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return version.Parse(versions[i]).Compare(version.Parse(versions[j])) < 0
	})
	return versions, nil
}

// privateStorePath returns the pre-seeded source archive for a definition,
// or empty if none exists.
func (p *Planner) privateStorePath(def definition.Definition) string {
	if p.PrivateStore == "" {
		return ""
	}
	path := filepath.Join(p.PrivateStore, def.ID()+"-"+def.PackageVersion()+".tar.gz")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
