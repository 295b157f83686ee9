package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matzehuels/cellarman/pkg/definition"
	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/fetch"
	"github.com/matzehuels/cellarman/pkg/keg"
	"github.com/matzehuels/cellarman/pkg/manifest"
	"github.com/matzehuels/cellarman/pkg/plan"
	"github.com/matzehuels/cellarman/pkg/resolve"
)

type memCatalog map[string]definition.Definition

func (m memCatalog) Load(_ context.Context, name string) (definition.Definition, error) {
	def, ok := m[name]
	if !ok {
		return nil, cerrors.New(cerrors.ErrCodePackageNotFound, "unknown package %q", name)
	}
	return def, nil
}

func formula(name string, deps ...definition.Dependency) *definition.Formula {
	return &definition.Formula{
		Name:    name,
		Version: "1.0",
		Bottles: map[string]definition.Bottle{
			"arm64_sonoma": {URL: "https://example.com/" + name + ".tar.gz", Sha256: "aa"},
		},
		Deps: deps,
	}
}

func dep(name string) definition.Dependency {
	return definition.Dependency{Name: name}
}

// fakeDownloader succeeds instantly except for the targets in fail.
type fakeDownloader struct {
	fail map[string]error
}

func (d fakeDownloader) Start(_ context.Context, jobs []plan.Job) <-chan fetch.Outcome {
	out := make(chan fetch.Outcome, len(jobs))
	go func() {
		for _, job := range jobs {
			if err, ok := d.fail[job.TargetID]; ok {
				out <- fetch.Outcome{TargetID: job.TargetID, Err: err}
				continue
			}
			out <- fetch.Outcome{TargetID: job.TargetID, Path: "artifact.tar.gz", Bytes: 1}
		}
		close(out)
	}()
	return out
}

// fakeBackend stands in for the bottle installer, source builder, cask
// installer and linker. It records install order and creates the install
// directories so receipts and manifests can be written.
type fakeBackend struct {
	mu    sync.Mutex
	order []string
	fail  map[string]error
	panic map[string]bool
}

func (b *fakeBackend) record(name, dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panic[name] {
		panic("synthetic install panic")
	}
	if err, ok := b.fail[name]; ok {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b.order = append(b.order, name)
	return nil
}

func (b *fakeBackend) InstallBottle(_ context.Context, f *definition.Formula, _, kegPath string) error {
	return b.record(f.Name, kegPath)
}

func (b *fakeBackend) Build(_ context.Context, f *definition.Formula, _, kegPath string, _ []string) error {
	return b.record(f.Name, kegPath)
}

func (b *fakeBackend) InstallCask(_ context.Context, c *definition.Cask, _, versionDir string) ([]manifest.InstalledArtifact, error) {
	if err := b.record(c.Token, versionDir); err != nil {
		return nil, err
	}
	return []manifest.InstalledArtifact{manifest.CaskroomReference(versionDir)}, nil
}

func (b *fakeBackend) LinkFormula(kegPath, _ string) ([]manifest.InstalledArtifact, error) {
	return nil, nil
}

func (b *fakeBackend) installed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

func (b *fakeBackend) indexOf(t *testing.T, name string) int {
	t.Helper()
	for i, n := range b.installed() {
		if n == name {
			return i
		}
	}
	t.Fatalf("%s was never installed; order = %v", name, b.installed())
	return -1
}

// newPipeline resolves and plans the given roots against cat and wires a
// pipeline with fake downloads and installers.
func newPipeline(t *testing.T, cat memCatalog, backend *fakeBackend, downloads fakeDownloader, roots ...string) *Pipeline {
	t.Helper()
	root := t.TempDir()
	planner := &plan.Planner{
		Kegs:     keg.NewRegistry(filepath.Join(root, "Cellar")),
		Caskroom: filepath.Join(root, "Caskroom"),
		Platform: "arm64_sonoma",
	}
	g, err := resolve.New(cat, resolve.Flags{BuildFromSource: planner.SourceBuild}).Resolve(context.Background(), roots)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	pl, err := planner.Build(g, plan.IntentInstall)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return &Pipeline{
		Graph:     g,
		Plan:      pl,
		Downloads: downloads,
		Bottle:    backend,
		Source:    backend,
		Casks:     backend,
		Linker:    backend,
		Kegs:      planner.Kegs,
		Caskroom:  planner.Caskroom,
		OptDir:    filepath.Join(root, "opt"),
		Tap:       "core",
		Workers:   4,
	}
}

func TestRunInstallsInDependencyOrder(t *testing.T) {
	cat := memCatalog{
		"a": formula("a", dep("b")),
		"b": formula("b", dep("c")),
		"c": formula("c"),
	}
	backend := &fakeBackend{}
	p := newPipeline(t, cat, backend, fakeDownloader{}, "a")

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 3 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if !(backend.indexOf(t, "c") < backend.indexOf(t, "b") && backend.indexOf(t, "b") < backend.indexOf(t, "a")) {
		t.Errorf("install order violates dependencies: %v", backend.installed())
	}
}

func TestRunInstallFailurePropagates(t *testing.T) {
	cat := memCatalog{
		"a": formula("a", dep("b"), dep("d")),
		"b": formula("b"),
		"d": formula("d"),
	}
	backend := &fakeBackend{
		fail: map[string]error{"b": cerrors.New(cerrors.ErrCodeInstall, "build exploded")},
	}
	p := newPipeline(t, cat, backend, fakeDownloader{}, "a")

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if !cerrors.Is(summary.Failures["a"], cerrors.ErrCodeDependencyFailed) {
		t.Errorf("a failed with %v, want DEPENDENCY_FAILED", summary.Failures["a"])
	}
	for _, name := range backend.installed() {
		if name == "a" {
			t.Error("a was installed despite a failed dependency")
		}
	}
	if backend.indexOf(t, "d") < 0 {
		t.Error("sibling subtree did not continue")
	}
}

func TestRunDownloadFailurePropagates(t *testing.T) {
	cat := memCatalog{
		"a": formula("a", dep("b")),
		"b": formula("b"),
	}
	backend := &fakeBackend{}
	downloads := fakeDownloader{
		fail: map[string]error{"b": cerrors.New(cerrors.ErrCodeDownload, "connection refused")},
	}
	p := newPipeline(t, cat, backend, downloads, "a")

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 0 || summary.Failed != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(backend.installed()) != 0 {
		t.Errorf("installs ran despite failed download: %v", backend.installed())
	}
}

func TestRunWorkerPanicBecomesFailure(t *testing.T) {
	cat := memCatalog{
		"a": formula("a"),
		"b": formula("b"),
	}
	backend := &fakeBackend{panic: map[string]bool{"a": true}}
	p := newPipeline(t, cat, backend, fakeDownloader{}, "a", "b")

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if !cerrors.Is(summary.Failures["a"], cerrors.ErrCodeInstall) {
		t.Errorf("panic surfaced as %v", summary.Failures["a"])
	}
}

func TestRunTransitiveBlocking(t *testing.T) {
	// c fails; b depends on c; a depends on b. Both b and a must end
	// Failed without ever being installed.
	cat := memCatalog{
		"a": formula("a", dep("b")),
		"b": formula("b", dep("c")),
		"c": formula("c"),
	}
	backend := &fakeBackend{
		fail: map[string]error{"c": cerrors.New(cerrors.ErrCodeInstall, "no")},
	}
	p := newPipeline(t, cat, backend, fakeDownloader{}, "a")

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 3 || summary.Succeeded != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(backend.installed()) != 0 {
		t.Errorf("blocked jobs were installed: %v", backend.installed())
	}
}

func TestRunWritesReceiptsAndManifest(t *testing.T) {
	cat := memCatalog{
		"a": formula("a", dep("b")),
		"b": formula("b"),
	}
	backend := &fakeBackend{}
	p := newPipeline(t, cat, backend, fakeDownloader{}, "a")

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rootReceipt, err := keg.ReadReceipt(p.Kegs.KegPath("a", "1.0"))
	if err != nil {
		t.Fatalf("root receipt: %v", err)
	}
	if rootReceipt.InstalledAsDependency {
		t.Error("root marked as dependency")
	}
	if len(rootReceipt.RuntimeDependencies) != 1 || rootReceipt.RuntimeDependencies[0] != "b" {
		t.Errorf("runtime deps = %v", rootReceipt.RuntimeDependencies)
	}

	depReceipt, err := keg.ReadReceipt(p.Kegs.KegPath("b", "1.0"))
	if err != nil {
		t.Fatalf("dep receipt: %v", err)
	}
	if !depReceipt.InstalledAsDependency {
		t.Error("dependency not marked as such")
	}
}

func TestRunCaskWritesManifest(t *testing.T) {
	cat := memCatalog{
		"browser": &definition.Cask{
			Token:   "browser",
			Version: "2.0",
			URL:     "https://example.com/browser.tar.gz",
			Sha256:  "aa",
		},
	}
	backend := &fakeBackend{}
	p := newPipeline(t, cat, backend, fakeDownloader{}, "browser")

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	artifacts, err := manifest.Read(filepath.Join(p.Caskroom, "browser", "2.0"))
	if err != nil || len(artifacts) != 1 {
		t.Fatalf("manifest = %v, err = %v", artifacts, err)
	}
}

func TestRunUpToDateDependencySatisfied(t *testing.T) {
	cat := memCatalog{
		"a": formula("a", dep("b")),
		"b": formula("b"),
	}
	backend := &fakeBackend{}
	p := newPipeline(t, cat, backend, fakeDownloader{}, "a")

	// b is already installed at the resolved version, so the plan only
	// contains a; its dependency must count as satisfied.
	if err := os.MkdirAll(p.Kegs.KegPath("b", "1.0"), 0o755); err != nil {
		t.Fatal(err)
	}
	planner := &plan.Planner{Kegs: p.Kegs, Caskroom: p.Caskroom, Platform: "arm64_sonoma"}
	pl, err := planner.Build(p.Graph, plan.IntentInstall)
	if err != nil {
		t.Fatal(err)
	}
	p.Plan = pl
	if len(pl.Jobs) != 1 {
		t.Fatalf("plan = %+v", pl.Jobs)
	}

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRunEmptyPlan(t *testing.T) {
	p := &Pipeline{Plan: &plan.Plan{}}
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 0 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestDefaultWorkerCount(t *testing.T) {
	n := DefaultWorkerCount()
	if n < 1 || n > 6 {
		t.Fatalf("worker count %d outside [1,6]", n)
	}
}
