package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/cellarman/pkg/definition"
	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/event"
	"github.com/matzehuels/cellarman/pkg/keg"
	"github.com/matzehuels/cellarman/pkg/manifest"
	"github.com/matzehuels/cellarman/pkg/plan"
)

// DefaultWorkerCount sizes the pool from available parallelism, capped to
// avoid oversubscribing disk and build tools during concurrent installs.
func DefaultWorkerCount() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		return 1
	}
	if n > 6 {
		return 6
	}
	return n
}

// workerJob is one unit handed to the pool, created only after the job's
// artifact is downloaded and all its dependencies have succeeded.
type workerJob struct {
	job          plan.Job
	downloadPath string
	downloadSize int64
}

type phase int

const (
	phaseStarted phase = iota
	phaseDone
)

// workerMsg reports worker progress back to the orchestrator, which owns
// all state transitions.
type workerMsg struct {
	targetID string
	phase    phase
	err      error
}

// workerPool runs installs on a fixed number of goroutines.
type workerPool struct {
	jobs    chan workerJob
	msgs    chan workerMsg
	wg      sync.WaitGroup
	install func(workerJob) error
	logger  *log.Logger
}

func newWorkerPool(size, queue int, install func(workerJob) error, logger *log.Logger) *workerPool {
	p := &workerPool{
		jobs:    make(chan workerJob, queue),
		msgs:    make(chan workerMsg, queue*2+2),
		install: install,
		logger:  logger,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go func() {
		p.wg.Wait()
		close(p.msgs)
	}()
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for wj := range p.jobs {
		p.msgs <- workerMsg{targetID: wj.job.TargetID, phase: phaseStarted}
		p.msgs <- workerMsg{targetID: wj.job.TargetID, phase: phaseDone, err: p.runOne(wj)}
	}
}

// runOne executes one install, converting a panic into an ordinary job
// failure so one bad job never takes the pool down.
func (p *workerPool) runOne(wj workerJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("install worker panicked",
				"target", wj.job.TargetID, "panic", r, "stack", string(debug.Stack()))
			err = cerrors.New(cerrors.ErrCodeInstall, "install of %s panicked: %v", wj.job.TargetID, r)
		}
	}()
	return p.install(wj)
}

func (p *workerPool) dispatch(wj workerJob) {
	p.jobs <- wj
}

func (p *workerPool) shutdown() {
	close(p.jobs)
}

// installJob is the synchronous install path run on a worker: place the
// artifact, link it, record receipt and manifest, clean up a replaced
// version.
func (p *Pipeline) installJob(ctx context.Context, wj workerJob) error {
	job := wj.job

	p.publish(event.Event{
		Type:        event.TypeJobStarted,
		Target:      job.TargetID,
		PackageKind: string(job.Definition.DefinitionKind()),
		Action:      job.Action.Kind.String(),
	})

	switch def := job.Definition.(type) {
	case *definition.Formula:
		return p.installFormula(ctx, job, def, wj.downloadPath)
	case *definition.Cask:
		return p.installCask(ctx, job, def, wj.downloadPath)
	default:
		return cerrors.New(cerrors.ErrCodeInternal, "unknown definition type %T", job.Definition)
	}
}

func (p *Pipeline) installFormula(ctx context.Context, job plan.Job, f *definition.Formula, downloadPath string) error {
	kegPath := p.Kegs.KegPath(f.Name, f.Version)

	if job.Action.Kind == plan.ActionReinstall {
		// Same version: the keg is rebuilt in place.
		if err := os.RemoveAll(job.Action.CurrentPath); err != nil {
			return cerrors.Wrap(cerrors.ErrCodeIO, err, "remove current keg of %s", f.Name)
		}
	}

	if job.IsSourceBuild {
		if err := p.Source.Build(ctx, f, downloadPath, kegPath, p.dependencyOptPaths(f.Name)); err != nil {
			return err
		}
	} else {
		if err := p.Bottle.InstallBottle(ctx, f, downloadPath, kegPath); err != nil {
			return err
		}
	}

	artifacts, err := p.Linker.LinkFormula(kegPath, f.Name)
	if err != nil {
		return err
	}
	if err := manifest.Write(kegPath, artifacts); err != nil {
		return err
	}
	if err := keg.WriteReceipt(kegPath, keg.Receipt{
		Name:                  f.Name,
		Version:               f.Version,
		Tap:                   p.Tap,
		BuiltFromSource:       job.IsSourceBuild,
		InstalledAsDependency: !job.RequestedByUser,
		RuntimeDependencies:   p.runtimeDependencies(f.Name),
	}); err != nil {
		return err
	}

	if job.Action.Kind == plan.ActionUpgrade && job.Action.OldPath != "" {
		if err := os.RemoveAll(job.Action.OldPath); err != nil {
			p.Logger.Warn("could not remove replaced keg", "path", job.Action.OldPath, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) installCask(ctx context.Context, job plan.Job, cask *definition.Cask, downloadPath string) error {
	versionDir := filepath.Join(p.Caskroom, cask.Token, cask.Version)

	if job.Action.Kind == plan.ActionReinstall {
		if err := os.RemoveAll(job.Action.CurrentPath); err != nil {
			return cerrors.Wrap(cerrors.ErrCodeIO, err, "remove current install of %s", cask.Token)
		}
	}

	artifacts, err := p.Casks.InstallCask(ctx, cask, downloadPath, versionDir)
	if err != nil {
		return err
	}
	if err := manifest.Write(versionDir, artifacts); err != nil {
		return err
	}

	if job.Action.Kind == plan.ActionUpgrade && job.Action.OldPath != "" {
		if err := os.RemoveAll(job.Action.OldPath); err != nil {
			p.Logger.Warn("could not remove replaced version", "path", job.Action.OldPath, "error", err)
		}
	}
	return nil
}

// dependencyOptPaths lists the opt prefixes of a package's direct
// dependencies, for the source build environment.
func (p *Pipeline) dependencyOptPaths(name string) []string {
	deps := p.Graph.DependenciesOf(name)
	paths := make([]string, 0, len(deps))
	for _, dep := range deps {
		paths = append(paths, filepath.Join(p.OptDir, dep))
	}
	return paths
}

func (p *Pipeline) runtimeDependencies(name string) []string {
	var runtime []string
	for _, dep := range p.Graph.DependenciesOf(name) {
		node, ok := p.Graph.Node(dep)
		if !ok {
			continue
		}
		if node.Tags.Effective().Has(definition.TagRuntime) {
			runtime = append(runtime, dep)
		}
	}
	return runtime
}
