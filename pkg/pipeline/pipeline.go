// Package pipeline coordinates the concurrent install run.
//
// Two concurrency regimes compose here. The download stage runs one
// goroutine per job and delivers outcomes over a channel. The install
// stage is a bounded worker pool, sized well below the download
// parallelism because build tools and large-file I/O do not oversubscribe
// gracefully.
//
// Between the two sits the orchestrator: a single goroutine owning every
// job's state. It never dispatches a job to the pool until all of the
// job's dependencies have succeeded - the one invariant everything else
// depends on, since dispatching early would link a package against a
// dependency that was never installed. Workers and download goroutines
// communicate with the orchestrator only through channels and never touch
// job state directly.
package pipeline

import (
	"context"

	"github.com/charmbracelet/log"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/event"
	"github.com/matzehuels/cellarman/pkg/fetch"
	"github.com/matzehuels/cellarman/pkg/install"
	"github.com/matzehuels/cellarman/pkg/keg"
	"github.com/matzehuels/cellarman/pkg/plan"
	"github.com/matzehuels/cellarman/pkg/resolve"
)

// Downloader is the download stage. *fetch.Coordinator is the production
// implementation.
type Downloader interface {
	Start(ctx context.Context, jobs []plan.Job) <-chan fetch.Outcome
}

// Pipeline wires the stages of one install run. All fields except Workers,
// Events and Logger are required.
type Pipeline struct {
	Graph     *resolve.Graph
	Plan      *plan.Plan
	Downloads Downloader

	Bottle install.BottleInstaller
	Source install.SourceBuilder
	Casks  install.CaskInstaller
	Linker install.Linker

	Kegs     *keg.Registry
	Caskroom string
	OptDir   string
	// Tap is recorded in keg receipts as the definition origin.
	Tap string

	// Workers overrides the pool size; zero means DefaultWorkerCount.
	Workers int
	Events  *event.Bus
	Logger  *log.Logger
}

// Summary is the aggregate outcome of a run. Succeeded+Failed always
// equals the number of planned jobs.
type Summary struct {
	Succeeded int
	Failed    int
	// Failures maps each failed target to its error, including failures
	// propagated from a dependency.
	Failures map[string]error
}

type jobStatus struct {
	job          plan.Job
	state        State
	downloadPath string
	downloadSize int64
	err          error
}

// orchestrator is the single-goroutine control plane of one run. Only
// Run's goroutine touches it.
type orchestrator struct {
	p          *Pipeline
	index      map[string]*jobStatus
	dependents map[string][]string
	pool       *workerPool
	summary    *Summary
	terminal   int
}

// Run executes the plan and blocks until every job is terminal.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	if p.Logger == nil {
		p.Logger = log.Default()
	}
	summary := &Summary{Failures: make(map[string]error)}
	jobs := p.Plan.Jobs
	if len(jobs) == 0 {
		return summary, nil
	}

	workers := p.Workers
	if workers <= 0 {
		workers = DefaultWorkerCount()
	}

	o := &orchestrator{
		p:          p,
		index:      make(map[string]*jobStatus, len(jobs)),
		dependents: make(map[string][]string),
		summary:    summary,
	}
	for i := range jobs {
		o.index[jobs[i].TargetID] = &jobStatus{job: jobs[i]}
	}
	// Reverse edges among planned jobs. Dependencies the planner skipped
	// as up to date are already installed and need no tracking.
	for id := range o.index {
		for _, dep := range p.Graph.DependenciesOf(id) {
			if _, planned := o.index[dep]; planned {
				o.dependents[dep] = append(o.dependents[dep], id)
			}
		}
	}

	p.publish(event.Event{Type: event.TypePipelineStarted})
	p.Logger.Info("starting pipeline", "jobs", len(jobs), "workers", workers)

	o.pool = newWorkerPool(workers, len(jobs), func(wj workerJob) error {
		return p.installJob(ctx, wj)
	}, p.Logger)

	outcomes := p.Downloads.Start(ctx, jobs)
	for _, st := range o.index {
		st.state = StateDownloading
	}

	for o.terminal < len(jobs) {
		select {
		case out, ok := <-outcomes:
			if !ok {
				outcomes = nil
				continue
			}
			o.handleOutcome(out)
		case msg := <-o.pool.msgs:
			o.handleWorkerMsg(msg)
		}
	}
	o.pool.shutdown()

	p.publish(event.Event{Type: event.TypePipelineFinished})
	p.Logger.Info("pipeline finished",
		"succeeded", summary.Succeeded, "failed", summary.Failed)
	return summary, nil
}

func (o *orchestrator) handleOutcome(out fetch.Outcome) {
	st, ok := o.index[out.TargetID]
	if !ok || st.state.Terminal() {
		// Already failed through dependency propagation; the late
		// download result is irrelevant.
		return
	}

	if out.Err != nil {
		o.fail(st, out.Err)
		o.propagateFailure(out.TargetID)
		return
	}

	st.downloadPath = out.Path
	st.downloadSize = out.Bytes
	st.state = StateDownloaded

	if o.depsReady(st) {
		o.dispatch(st)
	} else {
		st.state = StateWaitingForDependencies
	}
}

func (o *orchestrator) handleWorkerMsg(msg workerMsg) {
	st := o.index[msg.targetID]
	if msg.phase == phaseStarted {
		st.state = StateInstalling
		return
	}

	if msg.err != nil {
		o.fail(st, msg.err)
		o.propagateFailure(msg.targetID)
		return
	}

	st.state = StateSucceeded
	o.terminal++
	o.summary.Succeeded++
	o.p.publish(event.Event{
		Type:        event.TypeJobSucceeded,
		Target:      st.job.TargetID,
		PackageKind: string(st.job.Definition.DefinitionKind()),
		Action:      st.job.Action.Kind.String(),
	})
	o.p.Logger.Info("installed", "target", st.job.TargetID, "action", st.job.Action.Kind)

	// A success may unblock parked dependents.
	for _, st := range o.index {
		if st.state == StateWaitingForDependencies && o.depsReady(st) {
			o.dispatch(st)
		}
	}
}

// depsReady reports whether every dependency of a job has succeeded.
// Dependencies outside the plan were installed before this run started.
func (o *orchestrator) depsReady(st *jobStatus) bool {
	for _, dep := range o.p.Graph.DependenciesOf(st.job.TargetID) {
		if depSt, planned := o.index[dep]; planned && depSt.state != StateSucceeded {
			return false
		}
	}
	return true
}

func (o *orchestrator) dispatch(st *jobStatus) {
	st.state = StateDispatched
	o.pool.dispatch(workerJob{
		job:          st.job,
		downloadPath: st.downloadPath,
		downloadSize: st.downloadSize,
	})
}

func (o *orchestrator) fail(st *jobStatus, err error) {
	st.state = StateFailed
	st.err = err
	o.terminal++
	o.summary.Failed++
	o.summary.Failures[st.job.TargetID] = err
	o.p.publish(event.Event{
		Type:        event.TypeJobFailed,
		Target:      st.job.TargetID,
		PackageKind: string(st.job.Definition.DefinitionKind()),
		Action:      st.job.Action.Kind.String(),
		Err:         err.Error(),
	})
	o.p.Logger.Error("job failed", "target", st.job.TargetID, "error", err)
}

// propagateFailure marks every not-yet-dispatched transitive dependent of
// a failed job as failed. Dependents past dispatch cannot exist: they
// would only have been dispatched after this job succeeded.
func (o *orchestrator) propagateFailure(failedID string) {
	for _, depID := range o.dependents[failedID] {
		st := o.index[depID]
		if st.state.Terminal() {
			continue
		}
		err := cerrors.New(cerrors.ErrCodeDependencyFailed,
			"%s blocked by dependency failure: %s", depID, failedID)
		st.state = StateFailed
		st.err = err
		o.terminal++
		o.summary.Failed++
		o.summary.Failures[depID] = err
		o.p.publish(event.Event{
			Type:   event.TypeJobSkipped,
			Target: depID,
			Err:    err.Error(),
		})
		o.p.Logger.Warn("skipping job", "target", depID, "blocked_by", failedID)
		o.propagateFailure(depID)
	}
}

func (p *Pipeline) publish(e event.Event) {
	if p.Events != nil {
		p.Events.Publish(e)
	}
}
