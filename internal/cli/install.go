package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/pipeline"
	"github.com/matzehuels/cellarman/pkg/plan"
)

// =============================================================================
// install / upgrade / reinstall
// =============================================================================

// installFlags holds the per-invocation flags shared by the three pipeline
// commands.
type installFlags struct {
	includeOptional bool
	skipRecommended bool
	includeTest     bool
	buildFromSource bool
	workers         int
	dryRun          bool
}

func (f *installFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.includeOptional, "include-optional", false, "follow optional dependencies")
	cmd.Flags().BoolVar(&f.skipRecommended, "skip-recommended", false, "ignore recommended dependencies")
	cmd.Flags().BoolVar(&f.includeTest, "include-test", false, "follow test dependencies of source builds")
	cmd.Flags().BoolVarP(&f.buildFromSource, "build-from-source", "s", false, "compile from source even when a bottle exists")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "install worker count (0 = auto)")
	cmd.Flags().BoolVarP(&f.dryRun, "dry-run", "n", false, "show the plan without installing anything")
}

func (c *CLI) installCommand() *cobra.Command {
	var flags installFlags
	cmd := &cobra.Command{
		Use:   "install <package>...",
		Short: "Install packages and their dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPipeline(cmd.Context(), args, plan.IntentInstall, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func (c *CLI) upgradeCommand() *cobra.Command {
	var flags installFlags
	cmd := &cobra.Command{
		Use:   "upgrade <package>...",
		Short: "Upgrade packages to the latest definition",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPipeline(cmd.Context(), args, plan.IntentUpgrade, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func (c *CLI) reinstallCommand() *cobra.Command {
	var flags installFlags
	cmd := &cobra.Command{
		Use:   "reinstall <package>...",
		Short: "Reinstall packages at their current version",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPipeline(cmd.Context(), args, plan.IntentReinstall, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// runPipeline is the shared resolve -> plan -> execute path.
func (c *CLI) runPipeline(ctx context.Context, args []string, intent plan.Intent, flags installFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	eng := newEngine(cfg, c.Logger, resolveFlags{
		includeOptional: flags.includeOptional,
		skipRecommended: flags.skipRecommended,
		includeTest:     flags.includeTest,
		buildFromSource: flags.buildFromSource,
	})
	defer eng.Close()

	resolver, err := eng.resolver(ctx, c)
	if err != nil {
		return err
	}

	prog := newProgress(c.Logger)
	spin := newSpinnerWithContext(ctx, "Resolving dependencies...")
	spin.Start()
	graph, err := resolver.Resolve(ctx, args)
	spin.Stop()
	if err != nil {
		return err
	}
	prog.done(fmt.Sprintf("Resolved %d package(s)", graph.Len()))

	installPlan, err := eng.planner.Build(graph, intent)
	if err != nil {
		return err
	}

	printPlan(installPlan)
	if len(installPlan.Jobs) == 0 {
		printSuccess("Nothing to do")
		return nil
	}
	if flags.dryRun {
		return nil
	}

	pipe := eng.newPipeline(graph, installPlan, flags.workers)
	summary, err := runWithProgress(ctx, eng, pipe)
	if err != nil {
		return err
	}

	printSummary(summary.Succeeded, summary.Failed)
	if summary.Failed > 0 {
		return summaryError(summary)
	}
	return nil
}

// runWithProgress executes the pipeline while rendering live progress from
// the event bus. The bus is closed once the run finishes so the view quits.
func runWithProgress(ctx context.Context, eng *engine, pipe *pipeline.Pipeline) (*pipeline.Summary, error) {
	events, unsubscribe := eng.bus.Subscribe()
	defer unsubscribe()

	var (
		summary *pipeline.Summary
		runErr  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		summary, runErr = pipe.Run(ctx)
		eng.bus.Close()
	}()

	prog := tea.NewProgram(NewProgressModel(events),
		tea.WithContext(ctx),
		tea.WithOutput(os.Stderr),
		tea.WithInput(nil),
	)
	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		<-done
		return nil, err
	}

	<-done
	if runErr != nil {
		return nil, runErr
	}
	return summary, nil
}

// =============================================================================
// Plan Rendering
// =============================================================================

func printPlan(p *plan.Plan) {
	printInfo("%d package(s) to process", len(p.Jobs))

	for _, job := range p.Jobs {
		version := job.Definition.PackageVersion()
		label := fmt.Sprintf("%s %s", job.Action.Kind, version)
		if job.Action.Kind == plan.ActionUpgrade {
			label = fmt.Sprintf("upgrade %s %s %s", job.Action.FromVersion, iconArrow, version)
		}
		if job.IsSourceBuild {
			label += " (from source)"
		}
		printTarget(job.TargetID, label, false)
	}
	for _, name := range p.Pinned {
		printTarget(name, "held back", true)
	}
	for _, name := range p.UpToDate {
		printDetail("%s already up to date", name)
	}
}

func summaryError(s *pipeline.Summary) error {
	names := make([]string, 0, len(s.Failures))
	for name := range s.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		printError("%s: %v", name, s.Failures[name])
	}
	return cerrors.New(cerrors.ErrCodeInstall, "%d package(s) failed", s.Failed)
}
