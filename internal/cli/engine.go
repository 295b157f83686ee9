package cli

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/cellarman/pkg/cache"
	"github.com/matzehuels/cellarman/pkg/config"
	"github.com/matzehuels/cellarman/pkg/event"
	"github.com/matzehuels/cellarman/pkg/fetch"
	"github.com/matzehuels/cellarman/pkg/install"
	"github.com/matzehuels/cellarman/pkg/keg"
	"github.com/matzehuels/cellarman/pkg/pipeline"
	"github.com/matzehuels/cellarman/pkg/plan"
	"github.com/matzehuels/cellarman/pkg/resolve"
)

// =============================================================================
// Engine Assembly
// =============================================================================

// engine bundles the stages of one install run so commands can share the
// wiring.
type engine struct {
	cfg       config.Config
	flags     resolveFlags
	kegs      *keg.Registry
	planner   *plan.Planner
	bus       *event.Bus
	metaCache cache.Cache
	logger    *log.Logger
}

// resolveFlags are the dependency-edge switches shared by install, upgrade,
// reinstall and deps.
type resolveFlags struct {
	includeOptional bool
	skipRecommended bool
	includeTest     bool
	buildFromSource bool
}

func newEngine(cfg config.Config, logger *log.Logger, flags resolveFlags) *engine {
	kegs := keg.NewRegistry(cfg.Cellar)
	return &engine{
		cfg:   cfg,
		flags: flags,
		kegs:  kegs,
		planner: &plan.Planner{
			Kegs:         kegs,
			Caskroom:     cfg.Caskroom,
			Platform:     cfg.Platform,
			ForceSource:  flags.buildFromSource,
			PrivateStore: cfg.PrivateStoreDir,
		},
		bus:    event.NewBus(),
		logger: logger,
	}
}

func (e *engine) resolver(ctx context.Context, c *CLI) (*resolve.Resolver, error) {
	catalog, metaCache, err := c.newCatalog(ctx, e.cfg)
	if err != nil {
		return nil, err
	}
	e.metaCache = metaCache
	return resolve.New(catalog, resolve.Flags{
		IncludeOptional: e.flags.includeOptional,
		SkipRecommended: e.flags.skipRecommended,
		IncludeTest:     e.flags.includeTest,
		BuildFromSource: e.planner.SourceBuild,
	}), nil
}

// Close releases the engine's event bus and metadata cache backend.
func (e *engine) Close() {
	e.bus.Close()
	if e.metaCache != nil {
		if err := e.metaCache.Close(); err != nil {
			e.logger.Debug("closing metadata cache", "error", err)
		}
	}
}

// pipeline assembles the full install pipeline for a resolved graph and plan.
func (e *engine) newPipeline(g *resolve.Graph, p *plan.Plan, workers int) *pipeline.Pipeline {
	coord := fetch.NewCoordinator(e.cfg.DownloadDir, e.cfg.Platform, e.bus, e.logger)
	coord.Client.Timeout = downloadTimeout(e.cfg)

	if workers <= 0 {
		workers = e.cfg.Workers
	}

	return &pipeline.Pipeline{
		Graph:     g,
		Plan:      p,
		Downloads: coord,
		Bottle:    install.NewTarBottleInstaller(e.logger),
		Source:    install.NewExecSourceBuilder(e.logger),
		Casks:     install.NewArtifactCaskInstaller(e.cfg.AppsDir(), e.cfg.BinDir(), e.cfg.ManDir(), e.logger),
		Linker:    install.NewPrefixLinker(e.cfg.BinDir(), e.cfg.ManDir(), e.cfg.OptDir(), e.logger),
		Kegs:      e.kegs,
		Caskroom:  e.cfg.Caskroom,
		OptDir:    e.cfg.OptDir(),
		Tap:       defaultTap,
		Workers:   workers,
		Events:    e.bus,
		Logger:    e.logger,
	}
}
