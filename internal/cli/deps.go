package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/resolve"
)

// =============================================================================
// deps
// =============================================================================

func (c *CLI) depsCommand() *cobra.Command {
	var (
		flags     installFlags
		asTree    bool
		graphFile string
	)
	cmd := &cobra.Command{
		Use:   "deps <package>...",
		Short: "Show the resolved dependency graph",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			resolver, err := eng.resolver(cmd.Context(), c)
			if err != nil {
				return err
			}
			graph, err := resolver.Resolve(cmd.Context(), args)
			if err != nil {
				return err
			}

			if graphFile != "" {
				return writeGraphFile(cmd, graph, graphFile)
			}
			if asTree {
				printTrees(graph, args)
				return nil
			}
			for _, node := range graph.Order() {
				line := node.Name
				if tags := node.Tags.String(); tags != "" && tags != "runtime" {
					line += " " + StyleDim.Render("["+tags+"]")
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.includeOptional, "include-optional", false, "follow optional dependencies")
	cmd.Flags().BoolVar(&flags.skipRecommended, "skip-recommended", false, "ignore recommended dependencies")
	cmd.Flags().BoolVar(&flags.includeTest, "include-test", false, "follow test dependencies of source builds")
	cmd.Flags().BoolVarP(&flags.buildFromSource, "build-from-source", "s", false, "resolve as if building from source")
	cmd.Flags().BoolVar(&asTree, "tree", false, "render as a tree per requested package")
	cmd.Flags().StringVar(&graphFile, "graph", "", "write the graph to FILE (.dot or .svg)")
	return cmd
}

// writeGraphFile exports the graph as DOT or rendered SVG depending on the
// file extension.
func writeGraphFile(cmd *cobra.Command, g *resolve.Graph, path string) error {
	dot := resolve.ToDOT(g)

	var data []byte
	switch {
	case strings.HasSuffix(path, ".svg"):
		svg, err := resolve.RenderSVG(cmd.Context(), dot)
		if err != nil {
			return err
		}
		data = svg
	case strings.HasSuffix(path, ".dot"):
		data = []byte(dot)
	default:
		return cerrors.New(cerrors.ErrCodeInvalidInput, "unsupported graph format %q (use .dot or .svg)", path)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeIO, err, "writing %s", path)
	}
	printSuccess("Graph written")
	printFile(path)
	return nil
}

// printTrees renders each requested root as an indented dependency tree.
// Shared dependencies repeat under every parent, like a directory listing.
func printTrees(g *resolve.Graph, roots []string) {
	for _, root := range roots {
		if _, ok := g.Node(root); !ok {
			continue
		}
		fmt.Println(StyleTitle.Render(root))
		printSubtree(g, root, "", map[string]bool{root: true})
	}
}

func printSubtree(g *resolve.Graph, name, indent string, onPath map[string]bool) {
	deps := g.DependenciesOf(name)
	for i, dep := range deps {
		connector, childIndent := "├── ", indent+"│   "
		if i == len(deps)-1 {
			connector, childIndent = "└── ", indent+"    "
		}
		fmt.Println(indent + connector + dep)
		if onPath[dep] {
			continue
		}
		onPath[dep] = true
		printSubtree(g, dep, childIndent, onPath)
		delete(onPath, dep)
	}
}
