package resolve

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"

	"github.com/matzehuels/cellarman/pkg/definition"
)

// ToDOT converts a resolved graph to Graphviz DOT format. Roots are drawn
// bold; packages pulled in only as build dependencies are drawn dashed.
func ToDOT(g *Graph) string {
	var buf bytes.Buffer
	buf.WriteString("digraph deps {\n")
	buf.WriteString("  rankdir=TB;\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white, margin=\"0.2,0.1\"];\n")
	buf.WriteString("\n")

	for _, node := range g.Order() {
		label := fmt.Sprintf("%s\n%s", node.Name, node.Definition.PackageVersion())
		attrs := []string{fmt.Sprintf("label=%q", label)}
		tags := node.Tags.Effective()
		switch {
		case node.Root:
			attrs = append(attrs, "penwidth=2")
		case tags.Has(definition.TagBuild) && !tags.Has(definition.TagRuntime):
			attrs = append(attrs, "style=\"rounded,filled,dashed\"", "fillcolor=lightgrey")
		}
		fmt.Fprintf(&buf, "  %q [%s];\n", node.Name, strings.Join(attrs, ", "))
	}

	buf.WriteString("\n")
	for _, node := range g.Order() {
		for _, dep := range g.DependenciesOf(node.Name) {
			fmt.Fprintf(&buf, "  %q -> %q;\n", node.Name, dep)
		}
	}

	buf.WriteString("}\n")
	return buf.String()
}

// RenderSVG renders a DOT graph to SVG using Graphviz.
func RenderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	parsed, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer parsed.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, parsed, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render SVG: %w", err)
	}
	return buf.Bytes(), nil
}
