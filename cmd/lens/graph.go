package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ervanalb/lens/pkg/config"
	"github.com/ervanalb/lens/pkg/layer"
	"github.com/ervanalb/lens/pkg/link"
	"github.com/ervanalb/lens/pkg/stack"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the layer graph the configuration builds",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printGraph(cmd.OutOrStdout(), cfg)
	},
}

func printGraph(w io.Writer, cfg *config.Config) error {
	kind, err := stack.KindFor(cfg.Link.Mode)
	if err != nil {
		return err
	}
	root := link.New(config.RootLayer, kind, link.NewMemoryPort(cfg.Link.Alice, false), link.NewMemoryPort(cfg.Link.Bob, false))
	g, err := stack.Build(cfg, root)
	if err != nil {
		return err
	}
	g.Walk(func(_ layer.Handle, depth int, l layer.Layer) {
		fmt.Fprintf(w, "%s%s (%T)\n", strings.Repeat("  ", depth), l.Name(), l)
	})
	return nil
}
