package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ervanalb/lens/pkg/config"
	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/link"
	"github.com/ervanalb/lens/pkg/logging"
	"github.com/ervanalb/lens/pkg/stack"
)

var replayOpts struct {
	alice string
	bob   string
	out   string
	mode  string
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run two pcap captures through the layer graph",
	Long: `Feed a capture taken on each side through the configured graph, merged
by timestamp, as if the frames had arrived live. Time-dependent state such as
timestamp estimation follows capture time. With --out, the frames the graph
emits towards each side are written to <out>.0.pcap and <out>.1.pcap.

Examples:
  lens replay --alice a.pcap --bob b.pcap --out spliced
  lens replay -c tun.yaml --alice a.pcap --bob b.pcap`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if replayOpts.mode != "" {
			cfg.Link.Mode = replayOpts.mode
		}
		return runReplay(cmd, cfg)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayOpts.alice, "alice", "", "capture of frames sent by alice (required)")
	replayCmd.Flags().StringVar(&replayOpts.bob, "bob", "", "capture of frames sent by bob (required)")
	replayCmd.Flags().StringVarP(&replayOpts.out, "out", "o", "", "pcap prefix for the emitted frames")
	replayCmd.Flags().StringVar(&replayOpts.mode, "mode", "", "link mode of the captures (ethernet or tun)")
	replayCmd.MarkFlagRequired("alice")
	replayCmd.MarkFlagRequired("bob")
}

func runReplay(cmd *cobra.Command, cfg *config.Config) error {
	kind, err := stack.KindFor(cfg.Link.Mode)
	if err != nil {
		return err
	}
	a, err := os.Open(replayOpts.alice)
	if err != nil {
		return err
	}
	defer a.Close()
	b, err := os.Open(replayOpts.bob)
	if err != nil {
		return err
	}
	defer b.Close()

	l := link.New(config.RootLayer, kind, link.NewMemoryPort("alice", false), link.NewMemoryPort("bob", false))
	if replayOpts.out != "" {
		d, err := link.NewDumper(replayOpts.out, kind)
		if err != nil {
			return err
		}
		defer d.Close()
		l.SetDumper(d)
	}

	g, err := stack.Build(cfg, l)
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}
	clock := &link.ReplayClock{}
	for _, s := range stack.Splicers(g) {
		s.SetClock(clock.Now)
	}

	n, err := link.Replay(cmd.Context(), l, a, b, clock)
	if err != nil {
		return fmt.Errorf("replay after %d frames: %w", n, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "replayed %d frames\n", n)
	for _, side := range []core.Side{core.Alice, core.Bob} {
		m := l.Metrics(side)
		fmt.Fprintf(out, "  to %s: %d frames, %d bytes\n", side, m.PacketsWritten, m.BytesWritten)
	}
	for _, s := range stack.Splicers(g) {
		for _, c := range s.Connections() {
			fmt.Fprintf(out, "  %s %s: %s/%s\n", s.Name(), c.ID, c.Sender.State, c.Receiver.State)
		}
	}
	logging.Debugf("replay finished: %d frames", n)
	return nil
}
