package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ervanalb/lens/pkg/config"
	"github.com/ervanalb/lens/pkg/link"
	"github.com/ervanalb/lens/pkg/logging"
	"github.com/ervanalb/lens/pkg/stack"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Intercept traffic between two live interfaces",
	Long: `Attach to the configured interfaces and splice traffic until
interrupted. In ethernet mode both interfaces are opened as raw AF_PACKET
sockets; in tun mode two TUN devices are created.

Examples:
  lens run -c lens.yaml
  LENS_LINK_ALICE=eth2 LENS_LINK_BOB=eth3 lens run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runLens(ctx, cfg)
	},
}

func openPorts(cfg *config.Config) (alice, bob link.Port, err error) {
	open := func(name string) (link.Port, error) {
		if cfg.Link.Mode == config.ModeTUN {
			return link.OpenTUN(name, cfg.Link.MTU)
		}
		return link.OpenEthernet(name, cfg.Link.Promiscuous)
	}
	if alice, err = open(cfg.Link.Alice); err != nil {
		return nil, nil, err
	}
	if bob, err = open(cfg.Link.Bob); err != nil {
		_ = alice.Close()
		return nil, nil, err
	}
	return alice, bob, nil
}

func runLens(ctx context.Context, cfg *config.Config) error {
	kind, err := stack.KindFor(cfg.Link.Mode)
	if err != nil {
		return err
	}
	alice, bob, err := openPorts(cfg)
	if err != nil {
		return err
	}

	l := link.New(config.RootLayer, kind, alice, bob)
	if cfg.Link.Dump != "" {
		d, err := link.NewDumper(cfg.Link.Dump, kind)
		if err != nil {
			_ = alice.Close()
			_ = bob.Close()
			return err
		}
		defer d.Close()
		l.SetDumper(d)
		logging.Infof("Dumping frames to %s and %s", link.DumpPath(cfg.Link.Dump, 0), link.DumpPath(cfg.Link.Dump, 1))
	}

	g, err := stack.Build(cfg, l)
	if err != nil {
		_ = alice.Close()
		_ = bob.Close()
		return fmt.Errorf("build graph: %w", err)
	}

	st := newStatus(l, g)
	if cfg.Status.Listen != "" {
		go func() {
			if err := st.serve(ctx, cfg.Status.Listen); err != nil {
				logging.Errorf("status endpoint: %v", err)
			}
		}()
	}
	if cfg.Status.ReportInterval > 0 {
		go st.report(ctx, time.Duration(cfg.Status.ReportInterval)*time.Second)
	}

	return l.Run(ctx)
}
