// Command gistit-node runs the overlay node daemon described in
// spec.md: it binds the two IPC sockets, joins the Kademlia overlay,
// and drives the Event Loop until a Shutdown instruction or a process
// signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/demfabris/gistit/internal/config"
	"github.com/demfabris/gistit/internal/daemon"
	"github.com/demfabris/gistit/internal/errs"
	"github.com/demfabris/gistit/internal/eventloop"
	"github.com/demfabris/gistit/internal/identity"
	"github.com/demfabris/gistit/internal/ipc"
	"github.com/demfabris/gistit/internal/overlay"
	"github.com/demfabris/gistit/internal/snippet"
)

var log = logging.Logger("gistit/node")

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on clean shutdown, non-zero for
// any fatal lifecycle error (spec.md §6).
func run() int {
	var cfg config.Config = config.Default()

	cmd := &cobra.Command{
		Use:           "gistit-node",
		Short:         "run the gistit overlay node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.BindCobra(cmd, &cfg)

	exitCode := 0
	cmd.RunE = func(_ *cobra.Command, _ []string) error {
		code, err := startAndRun(cfg)
		exitCode = code
		return err
	}

	if err := cmd.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = 1
		}
		fmt.Fprintln(os.Stderr, "gistit-node:", err)
	}
	return exitCode
}

// startAndRun performs every startup bind, detaches from the
// controlling terminal once they have all succeeded, and then drives
// the Event Loop until shutdown.
func startAndRun(cfg config.Config) (int, error) {
	logging.SetLogLevelRegex("gistit/.*", cfg.LogLevel)

	seeds, err := parseSeeds(cfg.Dial)
	if err != nil {
		return 1, err
	}

	priv, err := identity.Load(cfg.KeyFile)
	if err != nil {
		return 1, err
	}

	node, err := ipc.Listen(ipc.NodePath())
	if err != nil {
		return 1, err
	}
	defer node.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenAddrs := []string{
		fmt.Sprintf("/ip4/%s/tcp/%d", cfg.Host, cfg.Port),
		fmt.Sprintf("/ip4/%s/tcp/%d/ws", cfg.Host, cfg.Port),
	}
	ov, err := overlay.New(ctx, overlay.Config{PrivKey: priv, ListenAddrs: listenAddrs})
	if err != nil {
		return 1, errs.Config("main.overlay", err)
	}
	defer ov.Close()

	log.Infow("node ready", "peer_id", ov.ID().String(), "addrs", ov.Addrs())

	if len(seeds) > 0 || cfg.Bootstrap {
		if err := ov.Bootstrap(ctx, seeds); err != nil {
			log.Warnw("initial bootstrap reported an error", "err", err)
		}
	}

	if !daemon.IsChild() {
		if err := daemon.Detach(); err != nil {
			return 1, err
		}
		// Detach exits the parent process directly; unreached here.
	}

	hosted := snippet.NewHostedSet()
	metrics := eventloop.NewMetrics(prometheus.NewRegistry())
	loop := eventloop.New(node, ipc.ClientPath(), ov, hosted, metrics)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Infow("received shutdown signal")
		cancel()
	}()

	if err := loop.Run(ctx); err != nil {
		return 1, err
	}
	return 0, nil
}

func parseSeeds(addrs []string) ([]ma.Multiaddr, error) {
	seeds := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, errs.Config("main.parse-seed", fmt.Errorf("invalid seed multiaddr %q: %w", s, err))
		}
		seeds = append(seeds, addr)
	}
	return seeds, nil
}
