// Command midrender is the entrypoint for a MidRender farm node.
//
// Command structure:
//
//	midrender run      # join the farm and start serving work
//	midrender status    # inspect a farm root without joining it
//	midrender --version
//
// Grounded on the teacher's internal/cli.BuildCLI() command tree (root
// command, --config persistent flag, run/status subcommands, SIGINT/
// SIGTERM shutdown) but pointed at internal/config.Load and
// internal/supervisor instead of the teacher's gRPC master/worker split.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cbkow/mid-render/internal/config"
	"github.com/cbkow/mid-render/internal/farmfs"
	"github.com/cbkow/mid-render/internal/logging"
	"github.com/cbkow/mid-render/internal/metrics"
	"github.com/cbkow/mid-render/internal/supervisor"
)

var configFile string

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "midrender",
		Short:   "MidRender: a leaderless render-farm coordinator",
		Long:    "MidRender coordinates chunked renders across a farm of nodes with no permanently fixed leader: election picks exactly one active dispatcher at a time, and any node can win the next election and take over a dead leader's in-flight work.",
		Version: "1.0.0",
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildStatusCommand())

	return root
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the farm and start serving render work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode()
		},
	}
	return cmd
}

func runNode() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	node, err := supervisor.New(cfg, logging.New("startup"))
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("midrender node starting")
	if err := node.Run(ctx); err != nil {
		return fmt.Errorf("node run: %w", err)
	}
	log.Println("midrender node stopped")
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a farm root's known nodes without joining it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	layout, err := farmfs.Init(cfg.Node.FarmRoot)
	if err != nil {
		return fmt.Errorf("open farm root: %w", err)
	}

	fmt.Println("MidRender farm status")
	fmt.Printf("  config file:   %s\n", configFile)
	fmt.Printf("  farm root:     %s\n", layout.Root())
	fmt.Printf("  http:          %s:%d\n", cfg.HTTP.Host, cfg.HTTP.Port)
	fmt.Printf("  udp multicast: %s\n", cfg.UDP.MulticastAddr)
	fmt.Println()

	ids, err := layout.ListNodeDirs()
	if err != nil {
		return fmt.Errorf("list node dirs: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("  no nodes have ever registered in this farm root")
		return nil
	}

	fmt.Printf("  known nodes (%d):\n", len(ids))
	for _, id := range ids {
		nodeDir, err := layout.NodeDir(id)
		if err != nil {
			fmt.Printf("    %s: %v\n", id, err)
			continue
		}
		ep, err := farmfs.NewEndpointManager(nodeDir).Read()
		if err != nil {
			fmt.Printf("    %s: no endpoint file yet\n", id)
			continue
		}
		fmt.Printf("    %s  %s:%d\n", id, ep.IP, ep.Port)
	}
	return nil
}
