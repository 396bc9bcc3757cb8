package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/agent"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/api"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/config"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/manager"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodesman",
	Short: "Nodesman - control plane for blockchain full-node fleets",
	Long: `Nodesman is a two-tier control plane for fleets of blockchain
full-nodes and relayer processes. The manager drives health monitoring,
scheduled maintenance, and operation coordination across many hosts; the
agent runs on each host and executes local service-control and
data-movement operations on the manager's behalf.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nodesman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	managerCmd.Flags().String("config", "manager.yaml", "Path to the manager configuration file")
	agentCmd.Flags().String("config", "agent.yaml", "Path to the agent configuration file")

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(agentCmd)
}

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the fleet manager",
	Long: `Run the central manager: probes node RPC endpoints for liveness,
schedules periodic pruning, snapshot, and state-sync jobs, coordinates
per-target mutual exclusion, and raises alerts on health transitions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.LoadManager(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})

		mgr, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		if err := mgr.Start(); err != nil {
			return err
		}

		apiServer := api.NewServer(mgr)
		errCh := make(chan error, 1)
		go func() {
			errCh <- apiServer.Start(cfg.ListenAddr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			log.WithComponent("main").Error().Err(err).Msg("API server stopped")
		}

		_ = apiServer.Close()
		mgr.Stop()
		return nil
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the host agent",
	Long: `Run the per-host agent: an authenticated HTTP API that executes
service control, snapshot, pruning, and state-sync operations on this host
on behalf of the manager.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.LoadAgent(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})

		jobs := agent.NewJobManager(time.Duration(cfg.JobTTLHours) * time.Hour)
		jobs.Start()

		ops := agent.NewOperations(agent.ShellRunner{})
		server := agent.NewServer(cfg, ops, jobs)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			log.WithComponent("main").Error().Err(err).Msg("agent API stopped")
		}

		_ = server.Close()
		jobs.Stop()
		return nil
	},
}
