// Command coordinator runs the zonekeeper coordinator: it accepts node
// pre-registrations and agent sessions over HTTP and drives them into a
// monitoring topology with the configured server coordinator.
//
// Usage:
//
//	coordinator serve --config zonekeeper.yaml
//	coordinator version
//
// See package config for the configuration file and environment variables.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamware/zonekeeper/internal/config"
	"github.com/dreamware/zonekeeper/internal/logging"
)

// version is set at build time with -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "coordinator",
		Short:        "Bring up monitoring topologies for registered nodes",
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "zonekeeper coordinator %s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the coordinator version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "zonekeeper coordinator %s\n", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := newApp(cfg, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file (YAML); defaults apply when empty")
	return cmd
}
