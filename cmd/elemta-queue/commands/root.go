// Package commands implements the elemta-queue command line.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-queue/cmd/elemta-queue/client"
	"github.com/busybox42/elemta-queue/internal/config"
)

var (
	configPath string
	apiAddr    string

	rootCmd = newRootCmd()
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "elemta-queue",
		Short: "Elemta outbound delivery queue",
		Long: `elemta-queue holds accepted messages, delivers them to the mail exchangers
of each recipient domain, retries temporary failures with exponential backoff
and returns delivery status notifications for recipients that cannot be reached.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&apiAddr, "api", "", "Admin API address (defaults to api.listen_addr)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// newClient returns an API client for --api, or for the configured listen
// address.
func newClient() (*client.Client, error) {
	if apiAddr != "" {
		return client.NewClient(apiAddr), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.API.Enabled {
		return nil, fmt.Errorf("the admin API is disabled in %s", describePath(cfg.Path))
	}
	return client.NewClient(cfg.API.ListenAddr), nil
}

func describePath(path string) string {
	if path == "" {
		return "the default configuration"
	}
	return path
}
