package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/kubebox/internal/config"
)

var (
	configFlag string
	serverFlag string
)

var rootCmd = &cobra.Command{
	Use:   "kubebox",
	Short: "kubebox - disposable Kubernetes clusters on demand",
	Long: `kubebox hands out short-lived Kubernetes-in-Docker clusters.

Each browser or agent session gets at most one cluster, can run kubectl
commands against it, and the cluster is deleted when its lifetime runs out.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./kubebox.yaml or ~/.kubebox/kubebox.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "kubebox server URL for client commands (overrides config)")
}

func loadConfig() (*config.Config, error) {
	if configFlag != "" {
		return config.LoadFile(configFlag)
	}
	return config.Load()
}

// setup loads the config and builds the process logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serverURL(cfg *config.Config) string {
	if serverFlag != "" {
		return serverFlag
	}
	return cfg.Client.ServerURL
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
