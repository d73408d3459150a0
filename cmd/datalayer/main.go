package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vitalog/datalayer/internal/config"
)

var (
	configPath string
	logLevel   string
	debug      bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "datalayer",
		Short: "Resilient client-side access to the hosted backend",
		Long: `datalayer runs the connection manager, batch queue and query cache
in front of the hosted backend, and inspects the persisted cache snapshot.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (DEBUG, INFO, WARN, ERROR)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(newServeCmd(), newProbeCmd(), newCacheCmd(), newConfigCmd())
	return root
}

// loadConfig reads the file named by --config, applies env and flag
// overrides and validates the result.
func loadConfig() (*config.Configuration, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Global.LogLevel = logLevel
	}
	if debug {
		cfg.Global.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
