package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

const redacted = "********"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var showSecrets bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after file and env overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !showSecrets {
				if cfg.Backend.APIKey != "" {
					cfg.Backend.APIKey = redacted
				}
				if cfg.Cache.Persistence.SecretAccessKey != "" {
					cfg.Cache.Persistence.SecretAccessKey = redacted
				}
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	show.Flags().BoolVar(&showSecrets, "show-secrets", false, "print credentials instead of masking them")

	cmd.AddCommand(show)
	return cmd
}
