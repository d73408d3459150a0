package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vitalog/datalayer/internal/connection"
	"github.com/vitalog/datalayer/internal/datalayer"
	"github.com/vitalog/datalayer/pkg/utils"
)

func newProbeCmd() *cobra.Command {
	var noRetry bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to the backend once and print connection health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Metrics.Enabled = false
			cfg.Cache.Persistence.Enabled = false

			logger := utils.NopLogger()
			if cfg.Global.Debug {
				if logger, err = datalayer.NewLogger(cfg.Global); err != nil {
					return err
				}
			}
			svc, err := datalayer.New(cmd.Context(), cfg, datalayer.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer svc.Close()

			var opts []connection.GetOption
			if noRetry {
				opts = append(opts, connection.WithRetry(false, 0))
			}
			_, connErr := svc.Connection().Get(cmd.Context(), opts...)
			online := connErr == nil && svc.Queue().CheckNetwork(cmd.Context())

			out := struct {
				Online bool              `json:"online"`
				Health connection.Health `json:"health"`
			}{Online: online, Health: svc.Connection().Health()}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if connErr != nil {
				return fmt.Errorf("backend unreachable: %w", connErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noRetry, "no-retry", false, "fail on the first connection error")
	return cmd
}
