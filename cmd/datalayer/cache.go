package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalog/datalayer/internal/config"
	"github.com/vitalog/datalayer/internal/persist"
	"github.com/vitalog/datalayer/pkg/utils"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the persisted cache snapshot",
	}
	cmd.AddCommand(newCacheInspectCmd(), newCacheClearCmd())
	return cmd
}

func openSnapshotStore(cmd *cobra.Command) (*config.Configuration, persist.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Cache.Persistence.Enabled {
		return nil, nil, fmt.Errorf("cache persistence is disabled (set cache.persistence.enabled or DATALAYER_CACHE_PERSISTENCE)")
	}
	store, err := persist.Open(cmd.Context(), cfg.Cache.Persistence)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func newCacheInspectCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the entries of the persisted snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openSnapshotStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := persist.ReadSnapshot(cmd.Context(), store)
			if err != nil {
				return err
			}
			sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Key < snap.Entries[j].Key })

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			fmt.Fprintf(out, "Location: %s\n", store.Location())
			if !snap.SavedAt.IsZero() {
				fmt.Fprintf(out, "Saved:    %s\n", snap.SavedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "Entries:  %d\n\n", len(snap.Entries))
			if len(snap.Entries) == 0 {
				return nil
			}

			now := time.Now()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tSIZE\tACCESSES\tEXPIRES\tTAGS")
			for _, e := range snap.Entries {
				expires := e.ExpiresAt.Sub(now).Round(time.Second).String()
				if !now.Before(e.ExpiresAt) {
					expires = "expired"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					e.Key, utils.FormatBytes(int64(len(e.Data))), e.AccessCount, expires, strings.Join(e.Tags, ","))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot as JSON")
	return cmd
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Replace the persisted snapshot with an empty one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openSnapshotStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := persist.Clear(cmd.Context(), store, cfg.Cache.Persistence.Compression, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", store.Location())
			return nil
		},
	}
}
