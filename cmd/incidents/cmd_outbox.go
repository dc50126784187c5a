package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nostr-incidents/internal/cache"
)

func init() {
	rootCmd.AddCommand(drainCmd, pruneCmd)
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Send events queued while offline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := startClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		res, err := c.Publisher.Drain(cmd.Context())
		if err != nil {
			return fmt.Errorf("drain outbox: %w", err)
		}
		fmt.Printf("sent %d, still queued %d\n", res.Sent, res.Pending)
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Trim cached reports and stale profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db := cache.New(cfg.DatabasePath())
		defer db.Close()

		res, err := db.Prune(cmd.Context(), cache.PrunePolicy{
			MaxReports: cfg.Prune.MaxReports,
			ProfileTTL: cfg.Prune.ProfileTTL.Duration,
		})
		if err != nil {
			return fmt.Errorf("prune cache: %w", err)
		}
		fmt.Printf("removed %d reports, %d profiles\n", res.Reports, res.Profiles)
		return nil
	},
}
