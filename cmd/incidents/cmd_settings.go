package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(exportCmd, importCmd, relayCmd)
	relayCmd.AddCommand(relayAddCmd, relayRemoveCmd)
	relayAddCmd.Flags().BoolVar(&relayReadOnly, "read-only", false, "do not publish to this relay")
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write settings and followed authors as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := openClient(cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Settings.Load(cmd.Context()); err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("create %s: %w", args[0], err)
			}
			defer f.Close()
			w = f
		}
		return c.Settings.Export(w)
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace settings and followed authors from an export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := openClient(cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Settings.Load(cmd.Context()); err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer f.Close()
		if err := c.Settings.Import(cmd.Context(), f); err != nil {
			return err
		}
		rec := c.Settings.Record()
		fmt.Printf("imported %d relays, %d followed authors\n", len(rec.Relays), len(c.Settings.Followed()))
		return nil
	},
}

var relayReadOnly bool

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Manage the relay list",
}

var relayAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Add a relay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := openClient(cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Settings.Load(cmd.Context()); err != nil {
			return err
		}
		return c.Settings.AddRelay(cmd.Context(), args[0], true, !relayReadOnly)
	},
}

var relayRemoveCmd = &cobra.Command{
	Use:   "remove <url>",
	Short: "Remove a relay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := openClient(cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Settings.Load(cmd.Context()); err != nil {
			return err
		}
		return c.Settings.RemoveRelay(cmd.Context(), args[0])
	},
}
