package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var logoutForget bool

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd, keysImportCmd, keysShowCmd, keysLogoutCmd)
	keysLogoutCmd.Flags().BoolVar(&logoutForget, "forget", false, "also erase the stored encrypted key")
}

var errNoPassphrase = errors.New("a passphrase is required (--passphrase or INCIDENTS_PASSPHRASE)")

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the signing identity",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create a new key, encrypted with the passphrase",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if passphrase == "" {
			return errNoPassphrase
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := openClient(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.Generate(passphrase); err != nil {
			return err
		}
		npub, err := c.Identity.NPub()
		if err != nil {
			return err
		}
		fmt.Println(npub)
		return nil
	},
}

var keysImportCmd = &cobra.Command{
	Use:   "import <nsec|hex>",
	Short: "Store an existing secret key, encrypted with the passphrase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if passphrase == "" {
			return errNoPassphrase
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := openClient(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.ImportKey(args[0], passphrase); err != nil {
			return err
		}
		npub, err := c.Identity.NPub()
		if err != nil {
			return err
		}
		fmt.Println(npub)
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the public key",
	Args:  cobra.NoArgs,
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

		rec := c.Identity.Record()
		if rec == nil {
			fmt.Println("No identity stored.")
			return nil
		}
		npub, err := c.Identity.NPub()
		if err != nil {
			return err
		}
		fmt.Printf("%s\n%s (%s)\n", npub, rec.PublicKey, rec.AuthMethod)
		return nil
	},
}

var keysLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the unlocked key",
	Args:  cobra.NoArgs,
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
		return c.Logout(logoutForget)
	},
}
