package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"nostr-incidents/internal/client"
	"nostr-incidents/internal/config"
	"nostr-incidents/internal/logging"
)

var (
	cfgPath    string
	passphrase string
)

// errReported marks failures the client notifier already printed.
var errReported = errors.New("reported")

var rootCmd = &cobra.Command{
	Use:           "incidents",
	Short:         "Headless Nostr incident map client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		return setupLogging(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.Path(), "config file path (.toml, .yaml or .json)")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", os.Getenv("INCIDENTS_PASSPHRASE"), "passphrase protecting the local key")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	_, err := logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Format: logging.Format(cfg.Log.Format),
	})
	return err
}

// openClient builds a client for cfg. Start is left to the caller so that
// commands touching only local state stay offline.
func openClient(cfg *config.Config) (*client.Client, error) {
	c, err := client.New(client.Options{
		Config: cfg,
		Notifier: client.NotifierFunc(func(op string, err error) {
			slog.Debug("operation failed", "op", op, "error", err)
			fmt.Fprintf(os.Stderr, "%s failed: %s\n", op, client.Describe(err))
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return c, nil
}

// startClient builds and starts a client.
func startClient(ctx context.Context) (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := openClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if passphrase != "" && c.Identity.Record() != nil {
		if err := c.Unlock(passphrase); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}
