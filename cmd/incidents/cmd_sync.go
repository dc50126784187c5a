package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nostr-incidents/internal/config"
	"nostr-incidents/internal/report"
	"nostr-incidents/internal/store"
)

var (
	syncFollow bool
	syncWait   time.Duration
	syncSearch string
)

func init() {
	syncCmd.Flags().BoolVarP(&syncFollow, "follow", "f", false, "keep running and log new reports until interrupted")
	syncCmd.Flags().DurationVar(&syncWait, "wait", 3*time.Second, "how long to collect relay events before printing")
	syncCmd.Flags().StringVar(&syncSearch, "search", "", "only show reports matching this text")
	rootCmd.AddCommand(syncCmd, statusCmd, profileCmd, threadCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch reports from relays and print the filtered feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := startClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		if syncSearch != "" {
			c.SetFilters(store.Filters{Search: syncSearch})
		}
		c.RefreshFeed(ctx, syncWait)
		printReports(c.Store.Get().FilteredReports)

		if !syncFollow {
			return nil
		}

		loader := config.NewLoader(cfgPath)
		if _, err := loader.Load(); err != nil {
			return err
		}
		loader.OnChange(func(cfg *config.Config) {
			if err := setupLogging(cfg); err != nil {
				slog.Warn("ignoring log settings", "error", err)
			}
		})
		if err := loader.Watch(); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
		defer loader.Close()

		var mu sync.Mutex
		seen := make(map[string]bool)
		for _, r := range c.Store.Get().FilteredReports {
			seen[r.ID] = true
		}
		unsubscribe := c.Store.Subscribe(func(newState, oldState store.State) {
			mu.Lock()
			defer mu.Unlock()
			for _, r := range newState.FilteredReports {
				if !seen[r.ID] {
					seen[r.ID] = true
					slog.Info("new report", "id", r.ID, "title", r.Title, "geohash", r.Geohash)
				}
			}
		})
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-loader.Errors():
				slog.Warn("config reload failed", "error", err)
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay connections and the outbox size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := startClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		st := c.Store.Get()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RELAY\tREAD\tWRITE\tSTATUS\tSOFTWARE")
		for _, r := range st.Relays {
			software := ""
			if r.Info != nil {
				software = r.Info.Software
			}
			fmt.Fprintf(w, "%s\t%t\t%t\t%s\t%s\n", r.URL, r.Read, r.Write, r.Status, software)
		}
		w.Flush()
		fmt.Printf("\nonline: %t  reports: %d  outbox: %d  focus: #%s\n",
			st.Online, len(st.Reports), st.OutboxSize, st.Settings.ActiveFocusTag())
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile <npub|hex>",
	Short: "Show an author's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pk, err := config.ParsePubKey(args[0])
		if err != nil {
			return err
		}
		c, err := startClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		p, err := c.Relays.FetchProfile(cmd.Context(), pk)
		if err != nil {
			return err
		}
		fmt.Printf("name:    %s\nabout:   %s\nnip05:   %s\nupdated: %s\n",
			p.Metadata.Name, p.Metadata.About, p.Metadata.NIP05, time.Unix(p.At, 0).Format(time.RFC3339))
		return nil
	},
}

var threadCmd = &cobra.Command{
	Use:   "thread <report-id>",
	Short: "Show reactions and comments on a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := startClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		list, err := c.Relays.FetchInteractions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tKIND\tAUTHOR\tCONTENT")
		for _, in := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				time.Unix(in.At, 0).Format("2006-01-02 15:04"), in.Kind, shortKey(in.PubKey), in.Content)
		}
		return w.Flush()
	},
}

func printReports(reports []*report.Report) {
	if len(reports) == 0 {
		fmt.Println("No reports.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tTITLE\tCATEGORIES\tGEOHASH\tAUTHOR")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			time.Unix(r.At, 0).Format("2006-01-02 15:04"),
			r.Title,
			strings.Join(r.Categories, ","),
			r.Geohash,
			shortKey(r.PubKey),
		)
	}
	w.Flush()
}

func shortKey(pk string) string {
	if len(pk) <= 8 {
		return pk
	}
	return pk[len(pk)-8:]
}
