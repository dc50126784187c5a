package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"nostr-incidents/internal/client"
	"nostr-incidents/internal/publish"
	"nostr-incidents/internal/report"
)

var draft report.Draft

func init() {
	f := reportCmd.Flags()
	f.StringVar(&draft.Title, "title", "", "report title")
	f.StringVar(&draft.Summary, "summary", "", "one-line summary")
	f.StringVar(&draft.Content, "content", "", "description")
	f.StringVar(&draft.Geohash, "geohash", "", "location as a geohash")
	f.StringSliceVar(&draft.Categories, "category", nil, "category (repeatable)")
	f.StringSliceVar(&draft.FreeTags, "tag", nil, "free tag (repeatable)")
	f.StringVar(&draft.EventType, "event-type", "", "event type")
	f.StringVar(&draft.Status, "status", "", "incident status")
	deleteCmd.Flags().StringVar(&deleteReason, "reason", "", "reason shown to readers")

	rootCmd.AddCommand(reportCmd, reactCmd, commentCmd, deleteCmd)
}

// publishWith starts a client and runs fn as one user operation.
func publishWith(cmd *cobra.Command, op string, fn func(ctx context.Context, c *client.Client) (publish.Result, error)) error {
	c, err := startClient(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	var res publish.Result
	err = c.Run(cmd.Context(), op, func(ctx context.Context) error {
		var err error
		res, err = fn(ctx, c)
		return err
	})
	if err != nil {
		return errReported
	}
	if res.Queued {
		fmt.Printf("%s queued until the publish endpoint is reachable\n", res.Event.ID)
	} else {
		fmt.Println(res.Event.ID)
	}
	return nil
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Publish an incident report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishWith(cmd, "publish report", func(ctx context.Context, c *client.Client) (publish.Result, error) {
			return c.Publisher.PublishReport(ctx, draft)
		})
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <report-id> [content]",
	Short: "React to a report",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := "+"
		if len(args) == 2 {
			content = args[1]
		}
		return publishWith(cmd, "react", func(ctx context.Context, c *client.Client) (publish.Result, error) {
			return c.Publisher.React(ctx, args[0], content)
		})
	},
}

var commentCmd = &cobra.Command{
	Use:   "comment <report-id> <text>",
	Short: "Comment on a report",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishWith(cmd, "comment", func(ctx context.Context, c *client.Client) (publish.Result, error) {
			return c.Publisher.Comment(ctx, args[0], args[1])
		})
	},
}

var deleteReason string

var deleteCmd = &cobra.Command{
	Use:   "delete <report-id>",
	Short: "Retract one of your reports",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishWith(cmd, "delete", func(ctx context.Context, c *client.Client) (publish.Result, error) {
			return c.Publisher.Delete(ctx, args[0], deleteReason)
		})
	},
}
