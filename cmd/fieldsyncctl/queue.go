package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/fieldsync/internal/client"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the sync queue",
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List entries the platform rejected",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			entries, err := c.ListFailed(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No failed entries.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tENTITY\tACTION\tQUEUED\tATTEMPTS\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					e.LocalID, e.Kind, e.EntityLocalID, e.Action, humanize.Time(e.Timestamp), e.Attempts, e.LastError)
			}
			return w.Flush()
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [id...]",
	Short: "Move failed entries back to pending (all when no id is given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			n, err := c.RetryFailed(ctx, args...)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(map[string]int64{"retried": n})
			}
			fmt.Printf("Re-queued %d entr%s.\n", n, plural(n, "y", "ies"))
			return nil
		})
	},
}

var queueAbandonCmd = &cobra.Command{
	Use:   "abandon <id>",
	Short: "Drop an unsynced entry without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			ok, err := c.Abandon(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(map[string]bool{"abandoned": ok})
			}
			if !ok {
				return fmt.Errorf("no unsynced entry %q", args[0])
			}
			fmt.Printf("Abandoned %s.\n", args[0])
			return nil
		})
	},
}

var pruneOlderThan time.Duration

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete synced entries older than --older-than",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			n, err := c.PruneSynced(ctx, pruneOlderThan)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(map[string]int64{"pruned": n})
			}
			fmt.Printf("Pruned %d synced entr%s.\n", n, plural(n, "y", "ies"))
			return nil
		})
	},
}

func init() {
	queuePruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 7*24*time.Hour, "minimum age of entries to delete")
	queueCmd.AddCommand(queueFailedCmd, queueRetryCmd, queueAbandonCmd, queuePruneCmd)
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
