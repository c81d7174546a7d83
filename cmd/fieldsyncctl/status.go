package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/fieldsync/internal/client"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue and cache status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			st, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(st)
			}
			network := "online"
			switch {
			case st.IsOffline:
				network = "offline"
				if !st.LastOnlineAt.IsZero() {
					network += " (last online " + humanize.Time(st.LastOnlineAt) + ")"
				}
			case st.WasOffline:
				network = "online (reconnected)"
			}
			lastDrain := "never"
			if !st.LastDrainAt.IsZero() {
				lastDrain = humanize.Time(st.LastDrainAt)
			}
			fmt.Printf("Profile:    %s\n", st.Profile)
			fmt.Printf("Network:    %s\n", network)
			fmt.Printf("Pending:    %s\n", humanize.Comma(st.Pending))
			fmt.Printf("Failed:     %s\n", humanize.Comma(st.Failed))
			fmt.Printf("Last drain: %s\n", lastDrain)
			fmt.Printf("Video cache: %s", humanize.Bytes(uint64(max(st.CacheBytes, 0))))
			if st.CacheBudget > 0 {
				fmt.Printf(" of %s", humanize.Bytes(uint64(st.CacheBudget)))
			}
			fmt.Println()
			fmt.Printf("Uptime:     %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
			return nil
		})
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay pending queue entries now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			res, err := c.Drain(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(res)
			}
			fmt.Printf("Synced %d, failed %d, postponed %d, skipped %d in %s\n",
				res.Synced, res.Failed, res.Postponed, res.Skipped, res.Duration.Round(time.Millisecond))
			return nil
		})
	},
}
