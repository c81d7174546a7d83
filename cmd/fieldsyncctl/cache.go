package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/fieldsync/internal/client"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the offline video cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cached video count and size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			st, err := c.CacheStats(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(st)
			}
			fmt.Printf("Videos: %d\n", st.Count)
			fmt.Printf("Size:   %s\n", humanize.Bytes(uint64(max(st.Bytes, 0))))
			if st.Budget > 0 {
				fmt.Printf("Budget: %s\n", humanize.Bytes(uint64(st.Budget)))
			} else {
				fmt.Println("Budget: unlimited")
			}
			if st.Count > 0 {
				fmt.Printf("Oldest: %s\n", humanize.Time(st.Oldest))
			}
			return nil
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached video",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.ClearCache(ctx); err != nil {
				return err
			}
			fmt.Println("Video cache cleared.")
			return nil
		})
	},
}

var cacheFetchCmd = &cobra.Command{
	Use:   "fetch <video-id>",
	Short: "Download a video into the cache if it is not there yet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			info, err := c.EnsureVideo(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(info)
			}
			fmt.Printf("Video %s cached (%s).\n", info.ID, humanize.Bytes(uint64(max(info.Size, 0))))
			return nil
		})
	},
}

var outputFlag string

var cacheGetCmd = &cobra.Command{
	Use:   "get <video-id>",
	Short: "Write a cached video to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if outputFlag == "" {
			return errors.New("--output is required")
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			blob, err := c.GetVideo(ctx, args[0])
			if err != nil {
				return err
			}
			if err := os.WriteFile(outputFlag, blob, 0600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s to %s.\n", humanize.Bytes(uint64(len(blob))), outputFlag)
			return nil
		})
	},
}

func init() {
	cacheGetCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "destination file")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cacheFetchCmd, cacheGetCmd)
}
