package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/fieldsync/internal/api"
	"github.com/matheus3301/fieldsync/internal/client"
	"github.com/matheus3301/fieldsync/internal/entity"
	"github.com/spf13/cobra"
)

var (
	dataFlag string
	fileFlag string
	idFlag   string
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Read and write local records (patients, sessions, exercises, progress_notes)",
	Long: `Writes go through the daemon's mutation engine: the local record and its
sync queue entry are stored together and replayed when the device is online.`,
}

var entitySaveCmd = &cobra.Command{
	Use:   "save <kind>",
	Short: "Create an entity, or save over an existing one with --id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readPayload(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			res, err := c.SaveEntity(ctx, entity.Kind(args[0]), idFlag, data)
			if err != nil {
				return err
			}
			return printMutation(res)
		})
	},
}

var entityUpdateCmd = &cobra.Command{
	Use:   "update <kind> <local-id>",
	Short: "Replace the payload of an existing entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readPayload(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			res, err := c.UpdateEntity(ctx, entity.Kind(args[0]), args[1], data)
			if err != nil {
				return err
			}
			return printMutation(res)
		})
	},
}

var entityDeleteCmd = &cobra.Command{
	Use:   "delete <kind> <local-id>",
	Short: "Delete an entity locally and queue the remote delete",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			res, err := c.DeleteEntity(ctx, entity.Kind(args[0]), args[1])
			if err != nil {
				return err
			}
			return printMutation(res)
		})
	},
}

var entityGetCmd = &cobra.Command{
	Use:   "get <kind> <local-id>",
	Short: "Show one entity with its sync state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			rec, err := c.GetEntity(ctx, entity.Kind(args[0]), args[1])
			if err != nil {
				return err
			}
			return outputJSON(rec)
		})
	},
}

var entityListCmd = &cobra.Command{
	Use:   "list <kind>",
	Short: "List every entity of a kind",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			recs, err := c.ListEntities(ctx, entity.Kind(args[0]))
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(recs)
			}
			if len(recs) == 0 {
				fmt.Printf("No %s.\n", args[0])
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LOCAL ID\tSERVER ID\tSYNCED\tCHANGED\tDATA")
			for _, r := range recs {
				serverID := r.ServerID
				if serverID == "" {
					serverID = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
					r.LocalID, serverID, r.Synced, humanize.Time(r.Timestamp), r.Data)
			}
			return w.Flush()
		})
	},
}

// readPayload returns the JSON given by --data or --file ("-" is stdin).
func readPayload(stdin io.Reader) (json.RawMessage, error) {
	var raw []byte
	switch {
	case dataFlag != "" && fileFlag != "":
		return nil, errors.New("use either --data or --file, not both")
	case dataFlag != "":
		raw = []byte(dataFlag)
	case fileFlag == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		raw = b
	case fileFlag != "":
		b, err := os.ReadFile(fileFlag)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, errors.New("a payload is required: --data '<json>' or --file <path>")
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func printMutation(res *api.MutationResult) error {
	if jsonFlag {
		return outputJSON(res)
	}
	if !res.Queued {
		fmt.Printf("Nothing to do for %s %s.\n", res.Kind, res.LocalID)
		return nil
	}
	fmt.Printf("Queued %s of %s %s (entry %s).\n", res.Action, res.Kind, res.LocalID, res.QueueID)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{entitySaveCmd, entityUpdateCmd} {
		c.Flags().StringVar(&dataFlag, "data", "", "JSON payload")
		c.Flags().StringVarP(&fileFlag, "file", "f", "", "read the JSON payload from a file (- for stdin)")
	}
	entitySaveCmd.Flags().StringVar(&idFlag, "id", "", "local id to save under (default: new id)")
	entityCmd.AddCommand(entitySaveCmd, entityUpdateCmd, entityDeleteCmd, entityGetCmd, entityListCmd)
}
