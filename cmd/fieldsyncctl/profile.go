package main

import (
	"fmt"

	"github.com/matheus3301/fieldsync/internal/config"
	"github.com/matheus3301/fieldsync/internal/lock"
	"github.com/matheus3301/fieldsync/internal/profile"
	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "List profiles and choose the default",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := profile.List()
		if err != nil {
			return err
		}
		current := profile.Resolve(profileFlag)
		type row struct {
			Name    string `json:"name"`
			Current bool   `json:"current"`
			PID     int    `json:"daemonPid,omitempty"`
		}
		rows := make([]row, len(names))
		for i, n := range names {
			rows[i] = row{Name: n, Current: n == current, PID: lock.Owner(profile.Dir(n))}
		}
		if jsonFlag {
			return outputJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("No profiles found.")
			return nil
		}
		for _, r := range rows {
			mark := " "
			if r.Current {
				mark = "*"
			}
			state := "stopped"
			if r.PID != 0 {
				state = fmt.Sprintf("running (pid %d)", r.PID)
			}
			fmt.Printf("%s %-20s %s\n", mark, r.Name, state)
		}
		return nil
	},
}

var profileUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set the default profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return useProfile(args[0])
	},
}

func useProfile(name string) error {
	if err := config.SetDefaultProfile(profile.ConfigPath(), name); err != nil {
		return err
	}
	if err := profile.EnsureDir(name); err != nil {
		return err
	}
	fmt.Printf("Default profile set to %q.\n", name)
	return nil
}

func init() {
	profileCmd.AddCommand(profileListCmd, profileUseCmd)
}
