// Package cli defines the ambush command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// RootCmd builds the root command with all subcommands attached.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ambush",
		Short: "Arm orders against a venue and fire them the moment it comes back online",
		Long: `ambush watches a trading venue's health endpoint and, on the
offline-to-online transition, executes the armed operations of a profile
through a bounded-retry engine. Profiles, locks and run history live on
disk; an HTTP API and dashboard expose the armed session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "config file (default configs/config.yaml, or $AMBUSH_CONFIG)")

	cmd.AddCommand(RunCmd())
	cmd.AddCommand(CheckCmd())
	cmd.AddCommand(ProfilesCmd())
	cmd.AddCommand(LocksCmd())
	return cmd
}
