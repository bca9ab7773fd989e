package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ambush/internal/profile"
)

// ProfilesCmd groups the read-only profile inspection commands.
func ProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Inspect the profile store",
	}
	cmd.AddCommand(profilesListCmd())
	cmd.AddCommand(profilesShowCmd())
	cmd.AddCommand(profilesExportCmd())
	return cmd
}

func profilesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openProfileStore(cfg)
			if err != nil {
				return err
			}
			sums, err := store.List()
			if err != nil {
				return fmt.Errorf("listing profiles failed: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(sums) == 0 {
				fmt.Fprintf(out, "no profiles in %s\n", store.Dir())
				return nil
			}
			for _, s := range sums {
				locked := ""
				if s.LockedElsewhere {
					locked = " [locked]"
				}
				fmt.Fprintf(out, "%-20s network=%-10s operations=%d active=%d mode=%-10s updated=%s%s\n",
					s.Name, s.Network, s.OperationCount, s.ActiveCount,
					s.ExecutionMode, s.UpdatedAt.Format(time.RFC3339), locked)
			}
			return nil
		},
	}
}

func profilesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one profile's operations and settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openProfileStore(cfg)
			if err != nil {
				return err
			}
			agg, err := store.Load(args[0])
			if err != nil {
				return fmt.Errorf("loading profile %s failed: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "profile:  %s\n", agg.Name)
			fmt.Fprintf(out, "network:  %s\n", agg.Network)
			fmt.Fprintf(out, "mode:     %s\n", agg.Settings.ExecutionMode)
			fmt.Fprintf(out, "retries:  max=%d initial_delay=%dms max_delay=%dms\n",
				agg.Settings.MaxRetries, agg.Settings.InitialDelayMs, agg.Settings.MaxDelayMs)
			fmt.Fprintf(out, "slippage: %s%%\n", agg.Settings.SlippagePct.String())
			fmt.Fprintf(out, "updated:  %s\n", agg.UpdatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "operations (%d):\n", len(agg.Operations))
			for _, op := range agg.Operations {
				marker := " "
				if op.Active {
					marker = "*"
				}
				// Credential material is never printed, only its presence.
				cred := "missing"
				if len(op.CredentialRef) > 0 {
					cred = "set"
				}
				fmt.Fprintf(out, "  %s %-36s target=%-14s amount=%-12s status=%-9s credential=%s\n",
					marker, op.ID, op.TargetID, op.AmountIn, op.Status, cred)
			}
			return nil
		},
	}
}

func profilesExportCmd() *cobra.Command {
	var (
		output          string
		withCredentials bool
	)

	cmd := &cobra.Command{
		Use:   "export <name>",
		Short: "Export a profile as YAML",
		Long: `Export writes a profile as YAML for backup or transfer. Credential
references are omitted unless --with-credentials is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openProfileStore(cfg)
			if err != nil {
				return err
			}
			agg, err := store.Load(args[0])
			if err != nil {
				return fmt.Errorf("loading profile %s failed: %w", args[0], err)
			}
			if !withCredentials {
				for i := range agg.Operations {
					agg.Operations[i].CredentialRef = nil
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "credential references omitted (use --with-credentials to include)")
			}

			doc, err := exportYAML(agg)
			if err != nil {
				return fmt.Errorf("encoding profile failed: %w", err)
			}
			if path := strings.TrimSpace(output); path != "" {
				if err := os.WriteFile(path, doc, 0o600); err != nil {
					return fmt.Errorf("writing %s failed: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %s to %s\n", agg.Name, path)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), string(doc))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	cmd.Flags().BoolVar(&withCredentials, "with-credentials", false, "include credential references in the export")
	return cmd
}

// exportYAML renders an aggregate with the same key names as the on-disk
// JSON file, via a JSON round-trip.
func exportYAML(agg *profile.Aggregate) ([]byte, error) {
	raw, err := json.Marshal(agg)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}
