package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ambush/internal/lockfile"
)

// LocksCmd groups lock maintenance commands.
func LocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Maintain profile locks",
	}
	cmd.AddCommand(locksCleanCmd())
	cmd.AddCommand(locksAuditCmd())
	return cmd
}

func locksCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove stale profile locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			guard, err := newGuard(cfg)
			if err != nil {
				return fmt.Errorf("initializing lock guard failed: %w", err)
			}
			if path := strings.TrimSpace(cfg.Store.LockAuditPath); path != "" {
				audit, err := lockfile.OpenAudit(path)
				if err != nil {
					return fmt.Errorf("opening lock audit failed: %w", err)
				}
				defer audit.Close()
				guard.SetAudit(audit)
			}
			removed, err := guard.CleanupStale()
			if err != nil {
				return fmt.Errorf("cleaning stale locks failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale lock(s)\n", removed)
			return nil
		},
	}
}

func locksAuditCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent lock activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := strings.TrimSpace(cfg.Store.LockAuditPath)
			if path == "" {
				return fmt.Errorf("store.lock_audit_path is not configured")
			}
			audit, err := lockfile.OpenAudit(path)
			if err != nil {
				return fmt.Errorf("opening lock audit failed: %w", err)
			}
			defer audit.Close()

			entries, err := audit.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("reading lock audit failed: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no lock activity recorded")
				return nil
			}
			for _, e := range entries {
				detail := ""
				if e.Detail != "" {
					detail = " (" + e.Detail + ")"
				}
				fmt.Fprintf(out, "%s %-8s %-20s holder=%s%s\n",
					e.At.Format("2006-01-02 15:04:05"), e.Kind, e.Resource, e.Holder, detail)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to show")
	return cmd
}
