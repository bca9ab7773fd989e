package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ambush/internal/gateway"
	"ambush/internal/health"
)

// CheckCmd probes the configured endpoint once and reports the result.
// It exits non-zero when the venue is offline, so it works as a shell
// predicate. With --wait it keeps polling until the venue comes online
// or the wait budget runs out.
func CheckCmd() *cobra.Command {
	var (
		network string
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe the venue once and report its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			target := strings.TrimSpace(network)
			if target == "" {
				target = cfg.Watch.Network
			}

			mon := health.NewMonitor(target, health.Options{
				Interval:      time.Duration(cfg.Watch.IntervalMs) * time.Millisecond,
				ProbeTimeout:  time.Duration(cfg.Watch.TimeoutMs) * time.Millisecond,
				MaxFailures:   cfg.Watch.MaxFailures,
				SlowThreshold: time.Duration(cfg.Watch.SlowThresholdMs) * time.Millisecond,
			}, gateway.NewProberFactory(cfg))

			if wait > 0 {
				return waitForVenue(cmd, mon, target, wait)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.Watch.TimeoutMs+2000)*time.Millisecond)
			defer cancel()
			st, err := mon.CheckNow(ctx)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if st.Online {
				fmt.Fprintf(cmd.OutOrStdout(), "ONLINE network=%s latency=%dms\n", st.Network, st.LatencyMs)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OFFLINE network=%s\n", st.Network)
			return fmt.Errorf("venue %s is offline", st.Network)
		},
	}

	cmd.Flags().StringVar(&network, "network", "", "network to probe (defaults to watch.network)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "poll until online or the duration elapses (e.g. 90s, 10m)")
	return cmd
}

// waitForVenue runs the poll loop until the venue reports online or the
// budget elapses. Exit code follows the outcome, same as the one-shot path.
func waitForVenue(cmd *cobra.Command, mon *health.Monitor, network string, budget time.Duration) error {
	if err := mon.Start(network); err != nil {
		return fmt.Errorf("starting watch on %s failed: %w", network, err)
	}
	defer mon.Stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), budget)
	defer cancel()
	if err := mon.WaitForOnline(ctx); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "OFFLINE network=%s\n", network)
		return fmt.Errorf("venue %s still offline after %s", network, budget)
	}
	st := mon.GetStatus()
	fmt.Fprintf(cmd.OutOrStdout(), "ONLINE network=%s latency=%dms\n", st.Network, st.LatencyMs)
	return nil
}
