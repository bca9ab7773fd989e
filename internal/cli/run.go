package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"ambush/internal/app"
	"ambush/internal/logger"
)

// RunCmd arms a profile and blocks until the session ends or a signal
// arrives.
func RunCmd() *cobra.Command {
	var profileName string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Arm a profile and fire it on the venue's offline-to-online edge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if name := strings.TrimSpace(profileName); name != "" {
				cfg.Profiles.Default = name
			}

			logFile, err := setupLogOutput(cfg.App.LogPath)
			if err != nil {
				return err
			}
			if logFile != nil {
				defer logFile.Close()
			}
			logger.Infof("✓ config loaded env=%s profile=%s", cfg.App.Env, cfg.Profiles.Default)

			application, err := app.NewApp(cfg)
			if err != nil {
				return fmt.Errorf("initializing app failed: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return application.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "profile to arm (overrides profiles.default)")
	return cmd
}
