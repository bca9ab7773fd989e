package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ambush/internal/config"
	"ambush/internal/lockfile"
	"ambush/internal/logger"
	"ambush/internal/profile"
)

const defaultConfigPath = "configs/config.yaml"

// loadConfig resolves the config path from the --config flag, then the
// AMBUSH_CONFIG environment variable, then the default location.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("AMBUSH_CONFIG"))
	}
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s failed: %w", path, err)
	}
	return cfg, nil
}

func newGuard(cfg *config.Config) (*lockfile.Guard, error) {
	lockDir := filepath.Join(cfg.Profiles.Dir, "locks")
	stale := time.Duration(cfg.Profiles.StaleLockMinutes) * time.Minute
	return lockfile.NewGuard(lockDir, stale)
}

func openProfileStore(cfg *config.Config) (*profile.Store, error) {
	guard, err := newGuard(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing lock guard failed: %w", err)
	}
	store, err := profile.NewStore(cfg.Profiles.Dir, guard, cfg.Profiles.HistoryKeep)
	if err != nil {
		return nil, fmt.Errorf("opening profile store failed: %w", err)
	}
	return store, nil
}

// setupLogOutput mirrors logger output to a file next to stdout when a
// log path is configured.
func setupLogOutput(logPath string) (*os.File, error) {
	logPath = strings.TrimSpace(logPath)
	if logPath == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory failed: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file failed: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return f, nil
}
