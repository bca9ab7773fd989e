// Package app wires configuration into a runnable ambush instance: the
// armed controller, its HTTP surface, and the stores behind both.
package app

import (
	"context"
	"fmt"
	"sync"

	"ambush/internal/config"
	"ambush/internal/controller"
	"ambush/internal/logger"
	livehttp "ambush/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App owns application-level orchestration: build the dependency graph,
// arm the selected profile, serve the control API until shutdown.
type App struct {
	cfg       *config.Config
	ctl       *controller.Controller
	liveHTTP  *livehttp.Server
	profile   string
	closers   []func() error
	closeOnce sync.Once
	Summary   *StartupSummary
}

// NewApp builds the application object from config without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run logs the startup summary, arms the configured profile and serves
// until ctx is canceled. The HTTP server and the armed session share one
// errgroup, so a listener failure tears the session down too.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Log()
	}
	if a.ctl == nil {
		return fmt.Errorf("controller not initialized")
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.liveHTTP != nil {
		group.Go(func() error {
			if err := a.liveHTTP.Start(ctx); err != nil {
				return fmt.Errorf("live http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		defer a.Close()
		if err := a.ctl.Arm(ctx, a.profile); err != nil {
			return fmt.Errorf("arming profile %s failed: %w", a.profile, err)
		}
		<-ctx.Done()
		return nil
	})

	return group.Wait()
}

// Controller exposes the controller instance for the CLI and tests.
func (a *App) Controller() *controller.Controller {
	if a == nil {
		return nil
	}
	return a.ctl
}

// Close disarms the session and closes the stores. Idempotent.
func (a *App) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() {
		if a.ctl != nil {
			a.ctl.Stop()
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				logger.Warnf("App: close failed: %v", err)
			}
		}
		a.closers = nil
	})
}
