package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"ambush/internal/config"
	"ambush/internal/controller"
	"ambush/internal/engine"
	"ambush/internal/gateway"
	"ambush/internal/gateway/notifier"
	"ambush/internal/gateway/venue"
	"ambush/internal/health"
	"ambush/internal/lockfile"
	"ambush/internal/logger"
	"ambush/internal/profile"
	"ambush/internal/store/gormstore"
	livehttp "ambush/internal/transport/http/live"
	"ambush/internal/wallet"
)

// AppBuilder assembles the dependency graph for one App. The *Fn fields
// exist so tests can swap adapters without changing the wiring order.
type AppBuilder struct {
	cfg *config.Config

	venueFn    func(*config.Config) (venue.Venue, error)
	walletFn   func(*config.Config) (wallet.Provider, error)
	proberFn   func(*config.Config) health.ProberFactory
	notifierFn func(config.NotifyConfig) notifier.TextNotifier
	historyFn  func(string) (*gormstore.Store, error)
	auditFn    func(string) (*lockfile.Audit, error)
	liveHTTPFn func(livehttp.ServerConfig) (*livehttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		venueFn:    gateway.NewVenueFromConfig,
		walletFn:   gateway.NewWalletFromConfig,
		proberFn:   gateway.NewProberFactory,
		notifierFn: newTelegram,
		historyFn:  gormstore.NewStore,
		auditFn:    lockfile.OpenAudit,
		liveHTTPFn: livehttp.NewServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithVenue substitutes the execution venue adapter.
func WithVenue(v venue.Venue) AppBuilderOption {
	return func(b *AppBuilder) {
		b.venueFn = func(*config.Config) (venue.Venue, error) { return v, nil }
	}
}

// WithWallet substitutes the wallet provider.
func WithWallet(w wallet.Provider) AppBuilderOption {
	return func(b *AppBuilder) {
		b.walletFn = func(*config.Config) (wallet.Provider, error) { return w, nil }
	}
}

// WithProberFactory substitutes the health prober factory.
func WithProberFactory(f health.ProberFactory) AppBuilderOption {
	return func(b *AppBuilder) {
		b.proberFn = func(*config.Config) health.ProberFactory { return f }
	}
}

// WithNotifier substitutes the text notifier.
func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
	}
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)

	profileName := strings.TrimSpace(cfg.Profiles.Default)
	if profileName == "" {
		return nil, fmt.Errorf("no profile selected: set profiles.default or pass --profile")
	}

	guard, err := lockfile.NewGuard(
		filepath.Join(cfg.Profiles.Dir, "locks"),
		time.Duration(cfg.Profiles.StaleLockMinutes)*time.Minute,
	)
	if err != nil {
		return nil, fmt.Errorf("initializing lock guard failed: %w", err)
	}

	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	if path := strings.TrimSpace(cfg.Store.LockAuditPath); path != "" {
		audit, err := b.auditFn(path)
		if err != nil {
			return fail(fmt.Errorf("opening lock audit failed: %w", err))
		}
		guard.SetAudit(audit)
		closers = append(closers, audit.Close)
	}

	profiles, err := profile.NewStore(cfg.Profiles.Dir, guard, cfg.Profiles.HistoryKeep)
	if err != nil {
		return fail(fmt.Errorf("opening profile store failed: %w", err))
	}
	logger.Infof("✓ profile store ready dir=%s keep=%d", profiles.Dir(), cfg.Profiles.HistoryKeep)

	var history *gormstore.Store
	if path := strings.TrimSpace(cfg.Store.HistoryPath); path != "" {
		history, err = b.historyFn(path)
		if err != nil {
			return fail(fmt.Errorf("opening history store failed: %w", err))
		}
		closers = append(closers, history.Close)
		logger.Infof("✓ history store ready path=%s", path)
	}

	ven, err := b.venueFn(cfg)
	if err != nil {
		return fail(fmt.Errorf("building venue adapter failed: %w", err))
	}
	wal, err := b.walletFn(cfg)
	if err != nil {
		return fail(fmt.Errorf("building wallet provider failed: %w", err))
	}
	eng := engine.NewEngine(ven, wal)
	logger.Infof("✓ execution ready venue=%s wallet=%s", ven.Name(), wal.Name())

	monitor := health.NewMonitor(cfg.Watch.Network, health.Options{
		Interval:      time.Duration(cfg.Watch.IntervalMs) * time.Millisecond,
		ProbeTimeout:  time.Duration(cfg.Watch.TimeoutMs) * time.Millisecond,
		MaxFailures:   cfg.Watch.MaxFailures,
		SlowThreshold: time.Duration(cfg.Watch.SlowThresholdMs) * time.Millisecond,
	}, b.proberFn(cfg))
	logger.Infof("✓ watching %s every %dms", cfg.Watch.Network, cfg.Watch.IntervalMs)

	textNotifier := b.notifierFn(cfg.Notify)

	ctl := controller.New(controller.Params{
		Monitor:  monitor,
		Engine:   eng,
		Store:    profiles,
		Guard:    guard,
		History:  history,
		Notifier: textNotifier,
	})

	var liveSrv *livehttp.Server
	if addr := strings.TrimSpace(cfg.App.HTTPAddr); addr != "" {
		// A failed watch only degrades the profiles listing.
		var lister livehttp.ProfileLister
		watcher, werr := profile.NewWatcher(profiles)
		if werr != nil {
			logger.Warnf("App: profile watcher unavailable: %v", werr)
		} else {
			closers = append(closers, func() error { watcher.Stop(); return nil })
			lister = watcher
			logger.Infof("✓ profile watch ready dir=%s", profiles.Dir())
		}

		liveSrv, err = b.liveHTTPFn(livehttp.ServerConfig{
			Addr:       addr,
			Controller: ctl,
			History:    history,
			Monitor:    monitor,
			Profiles:   lister,
		})
		if err != nil {
			return fail(fmt.Errorf("building live http server failed: %w", err))
		}
	}

	known, err := profiles.List()
	if err != nil {
		logger.Warnf("App: listing profiles failed: %v", err)
	}

	notifierName := "-"
	if textNotifier != nil {
		notifierName = "telegram"
	}

	return &App{
		cfg:      cfg,
		ctl:      ctl,
		liveHTTP: liveSrv,
		profile:  profileName,
		closers:  closers,
		Summary: &StartupSummary{
			Env:      cfg.App.Env,
			HTTPAddr: cfg.App.HTTPAddr,
			Watch: WatchSummary{
				Network:         cfg.Watch.Network,
				Endpoint:        cfg.Watch.EndpointFor(cfg.Watch.Network),
				IntervalMs:      cfg.Watch.IntervalMs,
				TimeoutMs:       cfg.Watch.TimeoutMs,
				MaxFailures:     cfg.Watch.MaxFailures,
				SlowThresholdMs: cfg.Watch.SlowThresholdMs,
			},
			Venue:    ven.Name(),
			Wallet:   wal.Name(),
			Notifier: notifierName,
			History:  cfg.Store.HistoryPath,
			Profiles: ProfilesSummary{
				Dir:      cfg.Profiles.Dir,
				Selected: profileName,
				Known:    known,
			},
		},
	}, nil
}

func newTelegram(cfg config.NotifyConfig) notifier.TextNotifier {
	tg := cfg.Telegram
	if !tg.Enabled || strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "" {
		return nil
	}
	return notifier.NewTelegram(tg.BotToken, tg.ChatID)
}
