package config

import "strings"

const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppLogFormat    = "text"
	defaultAppHTTPAddr     = ":9983"
	defaultAppLogPath      = "data/logs/ambush.log"
	defaultWatchNetwork    = NetworkMainnet
	defaultWatchIntervalMs = 2000
	defaultWatchTimeoutMs  = 5000
	defaultWatchFailures   = 3
	defaultWatchSlowMs     = 10000
	defaultVenueKind       = "router"
	defaultRouterTimeout   = 15
	defaultBreakerTrips    = 8
	defaultBreakerCooldown = 30
	defaultBinanceQuote    = "USDT"
	defaultWalletProvider  = "local"
	defaultHistoryPath     = "data/db/history.db"
	defaultLockAuditPath   = "data/db/lock_audit.db"
	defaultProfilesDir     = "data/profiles"
	defaultStaleLockMin    = 5
	defaultHistoryKeep     = 5
)

// Network names accepted by watch.network and profile aggregates.
const (
	NetworkMainnet = "mainnet"
	NetworkDevnet  = "devnet"
)

// MinPollIntervalMs is the floor enforced on watch.interval_ms; anything
// lower would hammer the probe endpoint.
const MinPollIntervalMs = 1000

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Watch.applyDefaults(keys)
	c.Venue.applyDefaults(keys)
	c.Wallet.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Profiles.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (w *WatchConfig) applyDefaults(keys keySet) {
	if w == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("watch.network", &w.Network, defaultWatchNetwork),
		fieldDefault{
			key:   "watch.interval_ms",
			need:  func() bool { return w.IntervalMs <= 0 },
			apply: func() { w.IntervalMs = defaultWatchIntervalMs },
		},
		fieldDefault{
			key:   "watch.timeout_ms",
			need:  func() bool { return w.TimeoutMs <= 0 },
			apply: func() { w.TimeoutMs = defaultWatchTimeoutMs },
		},
		fieldDefault{
			key:   "watch.max_failures",
			need:  func() bool { return w.MaxFailures <= 0 },
			apply: func() { w.MaxFailures = defaultWatchFailures },
		},
		fieldDefault{
			key:   "watch.slow_threshold_ms",
			need:  func() bool { return w.SlowThresholdMs <= 0 },
			apply: func() { w.SlowThresholdMs = defaultWatchSlowMs },
		},
	)
	w.Network = strings.ToLower(strings.TrimSpace(w.Network))
	// interval floor applies even to explicit user values
	if w.IntervalMs < MinPollIntervalMs {
		w.IntervalMs = MinPollIntervalMs
	}
}

func (v *VenueConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("venue.kind", &v.Kind, defaultVenueKind),
		stringFieldDefault("venue.binance.quote_asset", &v.Binance.QuoteAsset, defaultBinanceQuote),
		fieldDefault{
			key:   "venue.router.timeout_seconds",
			need:  func() bool { return v.Router.TimeoutSeconds <= 0 },
			apply: func() { v.Router.TimeoutSeconds = defaultRouterTimeout },
		},
		fieldDefault{
			key:   "venue.router.breaker_threshold",
			need:  func() bool { return v.Router.BreakerThreshold <= 0 },
			apply: func() { v.Router.BreakerThreshold = defaultBreakerTrips },
		},
		fieldDefault{
			key:   "venue.router.breaker_cooldown_seconds",
			need:  func() bool { return v.Router.BreakerCooldownSeconds <= 0 },
			apply: func() { v.Router.BreakerCooldownSeconds = defaultBreakerCooldown },
		},
	)
	v.Kind = strings.ToLower(strings.TrimSpace(v.Kind))
}

func (w *WalletConfig) applyDefaults(keys keySet) {
	if w == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("wallet.provider", &w.Provider, defaultWalletProvider),
	)
	w.Provider = strings.ToLower(strings.TrimSpace(w.Provider))
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.history_path", &s.HistoryPath, defaultHistoryPath),
		stringFieldDefault("store.lock_audit_path", &s.LockAuditPath, defaultLockAuditPath),
	)
}

func (p *ProfilesConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("profiles.dir", &p.Dir, defaultProfilesDir),
		fieldDefault{
			key:   "profiles.stale_lock_minutes",
			need:  func() bool { return p.StaleLockMinutes <= 0 },
			apply: func() { p.StaleLockMinutes = defaultStaleLockMin },
		},
		fieldDefault{
			key:   "profiles.history_keep",
			need:  func() bool { return p.HistoryKeep <= 0 },
			apply: func() { p.HistoryKeep = defaultHistoryKeep },
		},
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
