package config

import "strings"

// Config is the top-level configuration carrier for ambush.
type Config struct {
	App      AppConfig      `toml:"app"`
	Watch    WatchConfig    `toml:"watch"`
	Venue    VenueConfig    `toml:"venue"`
	Wallet   WalletConfig   `toml:"wallet"`
	Store    StoreConfig    `toml:"store"`
	Notify   NotifyConfig   `toml:"notify"`
	Profiles ProfilesConfig `toml:"profiles"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	HTTPAddr  string `toml:"http_addr"`
	LogPath   string `toml:"log_path"`
}

// WatchConfig drives the health monitor: which endpoint to probe per network
// and how aggressively.
type WatchConfig struct {
	Network         string            `toml:"network"`
	IntervalMs      int               `toml:"interval_ms"`
	TimeoutMs       int               `toml:"timeout_ms"`
	MaxFailures     int               `toml:"max_failures"`
	SlowThresholdMs int               `toml:"slow_threshold_ms"`
	Endpoints       map[string]string `toml:"endpoints"`
}

// EndpointFor returns the probe URL configured for a network ("" if none).
func (w WatchConfig) EndpointFor(network string) string {
	if len(w.Endpoints) == 0 {
		return ""
	}
	return strings.TrimSpace(w.Endpoints[strings.ToLower(strings.TrimSpace(network))])
}

// VenueConfig selects and configures the execution venue adapter.
type VenueConfig struct {
	Kind    string        `toml:"kind"` // "router" | "binance"
	Router  RouterConfig  `toml:"router"`
	Binance BinanceConfig `toml:"binance"`
}

type RouterConfig struct {
	BaseURL                string `toml:"base_url"`
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	BreakerThreshold       int    `toml:"breaker_threshold"`
	BreakerCooldownSeconds int    `toml:"breaker_cooldown_seconds"`
}

type BinanceConfig struct {
	APIKey     string `toml:"api_key"`
	APISecret  string `toml:"api_secret"`
	QuoteAsset string `toml:"quote_asset"`
	Testnet    bool   `toml:"testnet"`
}

type WalletConfig struct {
	Provider string `toml:"provider"` // "local" is the only built-in
}

type StoreConfig struct {
	HistoryPath   string `toml:"history_path"`
	LockAuditPath string `toml:"lock_audit_path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// ProfilesConfig locates the profile files and the lock discipline around
// them.
type ProfilesConfig struct {
	Dir              string `toml:"dir"`
	Default          string `toml:"default"`
	StaleLockMinutes int    `toml:"stale_lock_minutes"`
	HistoryKeep      int    `toml:"history_keep"`
}

// keySet tracks which key paths were explicitly set in the config files, so
// defaults never clobber an intentional zero value.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes the default rule for a single field.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
