package config

import (
	"fmt"
	"strings"
)

// IsValidNetwork reports whether the given name is a supported network.
func IsValidNetwork(network string) bool {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case NetworkMainnet, NetworkDevnet:
		return true
	default:
		return false
	}
}

func validate(c *Config) error {
	if err := c.Watch.validate(); err != nil {
		return err
	}
	if err := c.Venue.validate(); err != nil {
		return err
	}
	if err := c.Wallet.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return c.Profiles.validate()
}

func (w *WatchConfig) validate() error {
	if !IsValidNetwork(w.Network) {
		return fmt.Errorf("watch.network must be %q or %q, got %q", NetworkMainnet, NetworkDevnet, w.Network)
	}
	if w.TimeoutMs <= 0 {
		return fmt.Errorf("watch.timeout_ms must be > 0")
	}
	if len(w.Endpoints) == 0 {
		return fmt.Errorf("watch.endpoints requires at least one network -> url entry")
	}
	if w.EndpointFor(w.Network) == "" {
		return fmt.Errorf("watch.endpoints missing url for network %s", w.Network)
	}
	return nil
}

func (v *VenueConfig) validate() error {
	switch v.Kind {
	case "router":
		if strings.TrimSpace(v.Router.BaseURL) == "" {
			return fmt.Errorf("venue.router.base_url cannot be empty")
		}
	case "binance":
		if strings.TrimSpace(v.Binance.APIKey) == "" || strings.TrimSpace(v.Binance.APISecret) == "" {
			return fmt.Errorf("venue.binance requires api_key and api_secret")
		}
	default:
		return fmt.Errorf("venue.kind only supports 'router' or 'binance', got %s", v.Kind)
	}
	return nil
}

func (w *WalletConfig) validate() error {
	if w.Provider != "local" {
		return fmt.Errorf("wallet.provider only supports 'local', got %s", w.Provider)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

func (p *ProfilesConfig) validate() error {
	if strings.TrimSpace(p.Dir) == "" {
		return fmt.Errorf("profiles.dir cannot be empty")
	}
	if p.StaleLockMinutes <= 0 {
		return fmt.Errorf("profiles.stale_lock_minutes must be > 0")
	}
	return nil
}
