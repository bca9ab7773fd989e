package gateway

import (
	"fmt"
	"strings"

	"ambush/internal/config"
	"ambush/internal/gateway/binance"
	"ambush/internal/gateway/probe"
	"ambush/internal/gateway/router"
	"ambush/internal/gateway/venue"
	"ambush/internal/health"
	"ambush/internal/wallet"
)

// NewVenueFromConfig selects the execution venue adapter.
func NewVenueFromConfig(cfg *config.Config) (venue.Venue, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	kind := strings.ToLower(strings.TrimSpace(cfg.Venue.Kind))
	switch kind {
	case "", "router":
		return router.NewClient(cfg.Venue.Router)
	case "binance":
		return binance.New(cfg.Venue.Binance)
	default:
		return nil, fmt.Errorf("unsupported venue kind: %s", cfg.Venue.Kind)
	}
}

// NewWalletFromConfig selects the wallet provider.
func NewWalletFromConfig(cfg *config.Config) (wallet.Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Wallet.Provider))
	switch provider {
	case "", "local":
		return wallet.NewLocalProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported wallet provider: %s", cfg.Wallet.Provider)
	}
}

// NewProberFactory binds the health monitor to the configured probe
// endpoints. A network without an endpoint errors when the monitor starts,
// not at build time, so switching networks can surface the gap.
func NewProberFactory(cfg *config.Config) health.ProberFactory {
	return func(network string) (health.Prober, error) {
		if cfg == nil {
			return nil, fmt.Errorf("nil config")
		}
		endpoint := cfg.Watch.EndpointFor(network)
		if endpoint == "" {
			return nil, fmt.Errorf("no probe endpoint configured for network %s", network)
		}
		return probe.NewClient(endpoint)
	}
}
