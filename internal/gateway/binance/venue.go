// Package binance adapts the Binance spot API to the venue port, for
// operations that snipe CEX listings instead of on-chain pools.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ambush/internal/config"
	"ambush/internal/gateway/venue"
	"ambush/internal/logger"
	symbolpkg "ambush/internal/pkg/symbol"

	sdk "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

const Name = "binance"

// invalidSymbolCode is Binance's error code for a symbol it does not list.
const invalidSymbolCode = -1121

// Venue implements the venue port on top of the go-binance spot client.
type Venue struct {
	cfg    config.BinanceConfig
	client *sdk.Client
	nowFn  func() time.Time
}

func New(cfg config.BinanceConfig) (*Venue, error) {
	key := strings.TrimSpace(cfg.APIKey)
	secret := strings.TrimSpace(cfg.APISecret)
	if key == "" || secret == "" {
		return nil, fmt.Errorf("venue.binance requires api_key and api_secret")
	}
	sdk.UseTestnet = cfg.Testnet
	return &Venue{
		cfg:    cfg,
		client: sdk.NewClient(key, secret),
		nowFn:  time.Now,
	}, nil
}

// SetBaseURL points the SDK at a different REST endpoint for testing.
func (v *Venue) SetBaseURL(u string) {
	v.client.BaseURL = strings.TrimSpace(u)
}

func (v *Venue) Name() string { return Name }

// ResolveTarget maps a pair identifier to a listed, actively trading spot
// symbol. A symbol Binance does not list yet, or lists but has not opened
// for trading, maps to venue.ErrTargetNotFound so the engine keeps polling
// until the listing goes live.
func (v *Venue) ResolveTarget(ctx context.Context, identifier string) (*venue.Target, error) {
	if v == nil || v.client == nil {
		return nil, fmt.Errorf("binance venue not initialized")
	}
	pair, err := v.toPair(identifier)
	if err != nil {
		return nil, err
	}
	info, err := v.client.NewExchangeInfoService().Symbol(pair).Do(ctx)
	if err != nil {
		return nil, mapErr("resolve", err)
	}
	for _, s := range info.Symbols {
		if !strings.EqualFold(s.Symbol, pair) {
			continue
		}
		if !strings.EqualFold(s.Status, "TRADING") {
			return nil, fmt.Errorf("%w: %s listed but not trading (status %s)", venue.ErrTargetNotFound, pair, s.Status)
		}
		return &venue.Target{
			Identifier: identifier,
			Pool:       s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
			Venue:      Name,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", venue.ErrTargetNotFound, pair)
}

// Estimate derives the expected base-asset output from the last traded
// price: amountIn / price.
func (v *Venue) Estimate(ctx context.Context, target *venue.Target, amountIn decimal.Decimal) (*venue.Quote, error) {
	if v == nil || v.client == nil {
		return nil, fmt.Errorf("binance venue not initialized")
	}
	if target == nil || target.Pool == "" {
		return nil, fmt.Errorf("estimate requires a resolved target")
	}
	prices, err := v.client.NewListPricesService().Symbol(target.Pool).Do(ctx)
	if err != nil {
		return nil, mapErr("estimate", err)
	}
	if len(prices) == 0 || prices[0] == nil {
		return nil, fmt.Errorf("no ticker price for %s", target.Pool)
	}
	price, perr := decimal.NewFromString(strings.TrimSpace(prices[0].Price))
	if perr != nil || !price.IsPositive() {
		return nil, fmt.Errorf("bad ticker price %q for %s", prices[0].Price, target.Pool)
	}
	return &venue.Quote{
		AmountOut: amountIn.DivRound(price, 8),
		Note:      "spot @ " + price.String(),
		QuotedAt:  v.nowFn(),
	}, nil
}

// Submit places a market buy spending AmountIn of the quote asset. Market
// orders cannot carry an output floor, so a fill below MinAmountOut is
// logged rather than rejected; the realized quantity is always reported.
func (v *Venue) Submit(ctx context.Context, req venue.SubmitRequest) (*venue.OrderResult, error) {
	if v == nil || v.client == nil {
		return nil, fmt.Errorf("binance venue not initialized")
	}
	if req.Target == nil || req.Target.Pool == "" {
		return nil, fmt.Errorf("submit requires a resolved target")
	}
	res, err := v.client.NewCreateOrderService().
		Symbol(req.Target.Pool).
		Side(sdk.SideTypeBuy).
		Type(sdk.OrderTypeMarket).
		QuoteOrderQty(req.AmountIn.String()).
		Do(ctx)
	if err != nil {
		return nil, mapErr("submit", err)
	}
	result := &venue.OrderResult{
		TxID:        fmt.Sprintf("%d", res.OrderID),
		SubmittedAt: v.nowFn(),
	}
	if filled, perr := decimal.NewFromString(strings.TrimSpace(res.ExecutedQuantity)); perr == nil {
		result.AmountOut = filled
		if req.MinAmountOut.IsPositive() && filled.LessThan(req.MinAmountOut) {
			logger.Warnf("Binance: order %s on %s filled %s, below floor %s",
				result.TxID, req.Target.Pool, filled, req.MinAmountOut)
		}
	}
	return result, nil
}

// GetBalance reports the configured quote asset's spot balance. API keys
// are client-level on Binance, so the account argument is unused.
func (v *Venue) GetBalance(ctx context.Context, _ venue.Account) (venue.Balance, error) {
	if v == nil || v.client == nil {
		return venue.Balance{}, fmt.Errorf("binance venue not initialized")
	}
	acct, err := v.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return venue.Balance{}, mapErr("balance", err)
	}
	asset := v.quoteAsset()
	b := venue.Balance{Asset: asset, UpdatedAt: v.nowFn()}
	for _, bal := range acct.Balances {
		if !strings.EqualFold(bal.Asset, asset) {
			continue
		}
		free, _ := decimal.NewFromString(strings.TrimSpace(bal.Free))
		locked, _ := decimal.NewFromString(strings.TrimSpace(bal.Locked))
		b.Available = free
		b.Total = free.Add(locked)
		break
	}
	return b, nil
}

// toPair spells the identifier the Binance way. A bare asset name is
// quoted against the configured quote asset.
func (v *Venue) toPair(identifier string) (string, error) {
	sym := symbolpkg.Parse(identifier)
	if pair := sym.Binance(); pair != "" {
		return pair, nil
	}
	base := strings.ToUpper(strings.TrimSpace(identifier))
	if base == "" {
		return "", fmt.Errorf("target identifier cannot be empty")
	}
	return symbolpkg.Symbol{Base: base, Quote: v.quoteAsset()}.Binance(), nil
}

func (v *Venue) quoteAsset() string {
	quote := strings.ToUpper(strings.TrimSpace(v.cfg.QuoteAsset))
	if quote == "" {
		quote = "USDT"
	}
	return quote
}

func mapErr(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code == invalidSymbolCode {
		return fmt.Errorf("%w: %s", venue.ErrTargetNotFound, apiErr.Message)
	}
	return venue.NewRemoteError(Name, op, 0, err)
}
