package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"ambush/internal/config"
	"ambush/internal/gateway/venue"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVenue(t *testing.T, handler http.Handler) *Venue {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	v, err := New(config.BinanceConfig{APIKey: "k", APISecret: "s", QuoteAsset: "USDT"})
	require.NoError(t, err)
	v.SetBaseURL(srv.URL)
	return v
}

func TestNewRequiresKeys(t *testing.T) {
	_, err := New(config.BinanceConfig{})
	assert.Error(t, err)
}

func TestResolveTargetTradingSymbol(t *testing.T) {
	v := newTestVenue(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/exchangeInfo", r.URL.Path)
		assert.Equal(t, "NEWUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"timezone":"UTC","symbols":[{"symbol":"NEWUSDT","status":"TRADING","baseAsset":"NEW","quoteAsset":"USDT"}]}`))
	}))

	target, err := v.ResolveTarget(context.Background(), "NEW/USDT")
	require.NoError(t, err)
	assert.Equal(t, "NEWUSDT", target.Pool)
	assert.Equal(t, "NEW", target.BaseAsset)
	assert.Equal(t, "USDT", target.QuoteAsset)
	assert.Equal(t, Name, target.Venue)
}

func TestResolveTargetBareAssetUsesQuoteAsset(t *testing.T) {
	v := newTestVenue(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "NEWUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbols":[{"symbol":"NEWUSDT","status":"TRADING","baseAsset":"NEW","quoteAsset":"USDT"}]}`))
	}))

	_, err := v.ResolveTarget(context.Background(), "new")
	assert.NoError(t, err)
}

func TestResolveTargetUnknownSymbol(t *testing.T) {
	v := newTestVenue(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))

	_, err := v.ResolveTarget(context.Background(), "GHOST/USDT")
	assert.ErrorIs(t, err, venue.ErrTargetNotFound)
}

func TestResolveTargetListedButNotTrading(t *testing.T) {
	v := newTestVenue(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[{"symbol":"NEWUSDT","status":"PRE_TRADING","baseAsset":"NEW","quoteAsset":"USDT"}]}`))
	}))

	_, err := v.ResolveTarget(context.Background(), "NEW/USDT")
	assert.ErrorIs(t, err, venue.ErrTargetNotFound)
	assert.ErrorContains(t, err, "PRE_TRADING")
}

func TestEstimateFromTickerPrice(t *testing.T) {
	v := newTestVenue(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		w.Write([]byte(`{"symbol":"NEWUSDT","price":"0.002"}`))
	}))

	quote, err := v.Estimate(context.Background(), &venue.Target{Pool: "NEWUSDT"}, decimal.RequireFromString("25"))
	require.NoError(t, err)
	assert.True(t, quote.AmountOut.Equal(decimal.RequireFromString("12500")), "25 / 0.002 = 12500, got %s", quote.AmountOut)
}

func TestSubmitMarketBuy(t *testing.T) {
	v := newTestVenue(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "NEWUSDT", r.FormValue("symbol"))
		assert.Equal(t, "BUY", r.FormValue("side"))
		assert.Equal(t, "MARKET", r.FormValue("type"))
		assert.Equal(t, "25", r.FormValue("quoteOrderQty"))
		w.Write([]byte(`{"symbol":"NEWUSDT","orderId":4242,"status":"FILLED","executedQty":"12400","cummulativeQuoteQty":"25"}`))
	}))

	result, err := v.Submit(context.Background(), venue.SubmitRequest{
		Target:       &venue.Target{Pool: "NEWUSDT"},
		AmountIn:     decimal.RequireFromString("25"),
		MinAmountOut: decimal.RequireFromString("12000"),
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", result.TxID)
	assert.True(t, result.AmountOut.Equal(decimal.RequireFromString("12400")))
}

func TestGetBalanceReportsQuoteAsset(t *testing.T) {
	v := newTestVenue(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/account", r.URL.Path)
		w.Write([]byte(`{"balances":[{"asset":"BTC","free":"1","locked":"0"},{"asset":"USDT","free":"100.5","locked":"2"}]}`))
	}))

	b, err := v.GetBalance(context.Background(), venue.Account{})
	require.NoError(t, err)
	assert.Equal(t, "USDT", b.Asset)
	assert.True(t, b.Available.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, b.Total.Equal(decimal.RequireFromString("102.5")))
}
