// Package venue defines a common abstraction for execution venues.
// This allows the engine to work with different backends (swap routers,
// centralized exchanges) without changing the retry logic.
package venue

import (
	"time"

	"github.com/shopspring/decimal"
)

// Target is a resolved trading destination for one operation.
type Target struct {
	Identifier string // identifier the operation was configured with
	Pool       string // venue-specific pool/market id
	BaseAsset  string // asset being bought
	QuoteAsset string // asset being spent
	Venue      string // name of the venue that resolved it

	// Raw data from the venue (for debugging/logging)
	Raw map[string]any
}

// Quote is an expected-output estimate for a given input amount.
type Quote struct {
	AmountOut decimal.Decimal // expected output in base asset units
	Note      string          // venue-specific detail (route, price impact)
	QuotedAt  time.Time
}

// Account carries the signing identity a venue needs to act on behalf of
// an operation.
type Account struct {
	Address string
	Secret  string // signing key material; never logged
}

// SubmitRequest contains parameters for submitting an operation.
type SubmitRequest struct {
	Target       *Target
	Account      Account
	AmountIn     decimal.Decimal
	MinAmountOut decimal.Decimal // post-slippage floor; venue must enforce it
}

// OrderResult contains the result of a successful submission.
type OrderResult struct {
	TxID        string          // venue-assigned transaction/order id
	AmountOut   decimal.Decimal // realized output if the venue reports it
	SubmittedAt time.Time
}

// Balance represents account balance information.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	UpdatedAt time.Time

	// Raw data from the venue (for debugging/logging)
	Raw map[string]any
}
