package venue

import (
	"context"

	"github.com/shopspring/decimal"
)

type Venue interface {
	Name() string

	ResolveTarget(ctx context.Context, identifier string) (*Target, error)

	Estimate(ctx context.Context, target *Target, amountIn decimal.Decimal) (*Quote, error)

	Submit(ctx context.Context, req SubmitRequest) (*OrderResult, error)

	GetBalance(ctx context.Context, account Account) (Balance, error)
}
