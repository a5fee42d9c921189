// Package exchange is the single seam between the engine and the
// venue's REST API. Everything above it works with decimal prices and
// the types below; nothing above it sees SDK structs.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"gridflow/models"
)

// PlacedOrder is the venue's acknowledgement of a new order.
type PlacedOrder struct {
	OrderID  int64
	ClientID string
	Status   models.OrderStatus
}

// Position is a simplified view of an open futures position.
type Position struct {
	Symbol        string
	Side          models.Side
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// OpenOrder is the venue's view of a resting order, used by
// reconciliation to compare against the ledger.
type OpenOrder struct {
	OrderID  int64
	Symbol   string
	Side     models.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Filled   decimal.Decimal
	Status   models.OrderStatus
	PlacedAt time.Time
}

// Balance is the available margin on the futures wallet.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Total     decimal.Decimal
}

// Client is the REST surface the engine depends on. All calls are
// synchronous and honour the context deadline.
type Client interface {
	PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, price, quantity decimal.Decimal) (PlacedOrder, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, quantity decimal.Decimal) (PlacedOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	Positions(ctx context.Context, symbol string) ([]Position, error)
	ClosePosition(ctx context.Context, pos Position) error
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Balance(ctx context.Context, asset string) (Balance, error)

	// Listen-key lifecycle for the user-data stream.
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}
