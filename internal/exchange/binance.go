package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridflow/logger"
	"gridflow/models"
)

const clientIDPrefix = "gridflow"

// BinanceClient adapts the Binance USD-M futures REST API to the Client
// interface.
type BinanceClient struct {
	api *futures.Client
	log *logger.Log
}

// NewBinanceClient builds a futures client from API credentials. When
// testnet is set all requests go to the futures testnet.
func NewBinanceClient(apiKey, secretKey string, testnet bool) *BinanceClient {
	if testnet {
		futures.UseTestnet = true
	}
	return &BinanceClient{
		api: binance.NewFuturesClient(apiKey, secretKey),
		log: logger.GetLogger(),
	}
}

// classify folds Binance API errors into the engine's error types.
// -1003 and -1015 are request-weight rejections, HTTP 429/418 arrive
// with the same code. -2xxx and -4xxx are business rejections.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case -1003, -1015:
		return &RateLimitError{Code: int(apiErr.Code), Message: apiErr.Message}
	}
	if apiErr.Code <= -2000 {
		return &RejectionError{Code: int(apiErr.Code), Message: apiErr.Message}
	}
	return err
}

func sideOf(side models.Side) futures.SideType {
	if side == models.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func statusOf(st futures.OrderStatusType) models.OrderStatus {
	switch st {
	case futures.OrderStatusTypeNew:
		return models.OrderOpen
	case futures.OrderStatusTypePartiallyFilled:
		return models.OrderPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return models.OrderFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return models.OrderCancelled
	case futures.OrderStatusTypeRejected:
		return models.OrderRejected
	default:
		return models.OrderPending
	}
}

func (c *BinanceClient) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, price, quantity decimal.Decimal) (PlacedOrder, error) {
	clientID := fmt.Sprintf("%s-%s", clientIDPrefix, uuid.NewString()[:18])
	res, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(sideOf(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Price(price.String()).
		Quantity(quantity.String()).
		NewClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return PlacedOrder{}, classify(err)
	}
	return PlacedOrder{OrderID: res.OrderID, ClientID: res.ClientOrderID, Status: statusOf(res.Status)}, nil
}

func (c *BinanceClient) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, quantity decimal.Decimal) (PlacedOrder, error) {
	res, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(sideOf(side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity.String()).
		Do(ctx)
	if err != nil {
		return PlacedOrder{}, classify(err)
	}
	return PlacedOrder{OrderID: res.OrderID, ClientID: res.ClientOrderID, Status: statusOf(res.Status)}, nil
}

func (c *BinanceClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	return classify(err)
}

func (c *BinanceClient) CancelAllOrders(ctx context.Context, symbol string) error {
	return classify(c.api.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx))
}

func (c *BinanceClient) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	raw, err := c.api.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			c.log.WithComponent("exchange").WithError(err).WithFields(logger.Fields{
				"order_id": o.OrderID,
			}).Warn("skipping open order with unparseable price")
			continue
		}
		qty, _ := decimal.NewFromString(o.OrigQuantity)
		filled, _ := decimal.NewFromString(o.ExecutedQuantity)
		side := models.SideBuy
		if o.Side == futures.SideTypeSell {
			side = models.SideSell
		}
		out = append(out, OpenOrder{
			OrderID:  o.OrderID,
			Symbol:   o.Symbol,
			Side:     side,
			Price:    price,
			Quantity: qty,
			Filled:   filled,
			Status:   statusOf(o.Status),
			PlacedAt: time.UnixMilli(o.Time),
		})
	}
	return out, nil
}

func (c *BinanceClient) Positions(ctx context.Context, symbol string) ([]Position, error) {
	raw, err := c.api.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		pnl, _ := decimal.NewFromString(p.UnRealizedProfit)
		side := models.SideBuy
		if amt.IsNegative() {
			side = models.SideSell
		}
		out = append(out, Position{
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      amt.Abs(),
			EntryPrice:    entry,
			UnrealizedPnL: pnl,
		})
	}
	return out, nil
}

// ClosePosition flattens a position with a reduce-only market order on
// the opposite side.
func (c *BinanceClient) ClosePosition(ctx context.Context, pos Position) error {
	_, err := c.api.NewCreateOrderService().
		Symbol(pos.Symbol).
		Side(sideOf(pos.Side.Opposite())).
		Type(futures.OrderTypeMarket).
		Quantity(pos.Quantity.String()).
		ReduceOnly(true).
		Do(ctx)
	return classify(err)
}

func (c *BinanceClient) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	raw, err := c.api.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, classify(err)
	}
	if len(raw) == 0 {
		return decimal.Zero, fmt.Errorf("no premium index for %s", symbol)
	}
	price, err := decimal.NewFromString(raw[0].MarkPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse mark price %q: %w", raw[0].MarkPrice, err)
	}
	return price, nil
}

func (c *BinanceClient) Balance(ctx context.Context, asset string) (Balance, error) {
	raw, err := c.api.NewGetBalanceService().Do(ctx)
	if err != nil {
		return Balance{}, classify(err)
	}
	for _, b := range raw {
		if strings.EqualFold(b.Asset, asset) {
			available, _ := decimal.NewFromString(b.AvailableBalance)
			total, _ := decimal.NewFromString(b.Balance)
			return Balance{Asset: b.Asset, Available: available, Total: total}, nil
		}
	}
	return Balance{}, fmt.Errorf("no balance entry for asset %s", asset)
}

func (c *BinanceClient) CreateListenKey(ctx context.Context) (string, error) {
	key, err := c.api.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", classify(err)
	}
	return key, nil
}

func (c *BinanceClient) KeepAliveListenKey(ctx context.Context, key string) error {
	return classify(c.api.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx))
}

func (c *BinanceClient) CloseListenKey(ctx context.Context, key string) error {
	return classify(c.api.NewCloseUserStreamService().ListenKey(key).Do(ctx))
}
