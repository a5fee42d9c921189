package stream

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"gridflow/models"
)

// userDataFrame is the envelope of a futures user-data stream message.
type userDataFrame struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Order     orderUpdateData `json:"o"`
}

type orderUpdateData struct {
	Symbol        string `json:"s"`
	Side          string `json:"S"`
	OrderID       int64  `json:"i"`
	Status        string `json:"X"`
	ExecType      string `json:"x"`
	OrigQty       string `json:"q"`
	LastFilledQty string `json:"l"`
	LastPrice     string `json:"L"`
	TradeID       int64  `json:"t"`
	TradeTime     int64  `json:"T"`
}

const (
	eventOrderUpdate      = "ORDER_TRADE_UPDATE"
	eventListenKeyExpired = "listenKeyExpired"
)

// decodeFrame maps a raw websocket payload to a dispatcher event.
// Frames the engine does not care about (account updates, margin calls)
// return ok=false. A listen-key expiry returns errListenKeyExpired so
// the read loop reconnects with a fresh key.
func decodeFrame(payload []byte) (models.Event, bool, error) {
	var frame userDataFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, false, err
	}

	switch frame.EventType {
	case eventListenKeyExpired:
		return nil, false, errListenKeyExpired
	case eventOrderUpdate:
	default:
		return nil, false, nil
	}

	o := frame.Order
	ts := time.UnixMilli(o.TradeTime)

	switch o.Status {
	case "PARTIALLY_FILLED", "FILLED":
		if o.ExecType != "TRADE" {
			return nil, false, nil
		}
		filled, err := decimal.NewFromString(o.LastFilledQty)
		if err != nil {
			return nil, false, err
		}
		price, err := decimal.NewFromString(o.LastPrice)
		if err != nil {
			return nil, false, err
		}
		total, err := decimal.NewFromString(o.OrigQty)
		if err != nil {
			return nil, false, err
		}
		side := models.SideBuy
		if o.Side == "SELL" {
			side = models.SideSell
		}
		return models.FillEvent{
			OrderID:        o.OrderID,
			Side:           side,
			Price:          price,
			FilledQuantity: filled,
			TotalQuantity:  total,
			FillID:         strconv.FormatInt(o.TradeID, 10),
			Final:          o.Status == "FILLED",
			Timestamp:      ts,
		}, true, nil
	case "CANCELED":
		return models.CancelEvent{
			OrderID:   o.OrderID,
			Reason:    "EXTERNAL_CANCEL_DETECTED",
			Timestamp: ts,
		}, true, nil
	case "EXPIRED":
		return models.CancelEvent{
			OrderID:   o.OrderID,
			Reason:    "EXPIRED",
			Timestamp: ts,
		}, true, nil
	}
	return nil, false, nil
}
