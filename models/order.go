package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a single order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the counter side for re-quoting a filled level.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Direction is the overall grid strategy direction.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionBoth  Direction = "BOTH"
)

// SpacingType selects how ladder prices are spaced.
type SpacingType string

const (
	SpacingArithmetic SpacingType = "ARITHMETIC"
	SpacingGeometric  SpacingType = "GEOMETRIC"
)

// OrderStatus is the lifecycle state of a tracked order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// OrderRecord is the ledger's view of one outstanding exchange order.
// Records are created when the exchange accepts an order and mutated only
// from the dispatcher goroutine of the owning session.
type OrderRecord struct {
	OrderID        int64           `json:"order_id"`
	Price          decimal.Decimal `json:"price"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Status         OrderStatus     `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CancelClass groups exchange cancel reasons for the restoration policy.
type CancelClass string

const (
	CancelUser     CancelClass = "USER"
	CancelSystem   CancelClass = "SYSTEM"
	CancelExpired  CancelClass = "EXPIRED"
	CancelExternal CancelClass = "EXTERNAL"
)

// cancelReasonTable maps exchange-reported reason strings to an internal
// class. Unrecognized strings classify as SYSTEM so unknown causes are
// never auto-restored.
var cancelReasonTable = map[string]CancelClass{
	"USER_CANCELLED":           CancelUser,
	"USER_CANCELED":            CancelUser,
	"CANCELLED_BY_USER":        CancelUser,
	"USER_REQUESTED_CANCEL":    CancelUser,
	"INSUFFICIENT_MARGIN":      CancelSystem,
	"POSITION_LIMIT":           CancelSystem,
	"RISK_LIMIT":               CancelSystem,
	"ACCOUNT_SUSPENDED":        CancelSystem,
	"EXPIRED":                  CancelExpired,
	"TIME_IN_FORCE":            CancelExpired,
	"EXTERNAL_CANCEL_DETECTED": CancelExternal,
}

// ClassifyCancelReason resolves a raw exchange reason string to a
// CancelClass. Lookup is exact first, then substring, then SYSTEM.
func ClassifyCancelReason(reason string) (CancelClass, bool) {
	upper := strings.ToUpper(strings.TrimSpace(reason))
	if upper == "" {
		return CancelSystem, false
	}
	if class, ok := cancelReasonTable[upper]; ok {
		return class, true
	}
	for pattern, class := range cancelReasonTable {
		if strings.Contains(upper, pattern) {
			return class, true
		}
	}
	return CancelSystem, false
}

// RestorePolicy controls which cancelled orders may be re-placed.
type RestorePolicy string

const (
	RestoreSmart    RestorePolicy = "SMART"
	RestoreUserOnly RestorePolicy = "USER_ONLY"
	RestoreAll      RestorePolicy = "ALL"
	RestoreNever    RestorePolicy = "NEVER"
)

// Allows reports whether the policy permits restoring an order cancelled
// with the given class. Self-inflicted cancels never reach this check.
func (p RestorePolicy) Allows(class CancelClass) bool {
	switch p {
	case RestoreSmart:
		return class == CancelUser || class == CancelExternal
	case RestoreUserOnly:
		return class == CancelUser
	case RestoreAll:
		return true
	default:
		return false
	}
}

// RestorationCandidate records an order cancelled outside the bot's own
// control, pending a policy decision within the restore window.
type RestorationCandidate struct {
	OriginalOrderID int64           `json:"original_order_id"`
	Price           decimal.Decimal `json:"price"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Reason          CancelClass     `json:"reason"`
	DetectedAt      time.Time       `json:"detected_at"`
}
