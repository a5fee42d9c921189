// Package signal computes grid ladders, per-level quantities and
// counter-order instructions. Everything here is a pure function of its
// inputs; the package retains no state and performs no I/O.
package signal

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridflow/models"
)

const (
	priceScale    = 2
	quantityScale = 6
)

// gridMarginShare is the fraction of total margin allocated to resting
// grid orders for LONG/SHORT; the remainder funds the initial market
// position. BOTH allocates everything to the grid.
var (
	gridMarginShare = decimal.NewFromFloat(0.5)
	one             = decimal.NewFromInt(1)
)

// ConfigError reports grid parameters that can never produce a valid
// ladder. It is fatal to session start and never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid grid config: %s", e.Reason)
}

// InsufficientMarginError reports that the margin split across levels
// falls below the exchange's minimum notional.
type InsufficientMarginError struct {
	PerLevel    decimal.Decimal
	MinNotional decimal.Decimal
}

func (e *InsufficientMarginError) Error() string {
	return fmt.Sprintf("insufficient margin: %s per level is below the minimum notional %s",
		e.PerLevel.StringFixed(priceScale), e.MinNotional.StringFixed(priceScale))
}

// ComputeLadder builds the immutable price ladder for a session. Levels
// above the reference are returned ascending, levels below descending;
// the reference price itself is never a level.
func ComputeLadder(cfg models.GridConfig) (*models.GridLadder, error) {
	if cfg.Levels < 2 {
		return nil, &ConfigError{Reason: fmt.Sprintf("levels must be at least 2, got %d", cfg.Levels)}
	}
	if cfg.LowerBound.GreaterThanOrEqual(cfg.CurrentPrice) {
		return nil, &ConfigError{Reason: "lower bound must be below the current price"}
	}
	if cfg.UpperBound.LessThanOrEqual(cfg.CurrentPrice) {
		return nil, &ConfigError{Reason: "upper bound must be above the current price"}
	}
	if cfg.Spacing == models.SpacingGeometric {
		if cfg.Ratio.LessThanOrEqual(decimal.Zero) || cfg.Ratio.GreaterThanOrEqual(one) {
			return nil, &ConfigError{Reason: fmt.Sprintf("geometric ratio must be in (0,1), got %s", cfg.Ratio)}
		}
	}

	levelsAbove := cfg.Levels / 2
	levelsBelow := cfg.Levels - levelsAbove

	ladder := &models.GridLadder{Reference: cfg.CurrentPrice}

	switch cfg.Spacing {
	case models.SpacingGeometric:
		up := one.Add(cfg.Ratio)
		down := one.Sub(cfg.Ratio)
		price := cfg.CurrentPrice
		for i := 0; i < levelsAbove; i++ {
			price = price.Mul(up).Round(priceScale)
			if price.GreaterThan(cfg.UpperBound) {
				break
			}
			ladder.Above = append(ladder.Above, price)
		}
		price = cfg.CurrentPrice
		for i := 0; i < levelsBelow; i++ {
			price = price.Mul(down).Round(priceScale)
			if price.LessThan(cfg.LowerBound) {
				break
			}
			ladder.Below = append(ladder.Below, price)
		}
	default:
		spacingAbove := cfg.UpperBound.Sub(cfg.CurrentPrice).Div(decimal.NewFromInt(int64(levelsAbove)))
		spacingBelow := cfg.CurrentPrice.Sub(cfg.LowerBound).Div(decimal.NewFromInt(int64(levelsBelow)))
		for i := 1; i <= levelsAbove; i++ {
			price := cfg.CurrentPrice.Add(spacingAbove.Mul(decimal.NewFromInt(int64(i)))).Round(priceScale)
			ladder.Above = append(ladder.Above, price)
		}
		for i := 1; i <= levelsBelow; i++ {
			price := cfg.CurrentPrice.Sub(spacingBelow.Mul(decimal.NewFromInt(int64(i)))).Round(priceScale)
			ladder.Below = append(ladder.Below, price)
		}
	}

	if len(ladder.Above)+len(ladder.Below) == 0 {
		return nil, &ConfigError{Reason: "ladder has no levels inside the bounds"}
	}
	return ladder, nil
}

// QuantityPerLevel converts the grid margin allocation into an order
// quantity shared by every level. Conversion uses the least favorable
// price on the active side so every level stays affordable; the resulting
// headroom at better prices is intentional.
func QuantityPerLevel(cfg models.GridConfig, ladder *models.GridLadder) (decimal.Decimal, error) {
	alloc := cfg.TotalMargin
	if cfg.Direction != models.DirectionBoth {
		alloc = alloc.Mul(gridMarginShare)
	}

	var count int
	var reference decimal.Decimal
	switch cfg.Direction {
	case models.DirectionLong:
		count = len(ladder.Below)
		if count > 0 {
			reference = ladder.Below[count-1] // lowest buy level
		}
	case models.DirectionShort:
		count = len(ladder.Above)
		if count > 0 {
			reference = ladder.Above[count-1] // highest sell level
		}
	default:
		count = ladder.Levels()
		reference = cfg.UpperBound
	}
	if count == 0 {
		return decimal.Zero, &ConfigError{Reason: fmt.Sprintf("no ladder levels on the %s side", cfg.Direction)}
	}

	perLevel := alloc.Div(decimal.NewFromInt(int64(count)))
	if cfg.MinNotional.IsPositive() && perLevel.LessThan(cfg.MinNotional) {
		return decimal.Zero, &InsufficientMarginError{PerLevel: perLevel, MinNotional: cfg.MinNotional}
	}
	return perLevel.Div(reference).Round(quantityScale), nil
}

// InitialOrders returns the resting orders to place at session start:
// buys on every level below the reference for LONG, sells on every level
// above for SHORT, and both sides for BOTH.
func InitialOrders(cfg models.GridConfig, ladder *models.GridLadder, qty decimal.Decimal) []models.GridLevel {
	var levels []models.GridLevel
	if cfg.Direction == models.DirectionLong || cfg.Direction == models.DirectionBoth {
		for _, price := range ladder.Below {
			levels = append(levels, models.GridLevel{Price: price, Side: models.SideBuy, Quantity: qty})
		}
	}
	if cfg.Direction == models.DirectionShort || cfg.Direction == models.DirectionBoth {
		for _, price := range ladder.Above {
			levels = append(levels, models.GridLevel{Price: price, Side: models.SideSell, Quantity: qty})
		}
	}
	return levels
}

// InitialPosition sizes the market position opened alongside the grid for
// directional sessions, funded by the margin share withheld from the
// ladder. BOTH sessions open no initial position.
func InitialPosition(cfg models.GridConfig) (models.Side, decimal.Decimal, bool) {
	switch cfg.Direction {
	case models.DirectionLong:
		size := cfg.TotalMargin.Mul(gridMarginShare).Div(cfg.CurrentPrice).Round(quantityScale)
		return models.SideBuy, size, true
	case models.DirectionShort:
		size := cfg.TotalMargin.Mul(gridMarginShare).Div(cfg.CurrentPrice).Round(quantityScale)
		return models.SideSell, size, true
	}
	return "", decimal.Zero, false
}

// CounterOrder produces the opposite-side instruction for a fully filled
// level. Partial fills yield no instruction; the caller waits for the
// remaining quantity.
func CounterOrder(rec *models.OrderRecord) (models.CounterInstruction, bool) {
	if rec.FilledQuantity.LessThan(rec.Quantity) {
		return models.CounterInstruction{}, false
	}
	return models.CounterInstruction{
		Price:    rec.Price,
		Side:     rec.Side.Opposite(),
		Quantity: rec.Quantity,
	}, true
}
