package models

import (
	"github.com/shopspring/decimal"
)

// GridConfig is the start request for a grid session.
type GridConfig struct {
	Symbol       string          `json:"symbol" yaml:"symbol"`
	Direction    Direction       `json:"direction" yaml:"direction"`
	Spacing      SpacingType     `json:"spacing" yaml:"spacing"`
	CurrentPrice decimal.Decimal `json:"current_price" yaml:"current_price"`
	UpperBound   decimal.Decimal `json:"upper_bound" yaml:"upper_bound"`
	LowerBound   decimal.Decimal `json:"lower_bound" yaml:"lower_bound"`
	Levels       int             `json:"levels" yaml:"levels"`
	Ratio        decimal.Decimal `json:"ratio" yaml:"ratio"` // GEOMETRIC only, in (0,1)
	TotalMargin  decimal.Decimal `json:"total_margin" yaml:"total_margin"`
	MinNotional  decimal.Decimal `json:"min_notional" yaml:"min_notional"`
	StopBotPrice decimal.Decimal `json:"stop_bot_price" yaml:"stop_bot_price"` // zero disables
	StopTopPrice decimal.Decimal `json:"stop_top_price" yaml:"stop_top_price"` // zero disables
}

// GridLevel is one price point of the ladder where an order may rest.
type GridLevel struct {
	Price    decimal.Decimal `json:"price"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

// GridLadder holds the computed ladder prices for a session, partitioned
// around the reference price. Above is sorted ascending away from the
// reference, Below descending. The ladder is immutable after computation;
// level occupancy lives in the order ledger.
type GridLadder struct {
	Reference decimal.Decimal `json:"reference"`
	Above     []decimal.Decimal
	Below     []decimal.Decimal
}

// Levels returns the total number of ladder prices.
func (l *GridLadder) Levels() int {
	return len(l.Above) + len(l.Below)
}

// CounterInstruction tells the orchestrator to quote the opposite side of
// a just-filled level at the same price.
type CounterInstruction struct {
	Price    decimal.Decimal
	Side     Side
	Quantity decimal.Decimal
}
