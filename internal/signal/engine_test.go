package signal

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"gridflow/models"
)

func baseConfig() models.GridConfig {
	return models.GridConfig{
		Symbol:       "BTCUSDT",
		Direction:    models.DirectionBoth,
		Spacing:      models.SpacingArithmetic,
		CurrentPrice: decimal.NewFromInt(100000),
		UpperBound:   decimal.NewFromInt(110000),
		LowerBound:   decimal.NewFromInt(90000),
		Levels:       10,
		TotalMargin:  decimal.NewFromInt(10000),
		MinNotional:  decimal.NewFromInt(10),
	}
}

func TestComputeLadderArithmetic(t *testing.T) {
	ladder, err := ComputeLadder(baseConfig())
	if err != nil {
		t.Fatalf("compute ladder: %v", err)
	}

	wantAbove := []string{"102000", "104000", "106000", "108000", "110000"}
	wantBelow := []string{"98000", "96000", "94000", "92000", "90000"}

	if len(ladder.Above) != len(wantAbove) || len(ladder.Below) != len(wantBelow) {
		t.Fatalf("expected 5 levels per side, got %d above / %d below", len(ladder.Above), len(ladder.Below))
	}
	for i, want := range wantAbove {
		if !ladder.Above[i].Equal(decimal.RequireFromString(want)) {
			t.Fatalf("above[%d] = %s, want %s", i, ladder.Above[i], want)
		}
	}
	for i, want := range wantBelow {
		if !ladder.Below[i].Equal(decimal.RequireFromString(want)) {
			t.Fatalf("below[%d] = %s, want %s", i, ladder.Below[i], want)
		}
	}
}

func TestComputeLadderGeometric(t *testing.T) {
	cfg := baseConfig()
	cfg.Spacing = models.SpacingGeometric
	cfg.Ratio = decimal.NewFromFloat(0.02)

	ladder, err := ComputeLadder(cfg)
	if err != nil {
		t.Fatalf("compute ladder: %v", err)
	}
	if len(ladder.Below) < 2 {
		t.Fatalf("expected at least 2 levels below, got %d", len(ladder.Below))
	}
	if !ladder.Below[0].Equal(decimal.NewFromInt(98000)) {
		t.Fatalf("first below level = %s, want 98000", ladder.Below[0])
	}
	if !ladder.Below[1].Equal(decimal.NewFromInt(96040)) {
		t.Fatalf("second below level = %s, want 96040", ladder.Below[1])
	}
}

func TestComputeLadderConfigErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*models.GridConfig)
	}{
		{"lower above current", func(c *models.GridConfig) { c.LowerBound = decimal.NewFromInt(100001) }},
		{"upper below current", func(c *models.GridConfig) { c.UpperBound = decimal.NewFromInt(99999) }},
		{"too few levels", func(c *models.GridConfig) { c.Levels = 1 }},
		{"ratio too large", func(c *models.GridConfig) {
			c.Spacing = models.SpacingGeometric
			c.Ratio = decimal.NewFromInt(1)
		}},
		{"ratio zero", func(c *models.GridConfig) {
			c.Spacing = models.SpacingGeometric
			c.Ratio = decimal.Zero
		}},
	}
	for _, c := range cases {
		cfg := baseConfig()
		c.mutate(&cfg)
		_, err := ComputeLadder(cfg)
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("%s: expected ConfigError, got %v", c.name, err)
		}
	}
}

func TestQuantityPerLevelLongUsesLowestPrice(t *testing.T) {
	cfg := baseConfig()
	cfg.Direction = models.DirectionLong
	ladder, err := ComputeLadder(cfg)
	if err != nil {
		t.Fatalf("compute ladder: %v", err)
	}
	qty, err := QuantityPerLevel(cfg, ladder)
	if err != nil {
		t.Fatalf("quantity per level: %v", err)
	}

	// Half the margin over 5 buy levels, converted at the lowest level.
	want := decimal.NewFromInt(1000).Div(decimal.NewFromInt(90000)).Round(6)
	if !qty.Equal(want) {
		t.Fatalf("qty = %s, want %s", qty, want)
	}
}

func TestQuantityPerLevelBothUsesUpperBound(t *testing.T) {
	cfg := baseConfig()
	ladder, err := ComputeLadder(cfg)
	if err != nil {
		t.Fatalf("compute ladder: %v", err)
	}
	qty, err := QuantityPerLevel(cfg, ladder)
	if err != nil {
		t.Fatalf("quantity per level: %v", err)
	}
	want := decimal.NewFromInt(1000).Div(decimal.NewFromInt(110000)).Round(6)
	if !qty.Equal(want) {
		t.Fatalf("qty = %s, want %s", qty, want)
	}
}

func TestQuantityPerLevelInsufficientMargin(t *testing.T) {
	cfg := baseConfig()
	cfg.TotalMargin = decimal.NewFromInt(50)
	ladder, err := ComputeLadder(cfg)
	if err != nil {
		t.Fatalf("compute ladder: %v", err)
	}
	_, err = QuantityPerLevel(cfg, ladder)
	var marginErr *InsufficientMarginError
	if !errors.As(err, &marginErr) {
		t.Fatalf("expected InsufficientMarginError, got %v", err)
	}
}

func TestInitialOrders(t *testing.T) {
	cfg := baseConfig()
	ladder, _ := ComputeLadder(cfg)
	qty := decimal.NewFromFloat(0.01)

	both := InitialOrders(cfg, ladder, qty)
	if len(both) != 10 {
		t.Fatalf("BOTH should quote all levels, got %d", len(both))
	}

	cfg.Direction = models.DirectionLong
	longs := InitialOrders(cfg, ladder, qty)
	if len(longs) != 5 {
		t.Fatalf("LONG should quote below levels only, got %d", len(longs))
	}
	for _, lvl := range longs {
		if lvl.Side != models.SideBuy {
			t.Fatalf("LONG initial order at %s has side %s", lvl.Price, lvl.Side)
		}
	}

	cfg.Direction = models.DirectionShort
	shorts := InitialOrders(cfg, ladder, qty)
	for _, lvl := range shorts {
		if lvl.Side != models.SideSell {
			t.Fatalf("SHORT initial order at %s has side %s", lvl.Price, lvl.Side)
		}
	}
}

func TestInitialPosition(t *testing.T) {
	cfg := baseConfig()
	cfg.Direction = models.DirectionLong
	side, size, ok := InitialPosition(cfg)
	if !ok || side != models.SideBuy {
		t.Fatalf("LONG should open a BUY position, got ok=%v side=%s", ok, side)
	}
	want := decimal.NewFromInt(5000).Div(decimal.NewFromInt(100000)).Round(6)
	if !size.Equal(want) {
		t.Fatalf("position size = %s, want %s", size, want)
	}

	cfg.Direction = models.DirectionBoth
	if _, _, ok := InitialPosition(cfg); ok {
		t.Fatalf("BOTH should open no initial position")
	}
}

func TestCounterOrder(t *testing.T) {
	rec := &models.OrderRecord{
		OrderID:        7,
		Price:          decimal.NewFromInt(98000),
		Side:           models.SideBuy,
		Quantity:       decimal.NewFromFloat(0.01),
		FilledQuantity: decimal.NewFromFloat(0.01),
	}
	instr, ok := CounterOrder(rec)
	if !ok {
		t.Fatalf("full fill should produce a counter order")
	}
	if instr.Side != models.SideSell || !instr.Price.Equal(rec.Price) {
		t.Fatalf("counter = %s @ %s, want SELL @ %s", instr.Side, instr.Price, rec.Price)
	}

	rec.FilledQuantity = decimal.NewFromFloat(0.004)
	if _, ok := CounterOrder(rec); ok {
		t.Fatalf("partial fill must not produce a counter order")
	}
}
