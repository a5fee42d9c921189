package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridflow/models"
)

func candidate(class models.CancelClass, age time.Duration) models.RestorationCandidate {
	return models.RestorationCandidate{
		OriginalOrderID: 1,
		Price:           decimal.NewFromInt(98000),
		Side:            models.SideBuy,
		Quantity:        decimal.NewFromFloat(0.01),
		Reason:          class,
		DetectedAt:      time.Now().Add(-age),
	}
}

func TestEvaluateSmartPolicy(t *testing.T) {
	cfg := DefaultRestoreConfig()
	market := decimal.NewFromInt(98100)
	now := time.Now()

	cases := []struct {
		class models.CancelClass
		want  bool
	}{
		{models.CancelUser, true},
		{models.CancelExternal, true},
		{models.CancelSystem, false},
		{models.CancelExpired, false},
	}
	for _, c := range cases {
		ok, reason := cfg.Evaluate(candidate(c.class, time.Minute), now, market, 0)
		if ok != c.want {
			t.Fatalf("smart policy on %s: restore=%v (%s), want %v", c.class, ok, reason, c.want)
		}
	}
}

func TestEvaluateWindowExpired(t *testing.T) {
	cfg := DefaultRestoreConfig()
	ok, reason := cfg.Evaluate(candidate(models.CancelUser, 6*time.Minute), time.Now(), decimal.NewFromInt(98000), 0)
	if ok || reason != "window" {
		t.Fatalf("stale candidate: restore=%v reason=%q, want window gate", ok, reason)
	}
}

func TestEvaluatePriceDeviation(t *testing.T) {
	cfg := DefaultRestoreConfig()
	// 98000 -> 101000 is just over 3%, outside the 2% band.
	ok, reason := cfg.Evaluate(candidate(models.CancelUser, time.Minute), time.Now(), decimal.NewFromInt(101000), 0)
	if ok || reason != "price_deviation" {
		t.Fatalf("drifted market: restore=%v reason=%q, want price_deviation gate", ok, reason)
	}

	ok, _ = cfg.Evaluate(candidate(models.CancelUser, time.Minute), time.Now(), decimal.NewFromInt(99000), 0)
	if !ok {
		t.Fatalf("market within band must restore")
	}
}

func TestEvaluateHourlyLimit(t *testing.T) {
	cfg := DefaultRestoreConfig()
	ok, reason := cfg.Evaluate(candidate(models.CancelUser, time.Minute), time.Now(), decimal.NewFromInt(98000), 10)
	if ok || reason != "hourly_limit" {
		t.Fatalf("at the hourly cap: restore=%v reason=%q, want hourly_limit gate", ok, reason)
	}
}

func TestEvaluateNeverPolicy(t *testing.T) {
	cfg := DefaultRestoreConfig()
	cfg.Policy = models.RestoreNever
	ok, reason := cfg.Evaluate(candidate(models.CancelUser, time.Second), time.Now(), decimal.NewFromInt(98000), 0)
	if ok || reason != "policy" {
		t.Fatalf("never policy: restore=%v reason=%q", ok, reason)
	}
}
