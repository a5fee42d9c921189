package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"gridflow/models"
)

// RestoreConfig gates the re-placement of externally cancelled orders.
type RestoreConfig struct {
	Policy          models.RestorePolicy
	Window          time.Duration
	MaxDeviationPct decimal.Decimal
	MaxPerHour      int
}

// DefaultRestoreConfig mirrors the production defaults: smart policy,
// five-minute window, 2% price deviation, ten restorations per hour.
func DefaultRestoreConfig() RestoreConfig {
	return RestoreConfig{
		Policy:          models.RestoreSmart,
		Window:          300 * time.Second,
		MaxDeviationPct: decimal.NewFromInt(2),
		MaxPerHour:      10,
	}
}

// Evaluate decides whether a candidate may be restored right now. The
// returned reason names the failed gate for logging; an empty reason
// means restore.
func (c RestoreConfig) Evaluate(cand models.RestorationCandidate, now time.Time, marketPrice decimal.Decimal, restoredLastHour int) (bool, string) {
	if !c.Policy.Allows(cand.Reason) {
		return false, "policy"
	}
	if now.Sub(cand.DetectedAt) > c.Window {
		return false, "window"
	}
	if c.MaxDeviationPct.IsPositive() && marketPrice.IsPositive() {
		deviation := marketPrice.Sub(cand.Price).Abs().
			Div(cand.Price).
			Mul(decimal.NewFromInt(100))
		if deviation.GreaterThan(c.MaxDeviationPct) {
			return false, "price_deviation"
		}
	}
	if c.MaxPerHour > 0 && restoredLastHour >= c.MaxPerHour {
		return false, "hourly_limit"
	}
	return true, ""
}
