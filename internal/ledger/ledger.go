// Package ledger is the in-memory authoritative record of a session's
// outstanding orders. All mutation happens on the session's dispatcher
// goroutine; the internal lock only protects boundary reads (status
// snapshots) issued from other goroutines.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridflow/logger"
	"gridflow/models"
)

const defaultRetention = 10 * time.Minute

type levelKey struct {
	price string
	side  models.Side
}

// DuplicateLevelError signals an attempt to quote a (price, side) pair
// that already has a non-terminal order. It is logged and skipped; the
// session keeps running.
type DuplicateLevelError struct {
	Price      decimal.Decimal
	Side       models.Side
	ExistingID int64
}

func (e *DuplicateLevelError) Error() string {
	return fmt.Sprintf("level %s %s already occupied by order %d", e.Side, e.Price, e.ExistingID)
}

// Ledger tracks order records, the fill dedup cache and pending
// restoration candidates for one session.
type Ledger struct {
	mu         sync.RWMutex
	byID       map[int64]*models.OrderRecord
	byLevel    map[levelKey]int64
	fills      *dedupCache
	candidates []models.RestorationCandidate
	restoredAt []time.Time
	cancelAll  bool
	stopping   bool
	retention  time.Duration
	log        *logger.Log
}

// New creates an empty ledger. Terminal records are retained for the
// given window before eviction; zero selects the default.
func New(retention time.Duration) *Ledger {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Ledger{
		byID:      make(map[int64]*models.OrderRecord),
		byLevel:   make(map[levelKey]int64),
		fills:     newDedupCache(dedupCapacity, dedupTTL),
		retention: retention,
		log:       logger.GetLogger(),
	}
}

func keyFor(price decimal.Decimal, side models.Side) levelKey {
	return levelKey{price: price.String(), side: side}
}

// Place records an exchange-accepted order occupying a grid level.
func (l *Ledger) Place(level models.GridLevel, orderID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := keyFor(level.Price, level.Side)
	if existing, ok := l.byLevel[key]; ok {
		if rec, found := l.byID[existing]; found && !rec.Status.Terminal() {
			return &DuplicateLevelError{Price: level.Price, Side: level.Side, ExistingID: existing}
		}
	}

	now := time.Now()
	l.byID[orderID] = &models.OrderRecord{
		OrderID:        orderID,
		Price:          level.Price,
		Side:           level.Side,
		Quantity:       level.Quantity,
		Status:         models.OrderOpen,
		FilledQuantity: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	l.byLevel[key] = orderID
	return nil
}

// MarkFill accumulates executed quantity on an order. When final is set,
// or the accumulated quantity reaches the order size, the record becomes
// FILLED and its level is freed. Returns the updated record.
func (l *Ledger) MarkFill(orderID int64, qty decimal.Decimal, final bool) (*models.OrderRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[orderID]
	if !ok || rec.Status.Terminal() {
		return nil, false
	}

	rec.FilledQuantity = rec.FilledQuantity.Add(qty)
	rec.UpdatedAt = time.Now()
	if final || rec.FilledQuantity.GreaterThanOrEqual(rec.Quantity) {
		rec.Status = models.OrderFilled
		delete(l.byLevel, keyFor(rec.Price, rec.Side))
	} else {
		rec.Status = models.OrderPartiallyFilled
	}
	copied := *rec
	return &copied, true
}

// MarkCancelled moves an order to CANCELLED and, unless the session is
// stopping or the cancel was self-inflicted (cancel-all in flight),
// enqueues a restoration candidate for the policy to evaluate.
func (l *Ledger) MarkCancelled(orderID int64, class models.CancelClass) (*models.RestorationCandidate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[orderID]
	if !ok || rec.Status.Terminal() {
		return nil, false
	}

	rec.Status = models.OrderCancelled
	rec.UpdatedAt = time.Now()
	delete(l.byLevel, keyFor(rec.Price, rec.Side))

	if l.stopping || l.cancelAll {
		return nil, false
	}

	cand := models.RestorationCandidate{
		OriginalOrderID: orderID,
		Price:           rec.Price,
		Side:            rec.Side,
		Quantity:        rec.Quantity,
		Reason:          class,
		DetectedAt:      time.Now(),
	}
	l.candidates = append(l.candidates, cand)
	return &cand, true
}

// MarkRejected records an exchange rejection for an already-tracked order.
func (l *Ledger) MarkRejected(orderID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.byID[orderID]; ok && !rec.Status.Terminal() {
		rec.Status = models.OrderRejected
		rec.UpdatedAt = time.Now()
		delete(l.byLevel, keyFor(rec.Price, rec.Side))
	}
}

// LookupByPrice returns a copy of the non-terminal record at (price, side).
func (l *Ledger) LookupByPrice(price decimal.Decimal, side models.Side) (models.OrderRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.byLevel[keyFor(price, side)]
	if !ok {
		return models.OrderRecord{}, false
	}
	rec, ok := l.byID[id]
	if !ok || rec.Status.Terminal() {
		return models.OrderRecord{}, false
	}
	return *rec, true
}

// Lookup returns a copy of the record for an order id.
func (l *Ledger) Lookup(orderID int64) (models.OrderRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.byID[orderID]
	if !ok {
		return models.OrderRecord{}, false
	}
	return *rec, true
}

// IsDuplicateFill consults the bounded dedup set. The first call for a
// given (order, fill) reference records it and returns false; redelivery
// returns true and the caller must skip counter-order generation.
func (l *Ledger) IsDuplicateFill(orderID int64, fillRef string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fills.seen(fmt.Sprintf("%d:%s", orderID, fillRef), time.Now())
}

// BeginCancelAll tags subsequent cancellation notifications as
// self-inflicted so they never become restoration candidates.
func (l *Ledger) BeginCancelAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelAll = true
}

// SetStopping suppresses restoration candidates during shutdown.
func (l *Ledger) SetStopping() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopping = true
}

// TakeCandidates drains the pending restoration candidates.
func (l *Ledger) TakeCandidates() []models.RestorationCandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.candidates
	l.candidates = nil
	return out
}

// AddCandidate enqueues a candidate raised outside the cancel path, e.g.
// by reconciliation spotting an expected order missing on the exchange.
func (l *Ledger) AddCandidate(cand models.RestorationCandidate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, cand)
}

// RecordRestoration notes a successful restoration for the rolling-hour
// frequency limit.
func (l *Ledger) RecordRestoration(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restoredAt = append(l.restoredAt, now)
}

// RestorationsInLastHour counts restorations in the trailing hour.
func (l *Ledger) RestorationsInLastHour(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-time.Hour)
	kept := l.restoredAt[:0]
	for _, ts := range l.restoredAt {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.restoredAt = kept
	return len(kept)
}

// OpenOrders returns copies of every non-terminal record.
func (l *Ledger) OpenOrders() []models.OrderRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.OrderRecord, 0, len(l.byLevel))
	for _, id := range l.byLevel {
		if rec, ok := l.byID[id]; ok && !rec.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	return out
}

// Snapshot returns copies of every tracked record, terminal included.
func (l *Ledger) Snapshot() []models.OrderRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.OrderRecord, 0, len(l.byID))
	for _, rec := range l.byID {
		out = append(out, *rec)
	}
	return out
}

// EvictTerminal drops terminal records older than the retention window.
func (l *Ledger) EvictTerminal(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for id, rec := range l.byID {
		if rec.Status.Terminal() && now.Sub(rec.UpdatedAt) > l.retention {
			delete(l.byID, id)
			evicted++
		}
	}
	if evicted > 0 {
		l.log.WithComponent("ledger").WithFields(logger.Fields{"evicted": evicted}).Debug("evicted terminal orders")
	}
	return evicted
}
