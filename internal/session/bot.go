// Package session orchestrates the lifecycle of grid trading sessions:
// initialization, the serialized event loop, periodic reconciliation
// and the best-effort stop sequence.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridflow/internal/dispatch"
	"gridflow/internal/exchange"
	"gridflow/internal/governor"
	"gridflow/internal/ledger"
	"gridflow/internal/signal"
	"gridflow/internal/storage"
	"gridflow/internal/stream"
	"gridflow/logger"
	"gridflow/models"
)

// Options wires a bot to its collaborators. Governor instances must be
// shared between bots using the same credentials.
type Options struct {
	Client            exchange.Client
	Governor          *governor.Governor
	Store             storage.SummaryStore
	Restore           ledger.RestoreConfig
	Stream            stream.Config
	MarginAsset       string
	OrderPacing       time.Duration
	ReconcileInterval time.Duration
	AccountCacheTTL   time.Duration
	OrderRetention    time.Duration
}

// InsufficientBalanceError reports that the account cannot fund the
// configured grid margin.
type InsufficientBalanceError struct {
	Asset     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: %s available, %s required",
		e.Asset, e.Available.String(), e.Required.String())
}

// Bot runs one grid session. All trading decisions happen on the
// dispatcher goroutine; public methods only enqueue events or read
// snapshots.
type Bot struct {
	id     string
	grid   models.GridConfig
	opts   Options
	queue  *dispatch.Queue
	conn   *stream.Conn
	orders *ledger.Ledger

	mu               sync.RWMutex
	state            models.SessionState
	stopReason       models.StopReason
	startedAt        time.Time
	stoppedAt        time.Time
	totalOrders      int
	successfulOrders int
	profit           decimal.Decimal
	priceCached      decimal.Decimal
	priceCachedAt    time.Time

	// Maps a counter order back to the price of the fill that spawned
	// it, for realized profit accounting. Dispatcher goroutine only.
	counterOrigin map[int64]decimal.Decimal

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Log
}

func NewBot(id string, grid models.GridConfig, opts Options) *Bot {
	if opts.OrderPacing <= 0 {
		opts.OrderPacing = 100 * time.Millisecond
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 120 * time.Second
	}
	if opts.AccountCacheTTL <= 0 {
		opts.AccountCacheTTL = 30 * time.Second
	}
	return &Bot{
		id:            id,
		grid:          grid,
		opts:          opts,
		queue:         dispatch.NewQueue(),
		orders:        ledger.New(opts.OrderRetention),
		state:         models.SessionInitializing,
		profit:        decimal.Zero,
		counterOrigin: make(map[int64]decimal.Decimal),
		log:           logger.GetLogger(),
	}
}

func (b *Bot) ID() string { return b.id }

// State returns the current lifecycle state.
func (b *Bot) State() models.SessionState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Bot) setState(s models.SessionState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.log.WithComponent("session").WithFields(logger.Fields{
		"session": b.id,
		"state":   s,
	}).Info("session state changed")
}

// Status reports the session snapshot, including connection health and
// queue depth, even while the stream is degraded.
func (b *Bot) Status() models.SessionStatus {
	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()

	var conn models.ConnectionState
	if b.conn != nil {
		conn = b.conn.State()
	} else {
		conn = models.ConnectionState{Status: models.ConnDisconnected}
	}

	return models.SessionStatus{
		SessionID:  b.id,
		State:      state,
		Connection: conn,
		Orders:     b.orders.Snapshot(),
		QueueDepth: b.queue.Depth(),
	}
}

// Start validates the grid, seeds the initial position and orders, and
// launches the stream, dispatcher and reconcile loops.
func (b *Bot) Start(ctx context.Context) error {
	if b.State() != models.SessionInitializing {
		return fmt.Errorf("session %s already started", b.id)
	}

	log := b.log.WithComponent("session").WithFields(logger.Fields{
		"session": b.id,
		"symbol":  b.grid.Symbol,
	})

	ladder, err := signal.ComputeLadder(b.grid)
	if err != nil {
		return b.failInit(fmt.Errorf("compute ladder: %w", err))
	}
	qty, err := signal.QuantityPerLevel(b.grid, ladder)
	if err != nil {
		return b.failInit(fmt.Errorf("size levels: %w", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Lock()
	b.startedAt = time.Now()
	b.mu.Unlock()

	if b.opts.MarginAsset != "" {
		var bal exchange.Balance
		err := b.opts.Governor.Execute(runCtx, "balance", func(c context.Context) error {
			var err error
			bal, err = b.opts.Client.Balance(c, b.opts.MarginAsset)
			return err
		})
		if err != nil {
			log.WithError(err).Warn("balance check skipped, lookup failed")
		} else if bal.Available.LessThan(b.grid.TotalMargin) {
			cancel()
			return b.failInit(&InsufficientBalanceError{
				Asset:     b.opts.MarginAsset,
				Required:  b.grid.TotalMargin,
				Available: bal.Available,
			})
		}
	}

	if side, size, ok := signal.InitialPosition(b.grid); ok {
		err := b.opts.Governor.Execute(runCtx, "place_market", func(c context.Context) error {
			_, err := b.opts.Client.PlaceMarketOrder(c, b.grid.Symbol, side, size)
			return err
		})
		if err != nil {
			cancel()
			return b.failInit(fmt.Errorf("open initial position: %w", err))
		}
		log.WithFields(logger.Fields{"side": side, "size": size.String()}).Info("initial market position opened")
	}

	levels := signal.InitialOrders(b.grid, ladder, qty)
	for i, lvl := range levels {
		if i > 0 {
			select {
			case <-runCtx.Done():
				cancel()
				return b.failInit(runCtx.Err())
			case <-time.After(b.opts.OrderPacing):
			}
		}
		if err := b.placeLevel(runCtx, lvl); err != nil {
			var rej *exchange.RejectionError
			if errors.As(err, &rej) {
				log.WithError(err).WithFields(logger.Fields{"price": lvl.Price.String()}).Warn("initial order rejected, skipping level")
				continue
			}
			cancel()
			return b.failInit(fmt.Errorf("place initial orders: %w", err))
		}
	}

	b.conn = stream.NewConn(b.opts.Stream, b.opts.Client, b.queue)
	if err := b.conn.Start(runCtx); err != nil {
		cancel()
		return b.failInit(err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.queue.Run(runCtx, b.handleEvent)
	}()

	b.wg.Add(1)
	go b.reconcileLoop(runCtx)

	b.setState(models.SessionRunning)
	log.WithFields(logger.Fields{"orders": len(levels)}).Info("session running")
	return nil
}

func (b *Bot) failInit(err error) error {
	b.setState(models.SessionError)
	b.log.WithComponent("session").WithError(err).WithFields(logger.Fields{
		"session": b.id,
	}).Error("session initialization failed")
	return err
}

// Stop requests a graceful shutdown. The stop executes on the
// dispatcher goroutine after any events already queued.
func (b *Bot) Stop(reason models.StopReason) {
	b.queue.Push(models.StopEvent{Reason: reason})
}

// Wait blocks until the dispatcher and reconcile loops have exited.
func (b *Bot) Wait() {
	b.wg.Wait()
}

// ResetBreaker closes the stream's circuit breaker.
func (b *Bot) ResetBreaker() {
	if b.conn != nil {
		b.conn.ResetBreaker()
	}
}

func (b *Bot) reconcileLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			b.queue.Push(models.ReconcileTick{At: t})
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, ev models.Event) {
	logger.RecordSessionEvent(b.id)
	switch e := ev.(type) {
	case models.FillEvent:
		b.handleFill(ctx, e)
	case models.CancelEvent:
		b.handleCancel(ctx, e)
	case models.ReconcileTick:
		b.reconcile(ctx, e.At)
	case models.StopEvent:
		b.doStop(ctx, e.Reason)
	default:
		b.log.WithComponent("session").WithFields(logger.Fields{
			"session": b.id,
			"event":   ev.EventKind(),
		}).Debug("unhandled event kind")
	}
}

func (b *Bot) handleFill(ctx context.Context, ev models.FillEvent) {
	log := b.log.WithComponent("session").WithFields(logger.Fields{
		"session":  b.id,
		"order_id": ev.OrderID,
	})

	if b.orders.IsDuplicateFill(ev.OrderID, ev.FillID) {
		logger.IncrementDedupHit()
		log.WithFields(logger.Fields{"fill_id": ev.FillID}).Debug("duplicate fill dropped")
		return
	}

	// The trade price is a market observation regardless of how much of
	// the order executed, so stop bounds are checked before any early
	// return below.
	b.checkStopPrices(ev.Price)

	rec, ok := b.orders.MarkFill(ev.OrderID, ev.FilledQuantity, ev.Final)
	if !ok {
		log.Debug("fill for unknown or terminal order")
		return
	}
	if rec.Status != models.OrderFilled {
		log.WithFields(logger.Fields{"filled": rec.FilledQuantity.String()}).Debug("partial fill recorded")
		return
	}

	logger.IncrementOrderFilled(b.id)
	b.mu.Lock()
	b.successfulOrders++
	if origin, isCounter := b.counterOrigin[rec.OrderID]; isCounter {
		b.profit = b.profit.Add(rec.Price.Sub(origin).Abs().Mul(rec.Quantity))
		delete(b.counterOrigin, rec.OrderID)
	}
	b.mu.Unlock()

	instr, ok := signal.CounterOrder(rec)
	if ok {
		b.placeCounter(ctx, rec, instr)
	}
}

func (b *Bot) placeCounter(ctx context.Context, filled *models.OrderRecord, instr models.CounterInstruction) {
	log := b.log.WithComponent("session").WithFields(logger.Fields{
		"session": b.id,
		"price":   instr.Price.String(),
		"side":    instr.Side,
	})

	lvl := models.GridLevel{Price: instr.Price, Side: instr.Side, Quantity: instr.Quantity}
	placedID, err := b.submitOrder(ctx, lvl)
	if err != nil {
		var dup *ledger.DuplicateLevelError
		if errors.As(err, &dup) {
			log.WithFields(logger.Fields{"existing": dup.ExistingID}).Warn("counter level occupied, skipping")
			return
		}
		log.WithError(err).Error("counter order failed")
		return
	}

	b.mu.Lock()
	b.counterOrigin[placedID] = filled.Price
	b.mu.Unlock()
	logger.IncrementCounterOrder()
	log.WithFields(logger.Fields{"order_id": placedID}).Info("counter order placed")
}

// submitOrder places a limit order on the venue and records it in the
// ledger. Occupied levels are detected before spending a request.
func (b *Bot) submitOrder(ctx context.Context, lvl models.GridLevel) (int64, error) {
	if existing, occupied := b.orders.LookupByPrice(lvl.Price, lvl.Side); occupied {
		return 0, &ledger.DuplicateLevelError{Price: lvl.Price, Side: lvl.Side, ExistingID: existing.OrderID}
	}

	var placed exchange.PlacedOrder
	err := b.opts.Governor.Execute(ctx, "place_limit", func(c context.Context) error {
		var err error
		placed, err = b.opts.Client.PlaceLimitOrder(c, b.grid.Symbol, lvl.Side, lvl.Price, lvl.Quantity)
		return err
	})
	if err != nil {
		return 0, err
	}

	if err := b.orders.Place(lvl, placed.OrderID); err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.totalOrders++
	b.mu.Unlock()
	logger.IncrementOrderPlaced(b.id)
	return placed.OrderID, nil
}

func (b *Bot) placeLevel(ctx context.Context, lvl models.GridLevel) error {
	_, err := b.submitOrder(ctx, lvl)
	var dup *ledger.DuplicateLevelError
	if errors.As(err, &dup) {
		b.log.WithComponent("session").WithFields(logger.Fields{
			"session": b.id,
			"price":   lvl.Price.String(),
		}).Warn("level already occupied, skipping")
		return nil
	}
	return err
}

func (b *Bot) handleCancel(ctx context.Context, ev models.CancelEvent) {
	log := b.log.WithComponent("session").WithFields(logger.Fields{
		"session":  b.id,
		"order_id": ev.OrderID,
	})

	class, known := models.ClassifyCancelReason(ev.Reason)
	if !known {
		log.WithFields(logger.Fields{"reason": ev.Reason}).Warn("unknown cancel reason, treating as system")
	}

	cand, ok := b.orders.MarkCancelled(ev.OrderID, class)
	if !ok {
		return
	}
	log.WithFields(logger.Fields{"class": class}).Info("order cancelled")
	b.maybeRestore(ctx, *cand)
}

// maybeRestore re-places an externally cancelled order when the
// restoration policy allows it. Failed restorations are dropped, the
// reconcile pass will surface a persistent hole in the grid.
func (b *Bot) maybeRestore(ctx context.Context, cand models.RestorationCandidate) {
	log := b.log.WithComponent("session").WithFields(logger.Fields{
		"session":  b.id,
		"order_id": cand.OriginalOrderID,
	})

	market, err := b.markPrice(ctx)
	if err != nil {
		log.WithError(err).Warn("restoration skipped, mark price unavailable")
		logger.IncrementRestoration(true)
		return
	}

	now := time.Now()
	allow, gate := b.opts.Restore.Evaluate(cand, now, market, b.orders.RestorationsInLastHour(now))
	if !allow {
		logger.IncrementRestoration(true)
		log.WithFields(logger.Fields{"gate": gate, "class": cand.Reason}).Info("restoration gated")
		return
	}

	lvl := models.GridLevel{Price: cand.Price, Side: cand.Side, Quantity: cand.Quantity}
	if _, err := b.submitOrder(ctx, lvl); err != nil {
		logger.IncrementRestoration(true)
		log.WithError(err).Warn("restoration failed")
		return
	}
	b.orders.RecordRestoration(now)
	logger.IncrementRestoration(false)
	log.WithFields(logger.Fields{"price": cand.Price.String()}).Info("order restored")
}

// markPrice returns the venue mark price, cached briefly so bursts of
// cancellations don't each spend a request.
func (b *Bot) markPrice(ctx context.Context) (decimal.Decimal, error) {
	b.mu.RLock()
	cached, at := b.priceCached, b.priceCachedAt
	b.mu.RUnlock()
	if !cached.IsZero() && time.Since(at) < b.opts.AccountCacheTTL {
		return cached, nil
	}

	var price decimal.Decimal
	err := b.opts.Governor.Execute(ctx, "mark_price", func(c context.Context) error {
		var err error
		price, err = b.opts.Client.MarkPrice(c, b.grid.Symbol)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}

	b.mu.Lock()
	b.priceCached = price
	b.priceCachedAt = time.Now()
	b.mu.Unlock()
	return price, nil
}

func (b *Bot) checkStopPrices(price decimal.Decimal) {
	if b.grid.StopBotPrice.IsPositive() && price.LessThanOrEqual(b.grid.StopBotPrice) {
		b.log.WithComponent("session").WithFields(logger.Fields{
			"session": b.id,
			"price":   price.String(),
		}).Warn("stop bot price crossed")
		b.queue.Push(models.StopEvent{Reason: models.StopBotPrice})
		return
	}
	if b.grid.StopTopPrice.IsPositive() && price.GreaterThanOrEqual(b.grid.StopTopPrice) {
		b.log.WithComponent("session").WithFields(logger.Fields{
			"session": b.id,
			"price":   price.String(),
		}).Warn("stop top price crossed")
		b.queue.Push(models.StopEvent{Reason: models.StopTopPrice})
	}
}

// reconcile compares exchange state with the ledger and repairs drift:
// orders missing on the venue are handled like external cancellations.
func (b *Bot) reconcile(ctx context.Context, at time.Time) {
	log := b.log.WithComponent("session").WithFields(logger.Fields{"session": b.id})

	var venueOrders []exchange.OpenOrder
	err := b.opts.Governor.Execute(ctx, "open_orders", func(c context.Context) error {
		var err error
		venueOrders, err = b.opts.Client.OpenOrders(c, b.grid.Symbol)
		return err
	})
	if err != nil {
		log.WithError(err).Warn("reconcile skipped, open orders unavailable")
		return
	}

	onVenue := make(map[int64]struct{}, len(venueOrders))
	for _, o := range venueOrders {
		onVenue[o.OrderID] = struct{}{}
	}

	for _, rec := range b.orders.OpenOrders() {
		if _, ok := onVenue[rec.OrderID]; ok {
			continue
		}
		// Give the stream a chance to deliver fresh order updates
		// before declaring the order lost.
		if at.Sub(rec.CreatedAt) < 5*time.Second {
			continue
		}
		log.WithFields(logger.Fields{"order_id": rec.OrderID}).Warn("tracked order missing on venue")
		if cand, ok := b.orders.MarkCancelled(rec.OrderID, models.CancelExternal); ok {
			b.maybeRestore(ctx, *cand)
		}
	}

	if price, err := b.markPrice(ctx); err == nil {
		b.checkStopPrices(price)
	}

	var positions []exchange.Position
	err = b.opts.Governor.Execute(ctx, "positions", func(c context.Context) error {
		var err error
		positions, err = b.opts.Client.Positions(c, b.grid.Symbol)
		return err
	})
	if err == nil {
		for _, pos := range positions {
			log.WithFields(logger.Fields{
				"side":           pos.Side,
				"quantity":       pos.Quantity.String(),
				"unrealized_pnl": pos.UnrealizedPnL.String(),
			}).Debug("position snapshot")
		}
	}

	b.orders.EvictTerminal(at)
}

// doStop runs the best-effort stop sequence on the dispatcher
// goroutine. Every step executes even when earlier steps fail.
func (b *Bot) doStop(ctx context.Context, reason models.StopReason) {
	b.mu.Lock()
	if b.state == models.SessionStopping || b.state == models.SessionStopped {
		b.mu.Unlock()
		return
	}
	b.state = models.SessionStopping
	b.stopReason = reason
	b.mu.Unlock()

	log := b.log.WithComponent("session").WithFields(logger.Fields{
		"session": b.id,
		"reason":  reason,
	})
	log.Info("stop sequence started")

	b.orders.SetStopping()
	b.orders.BeginCancelAll()

	// Detach from the parent so shutdown completes even when the
	// process context is already cancelled.
	stopCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	err := b.opts.Governor.Execute(stopCtx, "cancel_all", func(c context.Context) error {
		return b.opts.Client.CancelAllOrders(c, b.grid.Symbol)
	})
	if err != nil {
		log.WithError(err).Warn("bulk cancel failed, cancelling individually")
		for _, rec := range b.orders.OpenOrders() {
			id := rec.OrderID
			err := b.opts.Governor.Execute(stopCtx, "cancel_order", func(c context.Context) error {
				return b.opts.Client.CancelOrder(c, b.grid.Symbol, id)
			})
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"order_id": id}).Warn("cancel failed")
			}
			select {
			case <-stopCtx.Done():
			case <-time.After(b.opts.OrderPacing):
			}
		}
	}
	for _, rec := range b.orders.OpenOrders() {
		b.orders.MarkCancelled(rec.OrderID, models.CancelSystem)
	}

	var positions []exchange.Position
	err = b.opts.Governor.Execute(stopCtx, "positions", func(c context.Context) error {
		var err error
		positions, err = b.opts.Client.Positions(c, b.grid.Symbol)
		return err
	})
	if err != nil {
		log.WithError(err).Warn("position lookup failed during stop")
	}
	for _, pos := range positions {
		p := pos
		err := b.opts.Governor.Execute(stopCtx, "close_position", func(c context.Context) error {
			return b.opts.Client.ClosePosition(c, p)
		})
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"side": p.Side}).Warn("position close failed")
		}
	}

	summary := b.buildSummary(reason)
	if b.opts.Store != nil {
		if err := b.opts.Store.SaveSummary(stopCtx, summary); err != nil {
			log.WithError(err).Warn("summary persistence failed")
		}
	}

	b.setState(models.SessionStopped)
	log.WithFields(logger.Fields{
		"total_orders":      summary.TotalOrders,
		"successful_orders": summary.SuccessfulOrders,
		"profit":            summary.TotalProfit.String(),
	}).Info("session stopped")

	if b.cancel != nil {
		b.cancel()
	}
	if b.conn != nil {
		b.conn.Stop()
	}
	b.queue.Close()
}

func (b *Bot) buildSummary(reason models.StopReason) models.SessionSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stoppedAt = time.Now()
	return models.SessionSummary{
		SessionID:        b.id,
		Symbol:           b.grid.Symbol,
		TotalOrders:      b.totalOrders,
		SuccessfulOrders: b.successfulOrders,
		TotalProfit:      b.profit,
		StopReason:       reason,
		StartedAt:        b.startedAt,
		StoppedAt:        b.stoppedAt,
	}
}
