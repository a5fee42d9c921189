package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridflow/internal/exchange"
	"gridflow/internal/governor"
	"gridflow/internal/ledger"
	"gridflow/internal/storage"
	"gridflow/internal/stream"
	"gridflow/models"
)

// fakeClient is an in-memory exchange used to drive sessions in tests.
type fakeClient struct {
	mu            sync.Mutex
	nextID        int64
	open          map[int64]exchange.OpenOrder
	positions     []exchange.Position
	markPrice     decimal.Decimal
	available     decimal.Decimal
	marketOrders  []exchange.PlacedOrder
	cancelAllErr  error
	cancelled     []int64
	cancelledAll  int
	closed        []exchange.Position
	limitRejected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		open:      make(map[int64]exchange.OpenOrder),
		markPrice: decimal.NewFromInt(100000),
		available: decimal.NewFromInt(100000),
	}
}

func (f *fakeClient) PlaceLimitOrder(_ context.Context, symbol string, side models.Side, price, quantity decimal.Decimal) (exchange.PlacedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limitRejected {
		return exchange.PlacedOrder{}, &exchange.RejectionError{Code: -2019, Message: "margin is insufficient"}
	}
	f.nextID++
	f.open[f.nextID] = exchange.OpenOrder{
		OrderID:  f.nextID,
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Quantity: quantity,
		Status:   models.OrderOpen,
		PlacedAt: time.Now(),
	}
	return exchange.PlacedOrder{OrderID: f.nextID, Status: models.OrderOpen}, nil
}

func (f *fakeClient) PlaceMarketOrder(_ context.Context, _ string, side models.Side, quantity decimal.Decimal) (exchange.PlacedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	placed := exchange.PlacedOrder{OrderID: f.nextID, Status: models.OrderFilled}
	f.marketOrders = append(f.marketOrders, placed)
	return placed, nil
}

func (f *fakeClient) CancelOrder(_ context.Context, _ string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, orderID)
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeClient) CancelAllOrders(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelAllErr != nil {
		return f.cancelAllErr
	}
	f.open = make(map[int64]exchange.OpenOrder)
	f.cancelledAll++
	return nil
}

func (f *fakeClient) OpenOrders(_ context.Context, _ string) ([]exchange.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.OpenOrder, 0, len(f.open))
	for _, o := range f.open {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeClient) Positions(_ context.Context, _ string) ([]exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.Position(nil), f.positions...), nil
}

func (f *fakeClient) ClosePosition(_ context.Context, pos exchange.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, pos)
	return nil
}

func (f *fakeClient) MarkPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markPrice, nil
}

func (f *fakeClient) Balance(_ context.Context, asset string) (exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return exchange.Balance{Asset: asset, Available: f.available}, nil
}

func (f *fakeClient) CreateListenKey(_ context.Context) (string, error)       { return "lk", nil }
func (f *fakeClient) KeepAliveListenKey(_ context.Context, _ string) error    { return nil }
func (f *fakeClient) CloseListenKey(_ context.Context, _ string) error        { return nil }

func (f *fakeClient) orderIDAt(price string, side models.Side) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, o := range f.open {
		if o.Price.Equal(decimal.RequireFromString(price)) && o.Side == side {
			return id
		}
	}
	return 0
}

func (f *fakeClient) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

// recordingStore captures saved summaries.
type recordingStore struct {
	mu        sync.Mutex
	summaries []models.SessionSummary
}

func (r *recordingStore) SaveSummary(_ context.Context, s models.SessionSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

func (r *recordingStore) last() (models.SessionSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.summaries) == 0 {
		return models.SessionSummary{}, false
	}
	return r.summaries[len(r.summaries)-1], true
}

func testGrid() models.GridConfig {
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

func fastGovernor() *governor.Governor {
	cfg := governor.DefaultConfig()
	cfg.RequestsPerSecond = 10000
	cfg.RequestsPerMinute = 600000
	cfg.RetryBase = time.Millisecond
	cfg.RetryMax = 2 * time.Millisecond
	return governor.New(cfg)
}

func testOptions(client exchange.Client, store storage.SummaryStore) Options {
	streamCfg := stream.DefaultConfig()
	// Point at a closed port so the background dial fails immediately.
	streamCfg.URL = "ws://127.0.0.1:1"
	streamCfg.ReconnectMin = time.Hour
	return Options{
		Client:            client,
		Governor:          fastGovernor(),
		Store:             store,
		Restore:           ledger.DefaultRestoreConfig(),
		Stream:            streamCfg,
		MarginAsset:       "USDT",
		OrderPacing:       time.Millisecond,
		ReconcileInterval: time.Hour,
		AccountCacheTTL:   time.Minute,
	}
}

func startBot(t *testing.T, client exchange.Client, store storage.SummaryStore, grid models.GridConfig) *Bot {
	t.Helper()
	bot := NewBot("test-session", grid, testOptions(client, store))
	if err := bot.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if bot.State() != models.SessionStopped {
			bot.Stop(models.StopManual)
			bot.Wait()
		}
	})
	return bot
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartPlacesInitialGrid(t *testing.T) {
	client := newFakeClient()
	bot := startBot(t, client, nil, testGrid())

	if bot.State() != models.SessionRunning {
		t.Fatalf("state = %s, want RUNNING", bot.State())
	}
	if got := client.openCount(); got != 10 {
		t.Fatalf("open orders = %d, want 10", got)
	}
	if len(client.marketOrders) != 0 {
		t.Fatalf("BOTH direction must not open a market position")
	}
	if len(bot.orders.OpenOrders()) != 10 {
		t.Fatalf("ledger tracks %d orders, want 10", len(bot.orders.OpenOrders()))
	}
}

func TestStartLongOpensInitialPosition(t *testing.T) {
	client := newFakeClient()
	grid := testGrid()
	grid.Direction = models.DirectionLong
	bot := startBot(t, client, nil, grid)

	if len(client.marketOrders) != 1 {
		t.Fatalf("LONG must open one market position, got %d", len(client.marketOrders))
	}
	if got := client.openCount(); got != 5 {
		t.Fatalf("LONG quotes the below side only, got %d orders", got)
	}
	if bot.State() != models.SessionRunning {
		t.Fatalf("state = %s", bot.State())
	}
}

func TestStartSkipsRejectedLevels(t *testing.T) {
	client := newFakeClient()
	client.limitRejected = true
	bot := startBot(t, client, nil, testGrid())

	// Every level rejected: the session still comes up with an empty grid.
	if bot.State() != models.SessionRunning {
		t.Fatalf("state = %s, want RUNNING", bot.State())
	}
	if got := len(bot.orders.OpenOrders()); got != 0 {
		t.Fatalf("ledger tracks %d orders, want 0", got)
	}
}

func TestStartFailsOnInsufficientBalance(t *testing.T) {
	client := newFakeClient()
	client.available = decimal.NewFromInt(500)
	bot := NewBot("test-session", testGrid(), testOptions(client, nil))

	err := bot.Start(context.Background())
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientBalanceError", err)
	}
	if bot.State() != models.SessionError {
		t.Fatalf("state = %s, want ERROR", bot.State())
	}
	if got := client.openCount(); got != 0 {
		t.Fatalf("orders placed without margin = %d, want 0", got)
	}
}

func TestFillSpawnsCounterOrder(t *testing.T) {
	client := newFakeClient()
	bot := startBot(t, client, nil, testGrid())

	buyID := client.orderIDAt("98000", models.SideBuy)
	if buyID == 0 {
		t.Fatalf("no buy order at 98000")
	}

	qty := decimal.RequireFromString("0.009091")
	bot.queue.Push(models.FillEvent{
		OrderID:        buyID,
		Side:           models.SideBuy,
		Price:          decimal.NewFromInt(98000),
		FilledQuantity: qty,
		TotalQuantity:  qty,
		FillID:         "t1",
		Final:          true,
		Timestamp:      time.Now(),
	})

	waitFor(t, "counter order", func() bool {
		return client.orderIDAt("98000", models.SideSell) != 0
	})

	rec, ok := bot.orders.Lookup(buyID)
	if !ok || rec.Status != models.OrderFilled {
		t.Fatalf("filled order record = %+v ok=%v", rec, ok)
	}
}

func TestDuplicateFillIsIdempotent(t *testing.T) {
	client := newFakeClient()
	bot := startBot(t, client, nil, testGrid())

	buyID := client.orderIDAt("96000", models.SideBuy)
	qty := decimal.RequireFromString("0.009091")
	fill := models.FillEvent{
		OrderID:        buyID,
		Side:           models.SideBuy,
		Price:          decimal.NewFromInt(96000),
		FilledQuantity: qty,
		TotalQuantity:  qty,
		FillID:         "t2",
		Final:          true,
		Timestamp:      time.Now(),
	}
	bot.queue.Push(fill)
	bot.queue.Push(fill)

	waitFor(t, "counter order", func() bool {
		return client.orderIDAt("96000", models.SideSell) != 0
	})
	waitFor(t, "queue drain", func() bool { return bot.queue.Depth() == 0 })

	// The redelivered fill must not double-count quantity or place a
	// second counter order.
	rec, ok := bot.orders.Lookup(buyID)
	if !ok || !rec.FilledQuantity.Equal(qty) {
		t.Fatalf("filled quantity = %s, want %s", rec.FilledQuantity, qty)
	}
	client.mu.Lock()
	counters := 0
	for _, o := range client.open {
		if o.Side == models.SideSell && o.Price.Equal(decimal.NewFromInt(96000)) {
			counters++
		}
	}
	client.mu.Unlock()
	if counters != 1 {
		t.Fatalf("counter orders at 96000 = %d, want 1", counters)
	}
}

func TestExternalCancelIsRestored(t *testing.T) {
	client := newFakeClient()
	bot := startBot(t, client, nil, testGrid())

	buyID := client.orderIDAt("94000", models.SideBuy)
	client.markPrice = decimal.NewFromInt(94500)
	bot.queue.Push(models.CancelEvent{
		OrderID:   buyID,
		Reason:    "EXTERNAL_CANCEL_DETECTED",
		Timestamp: time.Now(),
	})

	waitFor(t, "restored order", func() bool {
		id := client.orderIDAt("94000", models.SideBuy)
		return id != 0 && id != buyID
	})
}

func TestCancelNotRestoredUnderNeverPolicy(t *testing.T) {
	client := newFakeClient()
	opts := testOptions(client, nil)
	opts.Restore.Policy = models.RestoreNever
	bot := NewBot("test-session", testGrid(), opts)
	if err := bot.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		bot.Stop(models.StopManual)
		bot.Wait()
	}()

	buyID := client.orderIDAt("98000", models.SideBuy)
	bot.queue.Push(models.CancelEvent{OrderID: buyID, Reason: "USER_CANCELLED", Timestamp: time.Now()})

	waitFor(t, "cancel processed", func() bool {
		rec, ok := bot.orders.Lookup(buyID)
		return ok && rec.Status == models.OrderCancelled
	})
	if id := client.orderIDAt("98000", models.SideBuy); id != 0 && id != buyID {
		t.Fatalf("order restored despite NEVER policy")
	}
}

func TestSystemCancelNotRestoredUnderSmart(t *testing.T) {
	client := newFakeClient()
	bot := startBot(t, client, nil, testGrid())

	buyID := client.orderIDAt("92000", models.SideBuy)
	bot.queue.Push(models.CancelEvent{OrderID: buyID, Reason: "INSUFFICIENT_MARGIN", Timestamp: time.Now()})

	waitFor(t, "cancel processed", func() bool {
		rec, ok := bot.orders.Lookup(buyID)
		return ok && rec.Status == models.OrderCancelled
	})
	if id := client.orderIDAt("92000", models.SideBuy); id != 0 && id != buyID {
		t.Fatalf("system cancel must not be restored under SMART policy")
	}
}

func TestStopSequence(t *testing.T) {
	client := newFakeClient()
	client.positions = []exchange.Position{{
		Symbol:   "BTCUSDT",
		Side:     models.SideBuy,
		Quantity: decimal.RequireFromString("0.05"),
	}}
	store := &recordingStore{}
	bot := startBot(t, client, store, testGrid())

	bot.Stop(models.StopManual)
	bot.Wait()

	if bot.State() != models.SessionStopped {
		t.Fatalf("state = %s, want STOPPED", bot.State())
	}
	if client.cancelledAll != 1 {
		t.Fatalf("cancel-all calls = %d, want 1", client.cancelledAll)
	}
	if len(client.closed) != 1 {
		t.Fatalf("closed positions = %d, want 1", len(client.closed))
	}
	summary, ok := store.last()
	if !ok {
		t.Fatalf("no summary persisted")
	}
	if summary.StopReason != models.StopManual || summary.Symbol != "BTCUSDT" {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.TotalOrders != 10 {
		t.Fatalf("summary total orders = %d, want 10", summary.TotalOrders)
	}
}

func TestStopContinuesPastFailures(t *testing.T) {
	client := newFakeClient()
	client.cancelAllErr = errors.New("venue unavailable")
	store := &recordingStore{}
	bot := startBot(t, client, store, testGrid())

	bot.Stop(models.StopManual)
	bot.Wait()

	if bot.State() != models.SessionStopped {
		t.Fatalf("state = %s, want STOPPED despite cancel failure", bot.State())
	}
	if len(client.cancelled) != 10 {
		t.Fatalf("individual cancels = %d, want 10", len(client.cancelled))
	}
	if _, ok := store.last(); !ok {
		t.Fatalf("summary must be persisted even after failures")
	}
}

func TestStopPriceTriggersShutdown(t *testing.T) {
	client := newFakeClient()
	grid := testGrid()
	grid.StopBotPrice = decimal.NewFromInt(91000)
	store := &recordingStore{}
	bot := startBot(t, client, store, grid)

	buyID := client.orderIDAt("90000", models.SideBuy)
	qty := decimal.RequireFromString("0.009091")
	bot.queue.Push(models.FillEvent{
		OrderID:        buyID,
		Side:           models.SideBuy,
		Price:          decimal.NewFromInt(90000),
		FilledQuantity: qty,
		TotalQuantity:  qty,
		FillID:         "t3",
		Final:          true,
		Timestamp:      time.Now(),
	})

	waitFor(t, "stop by price", func() bool { return bot.State() == models.SessionStopped })
	summary, ok := store.last()
	if !ok || summary.StopReason != models.StopBotPrice {
		t.Fatalf("summary = %+v ok=%v, want STOP_BOT_PRICE", summary, ok)
	}
	bot.Wait()
}

func TestStopPriceTriggersOnPartialFill(t *testing.T) {
	client := newFakeClient()
	grid := testGrid()
	grid.StopBotPrice = decimal.NewFromInt(91000)
	store := &recordingStore{}
	bot := startBot(t, client, store, grid)

	buyID := client.orderIDAt("90000", models.SideBuy)
	bot.queue.Push(models.FillEvent{
		OrderID:        buyID,
		Side:           models.SideBuy,
		Price:          decimal.NewFromInt(90000),
		FilledQuantity: decimal.RequireFromString("0.001"),
		TotalQuantity:  decimal.RequireFromString("0.009091"),
		FillID:         "t4",
		Final:          false,
		Timestamp:      time.Now(),
	})

	// A partial execution at or below the stop bound must trigger the
	// shutdown just like a full fill does.
	waitFor(t, "stop by price on partial fill", func() bool { return bot.State() == models.SessionStopped })
	summary, ok := store.last()
	if !ok || summary.StopReason != models.StopBotPrice {
		t.Fatalf("summary = %+v ok=%v, want STOP_BOT_PRICE", summary, ok)
	}
	bot.Wait()
}

func TestReconcileDetectsMissingOrder(t *testing.T) {
	client := newFakeClient()
	bot := startBot(t, client, nil, testGrid())

	buyID := client.orderIDAt("98000", models.SideBuy)
	client.mu.Lock()
	delete(client.open, buyID)
	client.mu.Unlock()
	client.markPrice = decimal.NewFromInt(98500)

	bot.queue.Push(models.ReconcileTick{At: time.Now().Add(10 * time.Second)})

	waitFor(t, "missing order restored", func() bool {
		id := client.orderIDAt("98000", models.SideBuy)
		return id != 0 && id != buyID
	})
}
